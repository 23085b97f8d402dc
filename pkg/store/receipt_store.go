// Package store persists proof receipts: one row per proving call, recording
// which manifest was proven, how, and with what outcome.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no receipt matches.
var ErrNotFound = errors.New("receipt not found")

// Receipt outcomes.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Receipt records one proving call.
type Receipt struct {
	ReceiptID      string         `json:"receipt_id"`
	ManifestID     string         `json:"manifest_id"`
	ManifestDigest string         `json:"manifest_digest"`
	Mode           string         `json:"mode"`
	TargetURL      string         `json:"target_url"`
	Status         string         `json:"status"`
	ProofHash      string         `json:"proof_hash,omitempty"`
	Error          string         `json:"error,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ReceiptStore defines the interface for persisting and retrieving proof receipts.
type ReceiptStore interface {
	Store(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, receiptID string) (*Receipt, error)
	List(ctx context.Context, limit int) ([]*Receipt, error)
	ListByManifest(ctx context.Context, manifestID string, limit int) ([]*Receipt, error)
}

// prepare fills in the receipt id and timestamp when unset.
func prepare(r *Receipt) {
	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
}

// Open connects to driver ("sqlite" or "postgres") and returns a migrated store.
func Open(ctx context.Context, driver, dsn string) (ReceiptStore, *sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	var s ReceiptStore
	switch driver {
	case "sqlite":
		// Writes serialize in SQLite; one connection also keeps :memory: coherent.
		db.SetMaxOpenConns(1)
		s, err = NewSQLiteReceiptStore(db)
	case "postgres":
		pg := NewPostgresReceiptStore(db)
		err = pg.Migrate(ctx)
		s = pg
	default:
		err = fmt.Errorf("store: unsupported driver %q", driver)
	}
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row scanner, decodeTime func(any) time.Time) (*Receipt, error) {
	var (
		r         Receipt
		digest    sql.NullString
		mode      sql.NullString
		targetURL sql.NullString
		proofHash sql.NullString
		errText   sql.NullString
		timestamp any
		metaJSON  sql.NullString
	)
	err := row.Scan(&r.ReceiptID, &r.ManifestID, &digest, &mode, &targetURL, &r.Status, &proofHash, &errText, &timestamp, &metaJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.ManifestDigest = digest.String
	r.Mode = mode.String
	r.TargetURL = targetURL.String
	r.ProofHash = proofHash.String
	r.Error = errText.String
	r.Timestamp = decodeTime(timestamp)
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
	}
	return &r, nil
}

func collect(rows *sql.Rows, decodeTime func(any) time.Time) ([]*Receipt, error) {
	defer func() { _ = rows.Close() }()
	var receipts []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows, decodeTime)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

func metadataJSON(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("store: encode metadata: %w", err)
	}
	return string(b), nil
}

const receiptColumns = `receipt_id, manifest_id, manifest_digest, mode, target_url, status, proof_hash, error, timestamp, metadata`
