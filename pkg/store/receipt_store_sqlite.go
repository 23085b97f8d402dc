package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so text order matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteReceiptStore keeps receipts in a SQLite database.
type SQLiteReceiptStore struct {
	db *sql.DB
}

// NewSQLiteReceiptStore migrates db and returns the store.
func NewSQLiteReceiptStore(db *sql.DB) (*SQLiteReceiptStore, error) {
	s := &SQLiteReceiptStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReceiptStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS receipts (
		receipt_id TEXT PRIMARY KEY,
		manifest_id TEXT NOT NULL,
		manifest_digest TEXT,
		mode TEXT,
		target_url TEXT,
		status TEXT NOT NULL,
		proof_hash TEXT,
		error TEXT,
		timestamp TEXT NOT NULL,
		metadata JSON
	);
	CREATE INDEX IF NOT EXISTS receipts_manifest_idx ON receipts (manifest_id, timestamp);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptStore) Store(ctx context.Context, r *Receipt) error {
	prepare(r)
	meta, err := metadataJSON(r.Metadata)
	if err != nil {
		return err
	}
	query := `INSERT INTO receipts (` + receiptColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		r.ReceiptID, r.ManifestID, r.ManifestDigest, r.Mode, r.TargetURL, r.Status,
		r.ProofHash, r.Error, r.Timestamp.UTC().Format(sqliteTimeLayout), meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLiteReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE receipt_id = ?`
	return scanReceipt(s.db.QueryRowContext(ctx, query, receiptID), sqliteTime)
}

func (s *SQLiteReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, sqliteTime)
}

func (s *SQLiteReceiptStore) ListByManifest(ctx context.Context, manifestID string, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE manifest_id = ? ORDER BY timestamp DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, manifestID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, sqliteTime)
}

// sqliteTime decodes the RFC 3339 text column.
func sqliteTime(v any) time.Time {
	var value string
	switch t := v.(type) {
	case string:
		value = t
	case []byte:
		value = string(t)
	case time.Time:
		return t
	default:
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
