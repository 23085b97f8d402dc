package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresReceiptStore is a durable SQL-based implementation.
type PostgresReceiptStore struct {
	db *sql.DB
}

func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

// Migrate creates the receipts table when missing.
func (s *PostgresReceiptStore) Migrate(ctx context.Context) error {
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
		timestamp TIMESTAMPTZ NOT NULL,
		metadata JSONB
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Store(ctx context.Context, r *Receipt) error {
	prepare(r)
	meta, err := metadataJSON(r.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::jsonb)
		ON CONFLICT (receipt_id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ReceiptID, r.ManifestID, r.ManifestDigest, r.Mode, r.TargetURL, r.Status,
		r.ProofHash, r.Error, r.Timestamp, meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, receiptID string) (*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE receipt_id = $1`
	return scanReceipt(s.db.QueryRowContext(ctx, query, receiptID), postgresTime)
}

func (s *PostgresReceiptStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts ORDER BY timestamp DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, postgresTime)
}

func (s *PostgresReceiptStore) ListByManifest(ctx context.Context, manifestID string, limit int) ([]*Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE manifest_id = $1 ORDER BY timestamp DESC LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, manifestID, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows, postgresTime)
}

func postgresTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return sqliteTime(v)
}
