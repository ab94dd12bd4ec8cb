package taint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists taint records in the taint_records table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `tx_hash, score, origin, marked_by, parent, hops, computed_at`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	if err := row.Scan(&r.TxHash, &r.Score, &r.Origin, &r.MarkedBy, &r.Parent, &r.Hops, &r.ComputedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, txHash string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM taint_records WHERE tx_hash = $1`, txHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get taint record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) InsertIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	stored, err := scanRecord(s.db.QueryRowContext(ctx, `
		INSERT INTO taint_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING `+recordColumns,
		rec.TxHash, rec.Score, rec.Origin, rec.MarkedBy, rec.Parent, rec.Hops, rec.ComputedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert taint record: %w", err)
	}
	existing, err := s.Get(ctx, rec.TxHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) MarkOrigin(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taint_records (`+recordColumns+`)
		VALUES ($1, $2, TRUE, $3, '', 0, $4)
		ON CONFLICT (tx_hash) DO UPDATE SET
			score = EXCLUDED.score,
			origin = TRUE,
			marked_by = EXCLUDED.marked_by,
			parent = '',
			hops = 0,
			computed_at = EXCLUDED.computed_at
	`, rec.TxHash, rec.Score, rec.MarkedBy, rec.ComputedAt)
	if err != nil {
		return fmt.Errorf("failed to mark taint origin: %w", err)
	}
	return nil
}

func (s *PostgresStore) Rescore(ctx context.Context, rec *Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE taint_records
		SET score = $2, parent = $3, hops = $4, computed_at = $5
		WHERE tx_hash = $1 AND NOT origin
	`, rec.TxHash, rec.Score, rec.Parent, rec.Hops, rec.ComputedAt)
	if err != nil {
		return false, fmt.Errorf("failed to rescore taint record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to rescore taint record: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) CountOrigins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM taint_records WHERE origin`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count taint origins: %w", err)
	}
	return n, nil
}
