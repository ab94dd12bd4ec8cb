package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/taintguard/internal/pagination"
)

// PostgresStore persists alerts and flags in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, detector, severity, tx_hash, address, score, evidence, description, created_at`

func (s *PostgresStore) Append(ctx context.Context, a *Alert) error {
	evidence, err := json.Marshal(a.Evidence)
	if err != nil {
		return fmt.Errorf("failed to marshal evidence: %w", err)
	}
	if a.Evidence == nil {
		evidence = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, a.ID, a.Detector, string(a.Severity), a.TxHash, a.Address, a.Score, string(evidence), a.Description, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append alert: %w", err)
	}
	return nil
}

func scanAlert(row interface{ Scan(...any) error }) (*Alert, error) {
	var a Alert
	var severity string
	var evidence []byte
	if err := row.Scan(&a.ID, &a.Detector, &severity, &a.TxHash, &a.Address, &a.Score, &evidence, &a.Description, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Severity = Severity(severity)
	if len(evidence) > 0 {
		_ = json.Unmarshal(evidence, &a.Evidence)
	}
	return &a, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByTx(ctx context.Context, txHash string) ([]*Alert, error) {
	return s.list(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tx_hash = $1 ORDER BY created_at, id`, txHash)
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Alert, error) {
	return s.list(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE address = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, address, limit)
}

func (s *PostgresStore) ListRecent(ctx context.Context, before *pagination.Cursor, limit int) ([]*Alert, error) {
	if before == nil {
		return s.list(ctx, `SELECT `+alertColumns+` FROM alerts ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	}
	return s.list(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE (created_at, id) < ($1, $2)
		ORDER BY created_at DESC, id DESC LIMIT $3
	`, before.CreatedAt, before.ID, limit)
}

func (s *PostgresStore) CountByAddress(ctx context.Context, address string) (int, int, error) {
	var total, critical int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE severity = 'CRITICAL')
		FROM alerts WHERE address = $1
	`, address).Scan(&total, &critical)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return total, critical, nil
}

func (s *PostgresStore) CountBySeverity(ctx context.Context) (map[Severity]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM alerts GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("failed to count alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[Severity]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[Severity(sev)] = n
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Flag(ctx context.Context, f *Flag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flagged_addresses (address, reason, flagged_by, flagged_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO NOTHING
	`, f.Address, f.Reason, f.FlaggedBy, f.FlaggedAt)
	if err != nil {
		return fmt.Errorf("failed to flag address: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unflag(ctx context.Context, address string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flagged_addresses WHERE address = $1`, address)
	if err != nil {
		return false, fmt.Errorf("failed to unflag address: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) IsFlagged(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM flagged_addresses WHERE address = $1)`, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check flag: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CountFlagged(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM flagged_addresses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count flags: %w", err)
	}
	return n, nil
}
