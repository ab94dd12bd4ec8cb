package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mbd888/taintguard/internal/faults"
)

// PostgresStore persists the pool. The balance row is locked with
// SELECT ... FOR UPDATE for the duration of each Apply.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, kind, source, from_address, amount, reference, note, balance_after, created_at`

func (p *PostgresStore) Apply(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pool transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM pool_state WHERE id = 1 FOR UPDATE`).Scan(&balance); err != nil {
		return fmt.Errorf("failed to lock pool balance: %w", err)
	}
	next := balance + e.delta()
	if next < 0 {
		return faults.InsufficientFunds("pool balance %d is below requested %d", balance, e.Amount)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO pool_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (kind, source, reference) WHERE reference <> '' DO NOTHING`,
		e.ID, string(e.Kind), string(e.Source), e.From, e.Amount, e.Reference, e.Note, next, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append pool entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrDuplicateEntry
	}

	if _, err := tx.ExecContext(ctx, `UPDATE pool_state SET balance = $1, updated_at = $2 WHERE id = 1`, next, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to update pool balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pool entry: %w", err)
	}
	e.BalanceAfter = next
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `SELECT balance FROM pool_state WHERE id = 1`).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read pool balance: %w", err)
	}
	return balance, nil
}

func (p *PostgresStore) List(ctx context.Context, kind Kind, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM pool_entries
		WHERE kind = $1
		ORDER BY seq DESC
		LIMIT $2`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Totals(ctx context.Context) (*Totals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT kind, source, COUNT(*), COALESCE(SUM(amount), 0)
		FROM pool_entries
		GROUP BY kind, source`)
	if err != nil {
		return nil, fmt.Errorf("failed to total pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	t := &Totals{BySource: make(map[Source]SourceTotal)}
	for rows.Next() {
		var kind, source string
		var st SourceTotal
		if err := rows.Scan(&kind, &source, &st.Count, &st.Amount); err != nil {
			return nil, err
		}
		t.BySource[Source(source)] = st
		if Kind(kind) == KindFunding {
			t.Funded += st.Amount
			t.FundingCount += st.Count
		} else {
			t.Spent += st.Amount
			t.SpendingCount += st.Count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	last, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM pool_entries
		WHERE kind = 'funding'
		ORDER BY seq DESC
		LIMIT 1`))
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read last funding: %w", err)
	default:
		t.LastFunding = last
	}
	return t, nil
}

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var kind, source string
	if err := row.Scan(&e.ID, &kind, &source, &e.From, &e.Amount, &e.Reference, &e.Note, &e.BalanceAfter, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Source = Source(source)
	return &e, nil
}
