package reversal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/taintguard/internal/chain"
	"github.com/mbd888/taintguard/internal/faults"
)

// ErrOutputClaimed is returned when an output is already reserved by
// another report.
var ErrOutputClaimed = faults.Conflict("output_claimed", "output already claimed by another report")

// Claim reserves the recoverable part of one tainted output for a report.
type Claim struct {
	Outpoint  chain.Outpoint `json:"outpoint"`
	Address   string         `json:"address"`
	Amount    int64          `json:"amount"`
	ReportID  string         `json:"reportId,omitempty"`
	ClaimedAt time.Time      `json:"claimedAt,omitempty"`
}

// ClaimStore keeps output reservations so two reports never recover the
// same funds.
type ClaimStore interface {
	// Claim reserves every claim for reportID or none of them. Claims
	// already held by reportID are accepted again.
	Claim(ctx context.Context, reportID string, claims []Claim) error
	// Release drops every reservation held by reportID.
	Release(ctx context.Context, reportID string) error
	// Owners returns the report holding each of outs, if any.
	Owners(ctx context.Context, outs []chain.Outpoint) (map[chain.Outpoint]string, error)
	ListByReport(ctx context.Context, reportID string) ([]Claim, error)
}

// MemoryClaimStore is an in-memory ClaimStore.
type MemoryClaimStore struct {
	mu     sync.RWMutex
	claims map[chain.Outpoint]Claim
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{claims: make(map[chain.Outpoint]Claim)}
}

func (m *MemoryClaimStore) Claim(_ context.Context, reportID string, claims []Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range claims {
		if held, ok := m.claims[c.Outpoint]; ok && held.ReportID != reportID {
			return fmt.Errorf("%s held by %s: %w", c.Outpoint, held.ReportID, ErrOutputClaimed)
		}
	}
	now := time.Now().UTC()
	for _, c := range claims {
		if _, ok := m.claims[c.Outpoint]; ok {
			continue
		}
		c.ReportID = reportID
		c.ClaimedAt = now
		m.claims[c.Outpoint] = c
	}
	return nil
}

func (m *MemoryClaimStore) Release(_ context.Context, reportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for op, c := range m.claims {
		if c.ReportID == reportID {
			delete(m.claims, op)
		}
	}
	return nil
}

func (m *MemoryClaimStore) Owners(_ context.Context, outs []chain.Outpoint) (map[chain.Outpoint]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owners := make(map[chain.Outpoint]string)
	for _, op := range outs {
		if c, ok := m.claims[op]; ok {
			owners[op] = c.ReportID
		}
	}
	return owners, nil
}

func (m *MemoryClaimStore) ListByReport(_ context.Context, reportID string) ([]Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Claim
	for _, c := range m.claims {
		if c.ReportID == reportID {
			out = append(out, c)
		}
	}
	sortClaims(out)
	return out, nil
}

// PostgresClaimStore keeps reservations in reversal_claims, keyed by
// outpoint.
type PostgresClaimStore struct {
	db *sql.DB
}

func NewPostgresClaimStore(db *sql.DB) *PostgresClaimStore {
	return &PostgresClaimStore{db: db}
}

func (p *PostgresClaimStore) Claim(ctx context.Context, reportID string, claims []Claim) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range claims {
		op := c.Outpoint.String()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reversal_claims (outpoint, report_id, address, amount)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (outpoint) DO NOTHING`,
			op, reportID, c.Address, c.Amount); err != nil {
			return fmt.Errorf("failed to claim %s: %w", op, err)
		}
		var holder string
		if err := tx.QueryRowContext(ctx, `SELECT report_id FROM reversal_claims WHERE outpoint = $1`, op).Scan(&holder); err != nil {
			return fmt.Errorf("failed to read claim %s: %w", op, err)
		}
		if holder != reportID {
			return fmt.Errorf("%s held by %s: %w", op, holder, ErrOutputClaimed)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claims: %w", err)
	}
	return nil
}

func (p *PostgresClaimStore) Release(ctx context.Context, reportID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM reversal_claims WHERE report_id = $1`, reportID)
	if err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	return nil
}

func (p *PostgresClaimStore) Owners(ctx context.Context, outs []chain.Outpoint) (map[chain.Outpoint]string, error) {
	owners := make(map[chain.Outpoint]string)
	if len(outs) == 0 {
		return owners, nil
	}
	byKey := make(map[string]chain.Outpoint, len(outs))
	keys := make([]string, 0, len(outs))
	for _, op := range outs {
		byKey[op.String()] = op
		keys = append(keys, op.String())
	}
	rows, err := p.db.QueryContext(ctx, `SELECT outpoint, report_id FROM reversal_claims WHERE outpoint = ANY($1)`, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var key, reportID string
		if err := rows.Scan(&key, &reportID); err != nil {
			return nil, err
		}
		owners[byKey[key]] = reportID
	}
	return owners, rows.Err()
}

func (p *PostgresClaimStore) ListByReport(ctx context.Context, reportID string) ([]Claim, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT outpoint, address, amount, claimed_at FROM reversal_claims
		WHERE report_id = $1 ORDER BY outpoint`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Claim
	for rows.Next() {
		var key string
		c := Claim{ReportID: reportID}
		if err := rows.Scan(&key, &c.Address, &c.Amount, &c.ClaimedAt); err != nil {
			return nil, err
		}
		if c.Outpoint, err = chain.ParseOutpoint(key); err != nil {
			return nil, fmt.Errorf("corrupt claim row for report %s: %w", reportID, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortClaims(out)
	return out, nil
}
