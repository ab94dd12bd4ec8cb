package reports

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists reports in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reportColumns = `id, tx_hash, reporter_address, amount, email, description, evidence,
		facts_status, execution_status, execution_notes, recovered_amount,
		reviewed_by, review_notes, assigned_to, proof_hash, compensation_tx, withdrawn_by,
		version, submitted_at, reviewed_at, validation_started_at, resolved_at, withdrawn_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *FraudReport) error {
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		r.ID, r.TxHash, r.ReporterAddress, r.Amount, r.Email, r.Description, r.Evidence,
		string(r.FactsStatus), string(r.ExecutionStatus), r.ExecutionNotes, r.RecoveredAmount,
		r.ReviewedBy, r.ReviewNotes, r.AssignedTo, r.ProofHash, r.CompensationTx, r.WithdrawnBy,
		r.Version, r.SubmittedAt, nullTime(r.ReviewedAt), nullTime(r.ValidationStartedAt),
		nullTime(r.ResolvedAt), nullTime(r.WithdrawnAt), r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("failed to create fraud report: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*FraudReport, error) {
	r, err := scanReport(p.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM fraud_reports WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fraud report: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *FraudReport) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE fraud_reports SET
			facts_status = $1, execution_status = $2, execution_notes = $3, recovered_amount = $4,
			reviewed_by = $5, review_notes = $6, assigned_to = $7, proof_hash = $8,
			compensation_tx = $9, withdrawn_by = $10,
			reviewed_at = $11, validation_started_at = $12, resolved_at = $13, withdrawn_at = $14,
			updated_at = $15, version = version + 1
		WHERE id = $16 AND version = $17`,
		string(r.FactsStatus), string(r.ExecutionStatus), r.ExecutionNotes, r.RecoveredAmount,
		r.ReviewedBy, r.ReviewNotes, r.AssignedTo, r.ProofHash,
		r.CompensationTx, r.WithdrawnBy,
		nullTime(r.ReviewedAt), nullTime(r.ValidationStartedAt), nullTime(r.ResolvedAt), nullTime(r.WithdrawnAt),
		r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update fraud report: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM fraud_reports WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check fraud report: %w", err)
		}
		if !exists {
			return ErrReportNotFound
		}
		return ErrStaleReport
	}
	r.Version++
	return nil
}

func (p *PostgresStore) ListByFacts(ctx context.Context, status FactsStatus, limit int) ([]*FraudReport, error) {
	if limit <= 0 {
		limit = 1000
	}
	return p.list(ctx, `
		SELECT `+reportColumns+` FROM fraud_reports
		WHERE facts_status = $1
		ORDER BY submitted_at, id
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) ListByTx(ctx context.Context, txHash string) ([]*FraudReport, error) {
	return p.list(ctx, `
		SELECT `+reportColumns+` FROM fraud_reports
		WHERE tx_hash = $1
		ORDER BY submitted_at, id`, txHash)
}

func (p *PostgresStore) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE facts_status = 'PENDING'),
		       COUNT(*) FILTER (WHERE facts_status = 'FACTS_APPROVED'),
		       COUNT(*) FILTER (WHERE facts_status = 'FACTS_REJECTED'),
		       COUNT(*) FILTER (WHERE facts_status = 'WITHDRAWN'),
		       COUNT(*) FILTER (WHERE execution_status = 'EXECUTED'),
		       COUNT(*) FILTER (WHERE execution_status = 'INFEASIBLE'),
		       COALESCE(SUM(amount), 0),
		       COALESCE(SUM(recovered_amount), 0)
		FROM fraud_reports`).Scan(
		&c.Total, &c.Pending, &c.Approved, &c.Rejected, &c.Withdrawn,
		&c.Executed, &c.Infeasible, &c.AmountReported, &c.AmountRecovered,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count fraud reports: %w", err)
	}
	return c, nil
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*FraudReport, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fraud reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*FraudReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fraud report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReport(row interface{ Scan(...any) error }) (*FraudReport, error) {
	var r FraudReport
	var facts, exec string
	var reviewedAt, validationAt, resolvedAt, withdrawnAt sql.NullTime
	err := row.Scan(
		&r.ID, &r.TxHash, &r.ReporterAddress, &r.Amount, &r.Email, &r.Description, &r.Evidence,
		&facts, &exec, &r.ExecutionNotes, &r.RecoveredAmount,
		&r.ReviewedBy, &r.ReviewNotes, &r.AssignedTo, &r.ProofHash, &r.CompensationTx, &r.WithdrawnBy,
		&r.Version, &r.SubmittedAt, &reviewedAt, &validationAt, &resolvedAt, &withdrawnAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.FactsStatus = FactsStatus(facts)
	r.ExecutionStatus = ExecutionStatus(exec)
	r.ReviewedAt = timePtr(reviewedAt)
	r.ValidationStartedAt = timePtr(validationAt)
	r.ResolvedAt = timePtr(resolvedAt)
	r.WithdrawnAt = timePtr(withdrawnAt)
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
