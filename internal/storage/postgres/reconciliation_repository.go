package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const failureColumns = `id, order_id, payment_number, outcome, transaction_id, reason, attempts, status, failed_at, resolved_at`

type reconciliationRepository struct {
	db *sql.DB
}

// NewReconciliationFailureRepository создаёт PostgreSQL-реализацию ReconciliationFailureRepository.
func NewReconciliationFailureRepository(store *Store) domain.ReconciliationFailureRepository {
	return &reconciliationRepository{db: store.DB()}
}

// Record: upsert по (payment_number, outcome): повторная запись возвращает её в pending.
func (r *reconciliationRepository) Record(ctx context.Context, failure domain.FailedReconciliation) (domain.FailedReconciliation, error) {
	if err := failure.Event().Validate(); err != nil {
		return domain.FailedReconciliation{}, err
	}
	if failure.ID == "" {
		failure.ID = uuid.NewString()
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = nowUTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	saved, err := scanFailure(r.db.QueryRowContext(ctx, `
		INSERT INTO failed_reconciliations (`+failureColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',$8,NULL)
		ON CONFLICT (payment_number, outcome) DO UPDATE
		SET order_id = EXCLUDED.order_id,
		    transaction_id = EXCLUDED.transaction_id,
		    reason = EXCLUDED.reason,
		    attempts = EXCLUDED.attempts,
		    status = 'pending',
		    failed_at = EXCLUDED.failed_at,
		    resolved_at = NULL
		RETURNING `+failureColumns,
		failure.ID, failure.OrderID, failure.PaymentNumber, string(failure.Outcome),
		failure.TransactionID, failure.Reason, failure.Attempts, failure.FailedAt.UTC(),
	))
	if err != nil {
		return domain.FailedReconciliation{}, fmt.Errorf("record failed reconciliation: %w", err)
	}
	return saved, nil
}

func (r *reconciliationRepository) ListPending(ctx context.Context, limit int) ([]domain.FailedReconciliation, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+failureColumns+`
		FROM failed_reconciliations
		WHERE status = 'pending'
		ORDER BY failed_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending reconciliations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.FailedReconciliation, 0)
	for rows.Next() {
		failure, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed reconciliation: %w", err)
		}
		result = append(result, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed reconciliations: %w", err)
	}
	return result, nil
}

func (r *reconciliationRepository) MarkResolved(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE failed_reconciliations
		SET status = 'resolved', resolved_at = $2
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark reconciliation resolved: %w", err)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrReconciliationNotFound
	}
	return nil
}

func (r *reconciliationRepository) CountPending(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failed_reconciliations WHERE status = 'pending'`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending reconciliations: %w", err)
	}
	return count, nil
}

func scanFailure(row rowScanner) (domain.FailedReconciliation, error) {
	var (
		f          domain.FailedReconciliation
		outcome    string
		status     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&f.ID, &f.OrderID, &f.PaymentNumber, &outcome, &f.TransactionID,
		&f.Reason, &f.Attempts, &status, &f.FailedAt, &resolvedAt,
	)
	f.Outcome = domain.PaymentOutcome(outcome)
	f.Status = domain.ReconciliationStatus(status)
	if resolvedAt.Valid {
		f.ResolvedAt = resolvedAt.Time
	}
	return f, err
}

var _ domain.ReconciliationFailureRepository = (*reconciliationRepository)(nil)
