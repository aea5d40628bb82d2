package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/shopcore/internal/domain"
)

const paymentColumns = `id, payment_number, order_id, amount_minor, method, status, transaction_id, failure_reason, expires_at, created_at, updated_at`

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository создаёт PostgreSQL-реализацию PaymentRepository.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func (r *paymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		payment.ID, payment.PaymentNumber, payment.OrderID, payment.AmountMinor, string(payment.Method),
		string(payment.Status), payment.TransactionID, payment.FailureReason, nullTime(payment.ExpiresAt),
		payment.CreatedAt.UTC(), payment.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *paymentRepository) GetByNumber(ctx context.Context, paymentNumber string) (domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	payment, err := scanPayment(r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_number = $1`, paymentNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return payment, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at, payment_number`, orderID)
}

func (r *paymentRepository) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('PENDING', 'PROCESSING')
		  AND expires_at IS NOT NULL
		  AND expires_at <= $1
		ORDER BY created_at, payment_number
		LIMIT $2
	`, now.UTC(), limit)
}

// UpdateStatus применяется только к нетерминальному платежу; PROCESSING не возвращается в PENDING.
func (r *paymentRepository) UpdateStatus(ctx context.Context, update domain.PaymentStatusUpdate) (bool, error) {
	if !update.Status.Valid() {
		return false, nil
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = nowUTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $2::text,
		    transaction_id = CASE WHEN $3::text <> '' THEN $3::text ELSE transaction_id END,
		    failure_reason = CASE WHEN $4::text <> '' THEN $4::text ELSE failure_reason END,
		    updated_at = $5
		WHERE payment_number = $1
		  AND status IN ('PENDING', 'PROCESSING')
		  AND status <> $2::text
		  AND NOT (status = 'PROCESSING' AND $2::text = 'PENDING')
	`, update.PaymentNumber, string(update.Status), update.TransactionID, update.FailureReason, update.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}

	applied, err := affectedOne(res)
	if err != nil || applied {
		return applied, err
	}
	if _, err := r.GetByNumber(ctx, update.PaymentNumber); err != nil {
		return false, err
	}
	return false, nil
}

func (r *paymentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Payment, 0)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		result = append(result, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p         domain.Payment
		method    string
		status    string
		expiresAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.PaymentNumber, &p.OrderID, &p.AmountMinor, &method, &status,
		&p.TransactionID, &p.FailureReason, &expiresAt, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Method = domain.PaymentMethod(method)
	p.Status = domain.PaymentStatus(status)
	if expiresAt.Valid {
		p.ExpiresAt = expiresAt.Time
	}
	return p, err
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)
