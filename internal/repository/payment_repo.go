package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

const paymentColumns = `
	id, enrollment_id, tid, moid, status, paid_amount, refunded_amount, pay_method,
	pg_result_code, pg_result_msg, needs_manual_refund, conflict_reason, paid_at,
	refunded_at, created_at
`

type CreatePaymentInput struct {
	EnrollmentID      int64
	TID               string
	Moid              string
	Status            string
	PaidAmount        int64
	PayMethod         string
	PGResultCode      string
	PGResultMsg       *string
	NeedsManualRefund bool
	ConflictReason    *string
	PaidAt            *time.Time
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create inserts a gateway outcome. A second row for the same tid fails with
// a unique violation (SQLSTATE 23505).
func (r *PaymentRepository) Create(ctx context.Context, input CreatePaymentInput) (*models.Payment, error) {
	query := `
		INSERT INTO payments (
			enrollment_id, tid, moid, status, paid_amount, refunded_amount, pay_method,
			pg_result_code, pg_result_msg, needs_manual_refund, conflict_reason, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11)
		RETURNING ` + paymentColumns

	return scanPayment(r.db.QueryRow(
		ctx,
		query,
		input.EnrollmentID,
		input.TID,
		input.Moid,
		input.Status,
		input.PaidAmount,
		input.PayMethod,
		input.PGResultCode,
		input.PGResultMsg,
		input.NeedsManualRefund,
		input.ConflictReason,
		input.PaidAt,
	))
}

func (r *PaymentRepository) GetByTID(ctx context.Context, tid string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE tid = $1`
	return scanPayment(r.db.QueryRow(ctx, query, tid))
}

func (r *PaymentRepository) GetLatestByEnrollmentID(ctx context.Context, enrollmentID int64) (*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE enrollment_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	return scanPayment(r.db.QueryRow(ctx, query, enrollmentID))
}

// GetActiveByEnrollmentIDForUpdate returns the captured payment that still has
// a refundable balance.
func (r *PaymentRepository) GetActiveByEnrollmentIDForUpdate(ctx context.Context, enrollmentID int64) (*models.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE enrollment_id = $1
		  AND status IN ('PAID', 'PARTIAL_REFUNDED')
		  AND needs_manual_refund = FALSE
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`
	return scanPayment(r.db.QueryRow(ctx, query, enrollmentID))
}

func (r *PaymentRepository) ApplyRefund(ctx context.Context, paymentID int64, amount int64, status string, refundedAt time.Time) (*models.Payment, error) {
	query := `
		UPDATE payments
		SET refunded_amount = refunded_amount + $2,
			status = $3,
			refunded_at = $4
		WHERE id = $1 AND refunded_amount + $2 <= paid_amount
		RETURNING ` + paymentColumns
	return scanPayment(r.db.QueryRow(ctx, query, paymentID, amount, status, refundedAt))
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var payment models.Payment
	err := row.Scan(
		&payment.ID,
		&payment.EnrollmentID,
		&payment.TID,
		&payment.Moid,
		&payment.Status,
		&payment.PaidAmount,
		&payment.RefundedAmount,
		&payment.PayMethod,
		&payment.PGResultCode,
		&payment.PGResultMsg,
		&payment.NeedsManualRefund,
		&payment.ConflictReason,
		&payment.PaidAt,
		&payment.RefundedAt,
		&payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}
