package models

import "time"

const (
	PaymentStatusPaid            = "PAID"
	PaymentStatusFailed          = "FAILED"
	PaymentStatusCanceled        = "CANCELED"
	PaymentStatusPartialRefunded = "PARTIAL_REFUNDED"
)

type Payment struct {
	ID                int64      `json:"id"`
	EnrollmentID      int64      `json:"enrollment_id"`
	TID               string     `json:"tid"`
	Moid              string     `json:"moid"`
	Status            string     `json:"status"`
	PaidAmount        int64      `json:"paid_amount"`
	RefundedAmount    int64      `json:"refunded_amount"`
	PayMethod         string     `json:"pay_method"`
	PGResultCode      string     `json:"pg_result_code"`
	PGResultMsg       *string    `json:"pg_result_msg,omitempty"`
	NeedsManualRefund bool       `json:"needs_manual_refund"`
	ConflictReason    *string    `json:"conflict_reason,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	RefundedAt        *time.Time `json:"refunded_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (p *Payment) Refundable() int64 {
	return p.PaidAmount - p.RefundedAmount
}
