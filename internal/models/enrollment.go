package models

import "time"

const (
	EnrollmentStatusPending         = "PENDING"
	EnrollmentStatusPaid            = "PAID"
	EnrollmentStatusCancelRequested = "CANCEL_REQUESTED"
	EnrollmentStatusCanceled        = "CANCELED"
	EnrollmentStatusExpired         = "EXPIRED"
)

const (
	CancelStatusNone          = "NONE"
	CancelStatusRequested     = "REQ"
	CancelStatusApproved      = "APPROVED"
	CancelStatusDenied        = "DENIED"
	CancelStatusAdminCanceled = "ADMIN_CANCELED"
)

const (
	DiscountStatusPending  = "PENDING"
	DiscountStatusApproved = "APPROVED"
	DiscountStatusDenied   = "DENIED"
)

type Enrollment struct {
	ID                int64     `json:"id"`
	LessonID          int64     `json:"lesson_id"`
	UserID            int64     `json:"user_id"`
	UsesLocker        bool      `json:"uses_locker"`
	LockerHeld        bool      `json:"locker_held"`
	Gender            *string   `json:"gender"`
	Status            string    `json:"status"`
	CancelStatus      string    `json:"cancel_status"`
	DiscountStatus    *string   `json:"discount_status,omitempty"`
	LockerNo          *string   `json:"locker_no,omitempty"`
	CancelReason      *string   `json:"cancel_reason,omitempty"`
	AdminComment      *string   `json:"admin_comment,omitempty"`
	UsedDaysForRefund *int      `json:"used_days_for_refund,omitempty"`
	RefundAmount      *int64    `json:"refund_amount,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HoldsLessonSlot reports whether the enrollment counts against lesson capacity at now.
func (e *Enrollment) HoldsLessonSlot(now time.Time) bool {
	switch e.Status {
	case EnrollmentStatusPaid, EnrollmentStatusCancelRequested:
		return true
	case EnrollmentStatusPending:
		return e.ExpiresAt.After(now)
	default:
		return false
	}
}

type EnrollmentDetail struct {
	Enrollment
	Payment *Payment `json:"payment,omitempty"`
}
