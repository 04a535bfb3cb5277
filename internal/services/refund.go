package services

import "time"

const DefaultLessonDailyRate int64 = 3500

type RefundPolicy struct {
	DailyRate int64
	// Location decides where a calendar day starts. Nil counts days in the
	// location of AsOf.
	Location *time.Location
}

type RefundInput struct {
	PaidAmount      int64
	AlreadyRefunded int64
	LessonStart     time.Time
	AsOf            time.Time
	ManualUsedDays  *int
}

type RefundPreview struct {
	PaidAmount          int64 `json:"paid_amount"`
	AlreadyRefunded     int64 `json:"already_refunded"`
	RefundableRemaining int64 `json:"refundable_remaining"`
	SystemUsedDays      int   `json:"system_used_days"`
	ManualUsedDays      *int  `json:"manual_used_days,omitempty"`
	EffectiveUsedDays   int   `json:"effective_used_days"`
	DailyRate           int64 `json:"daily_rate"`
	Deduction           int64 `json:"deduction"`
	RefundAmount        int64 `json:"refund_amount"`
}

// UsedDays counts calendar days from the lesson start through asOf, both
// inclusive, in asOf's location. Before the start it is zero.
func UsedDays(lessonStart, asOf time.Time) int {
	loc := asOf.Location()
	sy, sm, sd := lessonStart.In(loc).Date()
	ay, am, ad := asOf.Date()
	start := time.Date(sy, sm, sd, 0, 0, 0, 0, time.UTC)
	end := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// CalculateRefund prorates a refund as paid minus dailyRate per used day,
// clamped to what is still refundable. It has no side effects.
func CalculateRefund(policy RefundPolicy, input RefundInput) RefundPreview {
	rate := policy.DailyRate
	if rate < 0 {
		rate = 0
	}

	asOf := input.AsOf
	if policy.Location != nil {
		asOf = asOf.In(policy.Location)
	}

	preview := RefundPreview{
		PaidAmount:      input.PaidAmount,
		AlreadyRefunded: input.AlreadyRefunded,
		SystemUsedDays:  UsedDays(input.LessonStart, asOf),
		DailyRate:       rate,
	}

	preview.RefundableRemaining = input.PaidAmount - input.AlreadyRefunded
	if preview.RefundableRemaining < 0 {
		preview.RefundableRemaining = 0
	}

	preview.EffectiveUsedDays = preview.SystemUsedDays
	if input.ManualUsedDays != nil {
		manual := *input.ManualUsedDays
		if manual < 0 {
			manual = 0
		}
		preview.ManualUsedDays = &manual
		preview.EffectiveUsedDays = manual
	}

	preview.Deduction = rate * int64(preview.EffectiveUsedDays)
	if preview.Deduction > input.PaidAmount {
		preview.Deduction = input.PaidAmount
	}

	refund := input.PaidAmount - preview.Deduction
	if refund > preview.RefundableRemaining {
		refund = preview.RefundableRemaining
	}
	if refund < 0 {
		refund = 0
	}
	preview.RefundAmount = refund
	return preview
}
