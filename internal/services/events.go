package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/pkg/mq"
)

const (
	EventEnrollmentCreated  = "enrollment.created"
	EventEnrollmentCanceled = "enrollment.canceled"
	EventEnrollmentExpired  = "enrollment.expired"
	EventPaymentPaid        = "payment.paid"
	EventPaymentFailed      = "payment.failed"
	EventPaymentConflict    = "payment.conflict"
	EventPaymentRefunded    = "payment.refunded"
)

// EventPublisher delivers domain events outside the transaction. Delivery is
// best effort.
type EventPublisher interface {
	Publish(ctx context.Context, event mq.Event) error
}

// CapacityNotifier pushes capacity snapshots to live viewers.
type CapacityNotifier interface {
	PublishCapacity(snapshot models.LessonCapacity)
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, mq.Event) error { return nil }

type noopNotifier struct{}

func (noopNotifier) PublishCapacity(models.LessonCapacity) {}

type enrollmentEvent struct {
	EnrollmentID int64  `json:"enrollment_id"`
	LessonID     int64  `json:"lesson_id"`
	UserID       int64  `json:"user_id"`
	Status       string `json:"status"`
}

type paymentEvent struct {
	EnrollmentID   int64   `json:"enrollment_id,omitempty"`
	TID            string  `json:"tid"`
	Moid           string  `json:"moid"`
	Amount         int64   `json:"amount"`
	ResultCode     string  `json:"result_code"`
	ConflictReason *string `json:"conflict_reason,omitempty"`
}

type eventEmitter struct {
	publisher EventPublisher
	logger    *slog.Logger
}

func (e eventEmitter) emit(ctx context.Context, eventType string, data any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	if err := e.publisher.Publish(ctx, mq.NewEvent(eventType, data)); err != nil {
		e.logger.Warn("publish event failed", "type", eventType, "error", err)
	}
}

func enrollmentEventFrom(enrollment *models.Enrollment) enrollmentEvent {
	return enrollmentEvent{
		EnrollmentID: enrollment.ID,
		LessonID:     enrollment.LessonID,
		UserID:       enrollment.UserID,
		Status:       enrollment.Status,
	}
}
