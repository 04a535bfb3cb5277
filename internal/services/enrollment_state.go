package services

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

var enrollmentTransitions = map[string][]string{
	models.EnrollmentStatusPending:         {models.EnrollmentStatusPaid, models.EnrollmentStatusExpired, models.EnrollmentStatusCanceled},
	models.EnrollmentStatusPaid:            {models.EnrollmentStatusCancelRequested, models.EnrollmentStatusCanceled},
	models.EnrollmentStatusCancelRequested: {models.EnrollmentStatusCanceled, models.EnrollmentStatusPaid},
}

func CanTransition(from, to string) bool {
	for _, next := range enrollmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EnrollmentStateMachine applies lifecycle transitions to an enrollment the
// caller has already locked. Capacity effects go through the ledger inside
// the same transaction.
type EnrollmentStateMachine struct {
	ledger *CapacityLedger
}

func NewEnrollmentStateMachine(ledger *CapacityLedger) *EnrollmentStateMachine {
	return &EnrollmentStateMachine{ledger: ledger}
}

func (m *EnrollmentStateMachine) transition(ctx context.Context, st Stores, enrollment *models.Enrollment, next string) (*models.Enrollment, error) {
	if !CanTransition(enrollment.Status, next) {
		return nil, ErrInvalidStateTransition
	}

	updated, err := st.Enrollments.UpdateStatusIfCurrent(ctx, enrollment.ID, enrollment.Status, next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return updated, nil
}

// MarkPaid moves PENDING to PAID, taking a locker first when one was requested
// and is not yet held. ErrLockerUnavailable leaves the row untouched.
func (m *EnrollmentStateMachine) MarkPaid(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	if enrollment.Status != models.EnrollmentStatusPending {
		return nil, ErrInvalidStateTransition
	}

	if enrollment.UsesLocker && !enrollment.LockerHeld {
		if _, err := m.ledger.ReserveLocker(ctx, st, enrollmentGender(enrollment)); err != nil {
			return nil, err
		}
		if err := st.Enrollments.SetLockerHeld(ctx, enrollment.ID, true); err != nil {
			return nil, err
		}
	}

	return m.transition(ctx, st, enrollment, models.EnrollmentStatusPaid)
}

func (m *EnrollmentStateMachine) Expire(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	updated, err := m.transition(ctx, st, enrollment, models.EnrollmentStatusExpired)
	if err != nil {
		return nil, err
	}
	return m.releaseLockerHold(ctx, st, updated)
}

func (m *EnrollmentStateMachine) RequestCancel(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	return m.transition(ctx, st, enrollment, models.EnrollmentStatusCancelRequested)
}

func (m *EnrollmentStateMachine) DenyCancel(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	if enrollment.Status != models.EnrollmentStatusCancelRequested {
		return nil, ErrInvalidStateTransition
	}
	return m.transition(ctx, st, enrollment, models.EnrollmentStatusPaid)
}

// Cancel is terminal. Any settlement with the gateway must already be done.
func (m *EnrollmentStateMachine) Cancel(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	updated, err := m.transition(ctx, st, enrollment, models.EnrollmentStatusCanceled)
	if err != nil {
		return nil, err
	}
	return m.releaseLockerHold(ctx, st, updated)
}

// ChangeLesson reserves the new lesson before moving the row, so the old seat
// is only given up once the new one is secured.
func (m *EnrollmentStateMachine) ChangeLesson(ctx context.Context, st Stores, enrollment *models.Enrollment, newLessonID int64) (*models.Enrollment, error) {
	switch enrollment.Status {
	case models.EnrollmentStatusPending, models.EnrollmentStatusPaid:
	default:
		return nil, ErrInvalidStateTransition
	}
	if newLessonID == enrollment.LessonID {
		return nil, ErrInvalidInput
	}

	if _, err := m.ledger.ReserveLessonSlot(ctx, st, newLessonID); err != nil {
		return nil, err
	}
	return st.Enrollments.UpdateLesson(ctx, enrollment.ID, newLessonID)
}

func (m *EnrollmentStateMachine) releaseLockerHold(ctx context.Context, st Stores, enrollment *models.Enrollment) (*models.Enrollment, error) {
	if !enrollment.LockerHeld {
		return enrollment, nil
	}
	if _, err := m.ledger.ReleaseLocker(ctx, st, enrollmentGender(enrollment)); err != nil {
		return nil, err
	}
	if err := st.Enrollments.SetLockerHeld(ctx, enrollment.ID, false); err != nil {
		return nil, err
	}
	enrollment.LockerHeld = false
	return enrollment, nil
}

func enrollmentGender(enrollment *models.Enrollment) string {
	if enrollment.Gender == nil {
		return ""
	}
	return *enrollment.Gender
}
