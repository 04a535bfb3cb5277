package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

// CapacityLedger owns the lesson seat and locker pool counts. Every method
// that mutates runs against stores bound to the caller's transaction, so the
// row lock it takes lives until the caller commits.
type CapacityLedger struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewCapacityLedger(logger *slog.Logger) *CapacityLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityLedger{logger: logger.With("component", "capacity_ledger"), now: time.Now}
}

func normalizeGender(gender string) (string, error) {
	switch gender {
	case models.GenderMale, models.GenderFemale:
		return gender, nil
	default:
		return "", fmt.Errorf("%w: unknown gender %q", ErrInvalidInput, gender)
	}
}

// ReserveLessonSlot locks the lesson row and checks that one more hold fits.
// The caller must write the hold before committing.
func (l *CapacityLedger) ReserveLessonSlot(ctx context.Context, st Stores, lessonID int64) (*models.Lesson, error) {
	lesson, err := st.Lessons.GetByIDForUpdate(ctx, lessonID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapNotFound(ErrLessonNotFound)
		}
		return nil, err
	}

	holds, err := st.Lessons.CountActiveHolds(ctx, lessonID, l.now())
	if err != nil {
		return nil, err
	}
	if holds >= lesson.Capacity {
		l.logger.Info("lesson full", "lesson_id", lessonID, "capacity", lesson.Capacity, "holds", holds)
		return nil, ErrCapacityExceeded
	}
	return lesson, nil
}

func (l *CapacityLedger) ReserveLocker(ctx context.Context, st Stores, gender string) (*models.LockerInventory, error) {
	gender, err := normalizeGender(gender)
	if err != nil {
		return nil, err
	}

	locker, err := st.Lockers.GetByGenderForUpdate(ctx, gender)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapNotFound(ErrLockerInventoryNotFound)
		}
		return nil, err
	}
	if locker.UsedQuantity >= locker.TotalQuantity {
		return nil, ErrLockerUnavailable
	}
	return st.Lockers.SetUsed(ctx, gender, locker.UsedQuantity+1)
}

func (l *CapacityLedger) ReleaseLocker(ctx context.Context, st Stores, gender string) (*models.LockerInventory, error) {
	gender, err := normalizeGender(gender)
	if err != nil {
		return nil, err
	}

	locker, err := st.Lockers.GetByGenderForUpdate(ctx, gender)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapNotFound(ErrLockerInventoryNotFound)
		}
		return nil, err
	}
	if locker.UsedQuantity <= 0 {
		l.logger.Warn("locker release below zero ignored", "gender", gender, "total", locker.TotalQuantity)
		return locker, nil
	}
	return st.Lockers.SetUsed(ctx, gender, locker.UsedQuantity-1)
}

// ApplyLockerUsage overwrites the maintained counters with observed usage.
// Observed usage above the pool total is clamped and reported.
func (l *CapacityLedger) ApplyLockerUsage(ctx context.Context, st Stores, observed map[string]int) ([]models.LockerInventory, error) {
	lockers, err := st.Lockers.ListForUpdate(ctx)
	if err != nil {
		return nil, err
	}

	updated := make([]models.LockerInventory, 0, len(lockers))
	for _, locker := range lockers {
		used := observed[locker.Gender]
		if used < 0 {
			used = 0
		}
		if used > locker.TotalQuantity {
			l.logger.Warn("observed locker usage exceeds total",
				"gender", locker.Gender,
				"observed", used,
				"total", locker.TotalQuantity,
			)
			used = locker.TotalQuantity
		}
		if used == locker.UsedQuantity {
			updated = append(updated, locker)
			continue
		}

		l.logger.Info("locker usage corrected", "gender", locker.Gender, "from", locker.UsedQuantity, "to", used)
		next, err := st.Lockers.SetUsed(ctx, locker.Gender, used)
		if err != nil {
			return nil, err
		}
		updated = append(updated, *next)
	}

	sort.Slice(updated, func(i, j int) bool { return updated[i].Gender < updated[j].Gender })
	return updated, nil
}

func (l *CapacityLedger) LessonCapacity(ctx context.Context, st Stores, lessonID int64) (*models.LessonCapacity, error) {
	lesson, err := st.Lessons.GetByID(ctx, lessonID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, wrapNotFound(ErrLessonNotFound)
		}
		return nil, err
	}

	now := l.now()
	holds, err := st.Lessons.CountActiveHolds(ctx, lessonID, now)
	if err != nil {
		return nil, err
	}

	available := lesson.Capacity - holds
	if available < 0 {
		available = 0
	}
	return &models.LessonCapacity{
		LessonID:       lesson.ID,
		Capacity:       lesson.Capacity,
		ActiveHolds:    holds,
		AvailableSlots: available,
		Timestamp:      now.UTC(),
	}, nil
}
