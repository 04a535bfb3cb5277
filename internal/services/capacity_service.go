package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

// CapacityService exposes ledger reads and the administrative locker pool
// operations.
type CapacityService struct {
	tx     TxRunner
	ledger *CapacityLedger
	logger *slog.Logger
}

func NewCapacityService(tx TxRunner, ledger *CapacityLedger, logger *slog.Logger) *CapacityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapacityService{tx: tx, ledger: ledger, logger: logger.With("component", "capacity")}
}

func ParseGender(value string) (string, error) {
	return normalizeGender(strings.ToUpper(strings.TrimSpace(value)))
}

func (s *CapacityService) LessonCapacity(ctx context.Context, lessonID int64) (*models.LessonCapacity, error) {
	var snapshot *models.LessonCapacity
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		snapshot, err = s.ledger.LessonCapacity(ctx, st, lessonID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *CapacityService) ListLockers(ctx context.Context) ([]models.LockerInventory, error) {
	var lockers []models.LockerInventory
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		lockers, err = st.Lockers.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lockers, nil
}

func (s *CapacityService) LockerAvailability(ctx context.Context, gender string) (*models.LockerInventory, error) {
	gender, err := ParseGender(gender)
	if err != nil {
		return nil, err
	}

	var locker *models.LockerInventory
	err = s.tx.WithinTx(ctx, func(st Stores) error {
		var err error
		locker, err = st.Lockers.GetByGender(ctx, gender)
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapNotFound(ErrLockerInventoryNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// UpdateLockerTotal resizes a pool. It refuses to shrink below current usage.
func (s *CapacityService) UpdateLockerTotal(ctx context.Context, actor Actor, gender string, total int) (*models.LockerInventory, error) {
	gender, err := ParseGender(gender)
	if err != nil {
		return nil, err
	}
	if total < 0 {
		return nil, ErrInvalidInput
	}

	var updated *models.LockerInventory
	err = s.tx.WithinTx(ctx, func(st Stores) error {
		locker, err := st.Lockers.GetByGenderForUpdate(ctx, gender)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapNotFound(ErrLockerInventoryNotFound)
			}
			return err
		}
		if total < locker.UsedQuantity {
			return fmt.Errorf("%w: total %d is below used %d", ErrInvalidInput, total, locker.UsedQuantity)
		}

		updated, err = st.Lockers.SetTotal(ctx, gender, total)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("total %d -> %d", locker.TotalQuantity, total)
		return st.Audit.Record(ctx, models.AuditEntry{
			ActorID:    actor.ID,
			ActorIP:    actor.IP,
			Action:     "locker.update_total",
			TargetType: "locker_inventory",
			TargetID:   gender,
			Detail:     &detail,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("locker total updated", "gender", gender, "total", total, "actor_id", actor.ID)
	return updated, nil
}

// SyncLockerUsage recomputes every pool's used count from the enrollments that
// actually hold a locker.
func (s *CapacityService) SyncLockerUsage(ctx context.Context) ([]models.LockerInventory, error) {
	var lockers []models.LockerInventory
	err := s.tx.WithinTx(ctx, func(st Stores) error {
		// Lock the pools first so no reservation slips in between count and write.
		if _, err := st.Lockers.ListForUpdate(ctx); err != nil {
			return err
		}
		observed, err := st.Lockers.CountHeldByGender(ctx)
		if err != nil {
			return err
		}
		lockers, err = s.ledger.ApplyLockerUsage(ctx, st, observed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lockers, nil
}
