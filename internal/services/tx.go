package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/saeid-a/EnrollBack/internal/models"
	"github.com/saeid-a/EnrollBack/internal/repository"
)

type LessonStore interface {
	GetByID(ctx context.Context, id int64) (*models.Lesson, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Lesson, error)
	CountActiveHolds(ctx context.Context, lessonID int64, now time.Time) (int, error)
}

type LockerStore interface {
	GetByGender(ctx context.Context, gender string) (*models.LockerInventory, error)
	GetByGenderForUpdate(ctx context.Context, gender string) (*models.LockerInventory, error)
	List(ctx context.Context) ([]models.LockerInventory, error)
	ListForUpdate(ctx context.Context) ([]models.LockerInventory, error)
	SetUsed(ctx context.Context, gender string, used int) (*models.LockerInventory, error)
	SetTotal(ctx context.Context, gender string, total int) (*models.LockerInventory, error)
	CountHeldByGender(ctx context.Context) (map[string]int, error)
}

type EnrollmentStore interface {
	Create(ctx context.Context, input repository.CreateEnrollmentInput) (*models.Enrollment, error)
	GetByID(ctx context.Context, id int64) (*models.Enrollment, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Enrollment, error)
	ExistsActive(ctx context.Context, userID, lessonID int64, now time.Time) (bool, error)
	UpdateStatusIfCurrent(ctx context.Context, id int64, currentStatus, nextStatus string) (*models.Enrollment, error)
	SetLockerHeld(ctx context.Context, id int64, held bool) error
	UpdateLesson(ctx context.Context, id, lessonID int64) (*models.Enrollment, error)
	UpdateCancellation(ctx context.Context, id int64, input repository.UpdateCancellationInput) (*models.Enrollment, error)
	UpdateLockerNo(ctx context.Context, id int64, lockerNo *string) (*models.Enrollment, error)
	UpdateDiscountStatus(ctx context.Context, id int64, status string, comment *string) (*models.Enrollment, error)
	ListExpiredPendingIDs(ctx context.Context, now time.Time, limit int) ([]int64, error)
}

type PaymentStore interface {
	Create(ctx context.Context, input repository.CreatePaymentInput) (*models.Payment, error)
	GetByTID(ctx context.Context, tid string) (*models.Payment, error)
	GetLatestByEnrollmentID(ctx context.Context, enrollmentID int64) (*models.Payment, error)
	GetActiveByEnrollmentIDForUpdate(ctx context.Context, enrollmentID int64) (*models.Payment, error)
	ApplyRefund(ctx context.Context, paymentID int64, amount int64, status string, refundedAt time.Time) (*models.Payment, error)
}

type AuditStore interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

type UserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// Stores is the set of repositories bound to one transaction.
type Stores struct {
	Lessons     LessonStore
	Lockers     LockerStore
	Enrollments EnrollmentStore
	Payments    PaymentStore
	Audit       AuditStore
	Users       UserStore
}

// TxRunner runs fn inside a single transaction. A non-nil error from fn rolls
// everything back.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(Stores) error) error
}

type PgxTxRunner struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPgxTxRunner(db *pgxpool.Pool, lockTimeout time.Duration) *PgxTxRunner {
	return &PgxTxRunner{db: db, lockTimeout: lockTimeout}
}

func (r *PgxTxRunner) WithinTx(ctx context.Context, fn func(Stores) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if r.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
			return err
		}
	}

	if err := fn(Stores{
		Lessons:     repository.NewLessonRepository(tx),
		Lockers:     repository.NewLockerRepository(tx),
		Enrollments: repository.NewEnrollmentRepository(tx),
		Payments:    repository.NewPaymentRepository(tx),
		Audit:       repository.NewAuditRepository(tx),
		Users:       repository.NewUserRepository(tx),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
