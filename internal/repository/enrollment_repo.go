package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

const enrollmentColumns = `
	id, lesson_id, user_id, uses_locker, locker_held, gender, status, cancel_status,
	discount_status, locker_no, cancel_reason, admin_comment, used_days_for_refund,
	refund_amount, expires_at, created_at, updated_at
`

type CreateEnrollmentInput struct {
	LessonID   int64
	UserID     int64
	UsesLocker bool
	LockerHeld bool
	Gender     *string
	ExpiresAt  time.Time
}

type UpdateCancellationInput struct {
	CancelStatus      string
	CancelReason      *string
	AdminComment      *string
	UsedDaysForRefund *int
	RefundAmount      *int64
}

type EnrollmentRepository struct {
	db DBTX
}

func NewEnrollmentRepository(db DBTX) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

func (r *EnrollmentRepository) Create(ctx context.Context, input CreateEnrollmentInput) (*models.Enrollment, error) {
	query := `
		INSERT INTO enrollments (lesson_id, user_id, uses_locker, locker_held, gender, status, cancel_status, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'PENDING', 'NONE', $6)
		RETURNING ` + enrollmentColumns

	return scanEnrollment(r.db.QueryRow(
		ctx,
		query,
		input.LessonID,
		input.UserID,
		input.UsesLocker,
		input.LockerHeld,
		input.Gender,
		input.ExpiresAt,
	))
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id int64) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	return scanEnrollment(r.db.QueryRow(ctx, query, id))
}

func (r *EnrollmentRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1 FOR UPDATE`
	return scanEnrollment(r.db.QueryRow(ctx, query, id))
}

func (r *EnrollmentRepository) ExistsActive(ctx context.Context, userID, lessonID int64, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM enrollments
			WHERE user_id = $1
			  AND lesson_id = $2
			  AND (
				status IN ('PAID', 'CANCEL_REQUESTED')
				OR (status = 'PENDING' AND expires_at > $3)
			  )
		)
	`
	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, lessonID, now).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// UpdateStatusIfCurrent only succeeds while the row still has currentStatus;
// otherwise it returns pgx.ErrNoRows.
func (r *EnrollmentRepository) UpdateStatusIfCurrent(ctx context.Context, id int64, currentStatus, nextStatus string) (*models.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + enrollmentColumns
	return scanEnrollment(r.db.QueryRow(ctx, query, id, currentStatus, nextStatus))
}

func (r *EnrollmentRepository) SetLockerHeld(ctx context.Context, id int64, held bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE enrollments SET locker_held = $2, updated_at = NOW() WHERE id = $1`, id, held)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *EnrollmentRepository) UpdateLesson(ctx context.Context, id, lessonID int64) (*models.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET lesson_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + enrollmentColumns
	return scanEnrollment(r.db.QueryRow(ctx, query, id, lessonID))
}

func (r *EnrollmentRepository) UpdateCancellation(ctx context.Context, id int64, input UpdateCancellationInput) (*models.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET cancel_status = $2,
			cancel_reason = COALESCE($3, cancel_reason),
			admin_comment = COALESCE($4, admin_comment),
			used_days_for_refund = COALESCE($5, used_days_for_refund),
			refund_amount = COALESCE($6, refund_amount),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + enrollmentColumns
	return scanEnrollment(r.db.QueryRow(
		ctx,
		query,
		id,
		input.CancelStatus,
		input.CancelReason,
		input.AdminComment,
		input.UsedDaysForRefund,
		input.RefundAmount,
	))
}

func (r *EnrollmentRepository) UpdateLockerNo(ctx context.Context, id int64, lockerNo *string) (*models.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET locker_no = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + enrollmentColumns
	return scanEnrollment(r.db.QueryRow(ctx, query, id, lockerNo))
}

func (r *EnrollmentRepository) UpdateDiscountStatus(ctx context.Context, id int64, status string, comment *string) (*models.Enrollment, error) {
	query := `
		UPDATE enrollments
		SET discount_status = $2,
			admin_comment = COALESCE($3, admin_comment),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + enrollmentColumns
	return scanEnrollment(r.db.QueryRow(ctx, query, id, status, comment))
}

func (r *EnrollmentRepository) ListExpiredPendingIDs(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	query := `
		SELECT id
		FROM enrollments
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func scanEnrollment(row pgx.Row) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := row.Scan(
		&enrollment.ID,
		&enrollment.LessonID,
		&enrollment.UserID,
		&enrollment.UsesLocker,
		&enrollment.LockerHeld,
		&enrollment.Gender,
		&enrollment.Status,
		&enrollment.CancelStatus,
		&enrollment.DiscountStatus,
		&enrollment.LockerNo,
		&enrollment.CancelReason,
		&enrollment.AdminComment,
		&enrollment.UsedDaysForRefund,
		&enrollment.RefundAmount,
		&enrollment.ExpiresAt,
		&enrollment.CreatedAt,
		&enrollment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}
