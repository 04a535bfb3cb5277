package repository

import (
	"context"
	"time"

	"github.com/saeid-a/EnrollBack/internal/models"
)

type LessonRepository struct {
	db DBTX
}

func NewLessonRepository(db DBTX) *LessonRepository {
	return &LessonRepository{db: db}
}

func (r *LessonRepository) GetByID(ctx context.Context, id int64) (*models.Lesson, error) {
	query := `
		SELECT id, title, capacity, price, start_date, end_date
		FROM lessons
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

// GetByIDForUpdate locks the lesson row until the enclosing transaction ends.
// Every slot reservation for the lesson serializes on this lock.
func (r *LessonRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Lesson, error) {
	query := `
		SELECT id, title, capacity, price, start_date, end_date
		FROM lessons
		WHERE id = $1
		FOR UPDATE
	`
	return r.scanOne(ctx, query, id)
}

func (r *LessonRepository) scanOne(ctx context.Context, query string, id int64) (*models.Lesson, error) {
	var lesson models.Lesson
	err := r.db.QueryRow(ctx, query, id).Scan(
		&lesson.ID,
		&lesson.Title,
		&lesson.Capacity,
		&lesson.Price,
		&lesson.StartDate,
		&lesson.EndDate,
	)
	if err != nil {
		return nil, err
	}
	return &lesson, nil
}

// CountActiveHolds counts enrollments that occupy a seat: unexpired PENDING,
// PAID and CANCEL_REQUESTED.
func (r *LessonRepository) CountActiveHolds(ctx context.Context, lessonID int64, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM enrollments
		WHERE lesson_id = $1
		  AND (
			status IN ('PAID', 'CANCEL_REQUESTED')
			OR (status = 'PENDING' AND expires_at > $2)
		  )
	`
	var count int
	if err := r.db.QueryRow(ctx, query, lessonID, now).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
