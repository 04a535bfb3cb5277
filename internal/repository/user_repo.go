package repository

import (
	"context"

	"github.com/saeid-a/EnrollBack/internal/models"
)

// UserRepository is a read-only view of the user directory. Gender is
// normalised to the locker pool keys, and blank values come back as nil.
type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT id, email, role, NULLIF(UPPER(TRIM(gender)), ''), created_at
		FROM users
		WHERE id = $1
	`
	var user models.User
	if err := r.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Role,
		&user.Gender,
		&user.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &user, nil
}
