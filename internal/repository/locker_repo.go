package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/saeid-a/EnrollBack/internal/models"
)

type LockerRepository struct {
	db DBTX
}

func NewLockerRepository(db DBTX) *LockerRepository {
	return &LockerRepository{db: db}
}

func (r *LockerRepository) GetByGender(ctx context.Context, gender string) (*models.LockerInventory, error) {
	query := `
		SELECT gender, total_quantity, used_quantity, updated_at
		FROM locker_inventory
		WHERE gender = $1
	`
	return scanLocker(r.db.QueryRow(ctx, query, gender))
}

func (r *LockerRepository) GetByGenderForUpdate(ctx context.Context, gender string) (*models.LockerInventory, error) {
	query := `
		SELECT gender, total_quantity, used_quantity, updated_at
		FROM locker_inventory
		WHERE gender = $1
		FOR UPDATE
	`
	return scanLocker(r.db.QueryRow(ctx, query, gender))
}

// ListForUpdate locks every pool row in a fixed order.
func (r *LockerRepository) ListForUpdate(ctx context.Context) ([]models.LockerInventory, error) {
	return r.list(ctx, `
		SELECT gender, total_quantity, used_quantity, updated_at
		FROM locker_inventory
		ORDER BY gender
		FOR UPDATE
	`)
}

func (r *LockerRepository) List(ctx context.Context) ([]models.LockerInventory, error) {
	return r.list(ctx, `
		SELECT gender, total_quantity, used_quantity, updated_at
		FROM locker_inventory
		ORDER BY gender
	`)
}

func (r *LockerRepository) list(ctx context.Context, query string) ([]models.LockerInventory, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lockers := make([]models.LockerInventory, 0, 2)
	for rows.Next() {
		locker, err := scanLocker(rows)
		if err != nil {
			return nil, err
		}
		lockers = append(lockers, *locker)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lockers, nil
}

func (r *LockerRepository) SetUsed(ctx context.Context, gender string, used int) (*models.LockerInventory, error) {
	query := `
		UPDATE locker_inventory
		SET used_quantity = $2, updated_at = NOW()
		WHERE gender = $1
		RETURNING gender, total_quantity, used_quantity, updated_at
	`
	return scanLocker(r.db.QueryRow(ctx, query, gender, used))
}

func (r *LockerRepository) SetTotal(ctx context.Context, gender string, total int) (*models.LockerInventory, error) {
	query := `
		UPDATE locker_inventory
		SET total_quantity = $2, updated_at = NOW()
		WHERE gender = $1
		RETURNING gender, total_quantity, used_quantity, updated_at
	`
	return scanLocker(r.db.QueryRow(ctx, query, gender, total))
}

// CountHeldByGender recomputes locker usage from enrollments currently holding one.
func (r *LockerRepository) CountHeldByGender(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT gender, COUNT(*)
		FROM enrollments
		WHERE locker_held = TRUE
		  AND status IN ('PENDING', 'PAID', 'CANCEL_REQUESTED')
		GROUP BY gender
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{models.GenderMale: 0, models.GenderFemale: 0}
	for rows.Next() {
		var gender string
		var count int
		if err := rows.Scan(&gender, &count); err != nil {
			return nil, err
		}
		counts[gender] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

func scanLocker(row pgx.Row) (*models.LockerInventory, error) {
	var locker models.LockerInventory
	if err := row.Scan(
		&locker.Gender,
		&locker.TotalQuantity,
		&locker.UsedQuantity,
		&locker.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &locker, nil
}
