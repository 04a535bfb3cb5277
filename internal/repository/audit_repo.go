package repository

import (
	"context"

	"github.com/saeid-a/EnrollBack/internal/models"
)

type AuditRepository struct {
	db DBTX
}

func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Record(ctx context.Context, entry models.AuditEntry) error {
	query := `
		INSERT INTO audit_log (actor_id, actor_ip, action, target_type, target_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, entry.ActorID, entry.ActorIP, entry.Action, entry.TargetType, entry.TargetID, entry.Detail)
	return err
}
