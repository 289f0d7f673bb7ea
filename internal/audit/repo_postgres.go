package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends to call_activity. Rows are only ever inserted; a repeated id is ignored.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_activity
  (id, organization_id, type, actor_user_id, actor_role, ip_address, provider, call_id, message, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::jsonb, $11)
ON CONFLICT (id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, e.OrganizationID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.Provider, e.CallID, e.Message, e.Metadata, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}
