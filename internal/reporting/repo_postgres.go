package reporting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/usage"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const listUsageSQL = `
SELECT id, organization_id, provider, call_id, type, units, occurred_at
FROM usage_events
WHERE organization_id = $1
  AND occurred_at >= $2 AND occurred_at < $3
  AND ($4 = '' OR provider = $4)
ORDER BY occurred_at`

func (r *PostgresRepo) ListUsage(ctx context.Context, organizationID string, from, to time.Time, provider calls.Provider) ([]usage.Event, error) {
	if r.db == nil {
		return nil, errors.New("reporting: db not configured")
	}
	rows, err := r.db.QueryContext(ctx, listUsageSQL, organizationID, from.UTC(), to.UTC(), string(provider))
	if err != nil {
		return nil, fmt.Errorf("reporting: list usage: %w", err)
	}
	defer rows.Close()

	var out []usage.Event
	for rows.Next() {
		var ev usage.Event
		var p, t string
		if err := rows.Scan(&ev.ID, &ev.OrganizationID, &p, &ev.CallID, &t, &ev.Units, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("reporting: scan usage: %w", err)
		}
		ev.Provider = calls.Provider(p)
		ev.Type = calls.UsageType(t)
		out = append(out, ev)
	}
	return out, rows.Err()
}
