package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"telephony-bridge/internal/calls"
)

// ErrUnknownNumber means no organization owns the dialed number.
var ErrUnknownNumber = errors.New("directory: number not assigned")

// Resolver maps the number a caller dialed to the organization that owns it.
type Resolver interface {
	Resolve(ctx context.Context, provider calls.Provider, number string) (string, error)
}

// PostgresResolver reads the phone_numbers table.
type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver { return &PostgresResolver{db: db} }

func (r *PostgresResolver) Resolve(ctx context.Context, provider calls.Provider, number string) (string, error) {
	if number == "" {
		return "", ErrUnknownNumber
	}
	const q = `
SELECT organization_id
FROM phone_numbers
WHERE e164 = $1 AND active AND (provider = $2 OR provider = '')
ORDER BY provider DESC
LIMIT 1`
	var org string
	err := r.db.QueryRowContext(ctx, q, number, string(provider)).Scan(&org)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownNumber
	}
	if err != nil {
		return "", fmt.Errorf("resolve number: %w", err)
	}
	return org, nil
}

// StaticResolver serves a fixed number → organization table, e.g. from configuration.
// Fallback, when set, owns every number not listed.
type StaticResolver struct {
	Numbers  map[string]string
	Fallback string
}

// ParseStatic reads "number=org,number=org" pairs.
func ParseStatic(mapping, fallback string) (*StaticResolver, error) {
	out := &StaticResolver{Numbers: map[string]string{}, Fallback: fallback}
	for _, pair := range strings.Split(mapping, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		number, org, ok := strings.Cut(pair, "=")
		number, org = strings.TrimSpace(number), strings.TrimSpace(org)
		if !ok || number == "" || org == "" {
			return nil, fmt.Errorf("directory: invalid mapping %q", pair)
		}
		out.Numbers[number] = org
	}
	return out, nil
}

func (r *StaticResolver) Resolve(_ context.Context, _ calls.Provider, number string) (string, error) {
	if org, ok := r.Numbers[number]; ok {
		return org, nil
	}
	if r.Fallback != "" {
		return r.Fallback, nil
	}
	return "", ErrUnknownNumber
}

// CachedResolver fronts another resolver with Redis. Misses are cached too, for a
// shorter time, so unassigned numbers do not hit the database on every retry.
type CachedResolver struct {
	next    Resolver
	rdb     redis.Cmdable
	ttl     time.Duration
	missTTL time.Duration
	log     *slog.Logger
}

const missMarker = "-"

func NewCachedResolver(next Resolver, rdb redis.Cmdable, ttl time.Duration, log *slog.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedResolver{next: next, rdb: rdb, ttl: ttl, missTTL: ttl / 5, log: log.With("component", "directory")}
}

func cacheKey(provider calls.Provider, number string) string {
	return "directory:" + string(provider) + ":" + number
}

func (r *CachedResolver) Resolve(ctx context.Context, provider calls.Provider, number string) (string, error) {
	key := cacheKey(provider, number)
	val, err := r.rdb.Get(ctx, key).Result()
	switch {
	case err == nil && val == missMarker:
		return "", ErrUnknownNumber
	case err == nil:
		return val, nil
	case !errors.Is(err, redis.Nil):
		r.log.Warn("directory cache read failed", "error", err)
	}

	org, err := r.next.Resolve(ctx, provider, number)
	switch {
	case errors.Is(err, ErrUnknownNumber):
		r.store(ctx, key, missMarker, r.missTTL)
		return "", err
	case err != nil:
		return "", err
	}
	r.store(ctx, key, org, r.ttl)
	return org, nil
}

func (r *CachedResolver) store(ctx context.Context, key, val string, ttl time.Duration) {
	if err := r.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		r.log.Warn("directory cache write failed", "error", err)
	}
}
