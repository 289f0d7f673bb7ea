package auth

import (
	"context"
	"errors"
)

// Identity is the authenticated caller of an API request.
type Identity struct {
	UserID         string
	OrganizationID string
	Role           string
}

type ctxKey struct{}

var ErrNoIdentity = errors.New("auth: no identity in context")

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by RequireAccessToken.
func FromContext(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" || id.OrganizationID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
