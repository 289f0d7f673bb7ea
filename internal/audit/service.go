package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for activity events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal call activity.
//
// IMPORTANT:
// - Activity is internal-only. Do not expose these records to tenant users by default.
// - Callers should treat activity logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallUsage records a usage event against its call. id is the usage event id so
// redelivery appends the same record id.
func (s *Service) LogCallUsage(ctx context.Context, id, organizationID, provider, callID, usageType string, units int64, metadata string) error {
	return s.Append(ctx, Event{
		ID:             id,
		OrganizationID: organizationID,
		Type:           EventTypeCallUsage,
		Provider:       provider,
		CallID:         callID,
		Message:        usageType,
		Metadata:       metadata,
	})
}

// LogOrigination records who placed an outbound call.
func (s *Service) LogOrigination(ctx context.Context, organizationID, actorUserID, actorRole, ip, provider, callID, destination string) error {
	return s.Append(ctx, Event{
		OrganizationID: organizationID,
		Type:           EventTypeCallOriginated,
		ActorUserID:    actorUserID,
		ActorRole:      actorRole,
		IPAddress:      ip,
		Provider:       provider,
		CallID:         callID,
		Message:        "outbound call to " + destination,
	})
}

// LogRelayFailure records a media relay that failed mid-call.
func (s *Service) LogRelayFailure(ctx context.Context, organizationID, provider, callID, reason string) error {
	return s.Append(ctx, Event{
		OrganizationID: organizationID,
		Type:           EventTypeRelayFailure,
		Provider:       provider,
		CallID:         callID,
		Message:        reason,
	})
}
