package initiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/metrics"
	"telephony-bridge/internal/telephony"
)

var (
	ErrInvalidArgument  = errors.New("initiator: invalid argument")
	ErrConfiguration    = errors.New("initiator: provider not configured")
	ErrProviderRejected = errors.New("initiator: provider rejected the call")
	ErrCapacity         = errors.New("initiator: organization at concurrent call limit")
)

// ProviderSettings is what origination needs from configuration for one provider.
// Missing lists the unset configuration keys; origination is refused while it is non-empty.
type ProviderSettings struct {
	FromNumber string
	Missing    []string
}

// Seeder stores the new outbound session. Satisfied by *registry.Registry.
type Seeder interface {
	Seed(ctx context.Context, s *calls.Session) (calls.Session, bool, error)
}

// Auditor records who placed a call. Satisfied by *audit.Service.
type Auditor interface {
	LogOrigination(ctx context.Context, organizationID, actorUserID, actorRole, ip, provider, callID, destination string) error
}

// Request is an outbound call request. Destination must be E.164.
type Request struct {
	OrganizationID string         `validate:"required"`
	Destination    string         `validate:"required,e164"`
	Provider       calls.Provider `validate:"omitempty,oneof=twilio telnyx"`

	ActorUserID string
	ActorRole   string
	IPAddress   string
}

type Deps struct {
	Controls telephony.Controls
	Settings map[calls.Provider]ProviderSettings
	Registry Seeder
	// Limiter and Activity are optional.
	Limiter  Limiter
	Activity Auditor
}

// Initiator places outbound calls and seeds their sessions.
type Initiator struct {
	defaultProvider calls.Provider
	deps            Deps
	validate        *validator.Validate
	log             *slog.Logger
	now             func() time.Time
}

func New(defaultProvider calls.Provider, deps Deps, log *slog.Logger) *Initiator {
	if log == nil {
		log = slog.Default()
	}
	return &Initiator{
		defaultProvider: defaultProvider,
		deps:            deps,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		log:             log.With("component", "initiator"),
		now:             time.Now,
	}
}

// Initiate places a call from the organization to destination through the default provider.
func (i *Initiator) Initiate(ctx context.Context, organizationID, destination string) (calls.Session, error) {
	return i.Place(ctx, Request{OrganizationID: organizationID, Destination: destination})
}

// Place validates req, checks provider configuration before any network call, takes a
// capacity slot, asks the provider to dial and seeds a PENDING outbound session.
func (i *Initiator) Place(ctx context.Context, req Request) (calls.Session, error) {
	if req.Provider == "" {
		req.Provider = i.defaultProvider
	}
	if err := i.validate.Struct(req); err != nil {
		return calls.Session{}, fmt.Errorf("%w: %s", ErrInvalidArgument, describe(err))
	}

	settings, err := i.ready(req.Provider)
	if err != nil {
		metrics.OriginationsTotal.WithLabelValues(string(req.Provider), "not_configured").Inc()
		return calls.Session{}, err
	}
	ctl, _ := i.deps.Controls.Get(req.Provider)

	log := i.log.With("provider", string(req.Provider), "organization_id", req.OrganizationID)

	if i.deps.Limiter != nil {
		ok, err := i.deps.Limiter.Acquire(ctx, req.OrganizationID)
		if err != nil {
			return calls.Session{}, fmt.Errorf("acquire call slot: %w", err)
		}
		if !ok {
			metrics.OriginationsTotal.WithLabelValues(string(req.Provider), "capacity").Inc()
			return calls.Session{}, ErrCapacity
		}
	}

	res, err := ctl.Originate(ctx, telephony.OriginateRequest{
		OrganizationID: req.OrganizationID,
		From:           settings.FromNumber,
		To:             req.Destination,
	})
	if err == nil && res.CallID == "" {
		err = errors.New("provider returned no call id")
	}
	if err != nil {
		i.release(req.OrganizationID, log)
		metrics.OriginationsTotal.WithLabelValues(string(req.Provider), "rejected").Inc()
		log.Warn("origination rejected", "error", err)
		return calls.Session{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	s := calls.NewSession(calls.Key{Provider: req.Provider, CallID: res.CallID}, req.OrganizationID, calls.DirectionOutbound, i.now())
	s.From = settings.FromNumber
	s.To = req.Destination

	snap, created, err := i.deps.Registry.Seed(ctx, s)
	if err != nil {
		// The provider is already dialing; without a session its webhooks are acked as
		// unknown and the call is hung up.
		i.release(req.OrganizationID, log)
		if hErr := ctl.Hangup(context.WithoutCancel(ctx), res.CallID); hErr != nil {
			log.Warn("hangup after failed seed", "call_id", res.CallID, "error", hErr)
		}
		return calls.Session{}, fmt.Errorf("seed session: %w", err)
	}
	if !created {
		// no session of ours will end and release this slot
		i.release(req.OrganizationID, log)
		log.Warn("provider reused a live call id", "call_id", res.CallID)
	}

	metrics.OriginationsTotal.WithLabelValues(string(req.Provider), "accepted").Inc()
	log.Info("outbound call placed", "call_id", res.CallID, "provider_status", res.Status)

	if i.deps.Activity != nil {
		if err := i.deps.Activity.LogOrigination(ctx, req.OrganizationID, req.ActorUserID, req.ActorRole, req.IPAddress,
			string(req.Provider), res.CallID, req.Destination); err != nil {
			log.Warn("origination activity not recorded", "call_id", res.CallID, "error", err)
		}
	}
	return snap, nil
}

// Release frees the organization's capacity slot once an outbound call has ended.
func (i *Initiator) Release(ctx context.Context, organizationID string) {
	if i.deps.Limiter == nil {
		return
	}
	if err := i.deps.Limiter.Release(ctx, organizationID); err != nil {
		i.log.Warn("release call slot", "organization_id", organizationID, "error", err)
	}
}

func (i *Initiator) release(organizationID string, log *slog.Logger) {
	if i.deps.Limiter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := i.deps.Limiter.Release(ctx, organizationID); err != nil {
		log.Warn("release call slot", "error", err)
	}
}

func (i *Initiator) ready(p calls.Provider) (ProviderSettings, error) {
	settings, ok := i.deps.Settings[p]
	if !ok {
		return ProviderSettings{}, fmt.Errorf("%w: %s has no configuration", ErrConfiguration, p)
	}
	if len(settings.Missing) > 0 {
		return settings, fmt.Errorf("%w: %s missing %s", ErrConfiguration, p, strings.Join(settings.Missing, ", "))
	}
	if _, ok := i.deps.Controls.Get(p); !ok {
		return settings, fmt.Errorf("%w: %s client not initialized", ErrConfiguration, p)
	}
	return settings, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
