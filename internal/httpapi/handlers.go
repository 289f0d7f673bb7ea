package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"telephony-bridge/internal/auth"
	"telephony-bridge/internal/calls"
	"telephony-bridge/internal/initiator"
	"telephony-bridge/internal/registry"
	"telephony-bridge/internal/reporting"
	"telephony-bridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallPlacer starts outbound calls. Satisfied by *initiator.Initiator.
type CallPlacer interface {
	Place(ctx context.Context, req initiator.Request) (calls.Session, error)
}

// SessionReader returns detached session snapshots. Satisfied by *bridge.Bridge.
type SessionReader interface {
	Snapshot(ctx context.Context, key calls.Key) (calls.Session, error)
}

// StatusReporter reports which configuration fields are set per provider.
// Satisfied by config.Config.
type StatusReporter interface {
	ProviderStatus(provider string) map[string]bool
}

// UsageReporter aggregates ledger rows. Satisfied by *reporting.Service.
type UsageReporter interface {
	UsageSummary(ctx context.Context, req reporting.UsageSummaryRequest) (reporting.UsageSummary, error)
}

// Check reports whether one backing service is ready.
type Check func(ctx context.Context) error

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls           CallPlacer
	Sessions        SessionReader
	Status          StatusReporter
	Usage           UsageReporter
	DefaultProvider calls.Provider

	// Checks are run by Ready, keyed by dependency name.
	Checks       map[string]Check
	CheckTimeout time.Duration
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Ready runs every configured check and answers 503 listing the failures.
func (h Handlers) Ready(c *gin.Context) {
	timeout := h.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var failed []string
	for name, check := range h.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		err := check(ctx)
		cancel()
		if err != nil {
			logger.FromGin(c).Warn("readiness check failed", "check", name, "err", err)
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "failed": failed})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// --- Calls ---

type placeCallRequest struct {
	Destination string `json:"destination"`
	Provider    string `json:"provider,omitempty"`
}

type callResponse struct {
	Provider       calls.Provider  `json:"provider"`
	CallID         string          `json:"call_id"`
	OrganizationID string          `json:"organization_id"`
	Direction      calls.Direction `json:"direction"`
	State          calls.State     `json:"state"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	AnsweredAt     *time.Time      `json:"answered_at,omitempty"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	EndReason      string          `json:"end_reason,omitempty"`
}

func toResponse(s calls.Session) callResponse {
	return callResponse{
		Provider:       s.Key.Provider,
		CallID:         s.Key.CallID,
		OrganizationID: s.OrganizationID,
		Direction:      s.Direction,
		State:          s.State,
		From:           s.From,
		To:             s.To,
		StartedAt:      s.StartedAt,
		AnsweredAt:     s.AnsweredAt,
		EndedAt:        s.EndedAt,
		EndReason:      s.EndReason,
	}
}

// PlaceCall starts an outbound call for the caller's organization.
// RBAC: owner, agent or super_admin.
func (h Handlers) PlaceCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "outbound calling not configured"})
		return
	}
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	var req placeCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	s, err := h.Calls.Place(c.Request.Context(), initiator.Request{
		OrganizationID: id.OrganizationID,
		Destination:    strings.TrimSpace(req.Destination),
		Provider:       calls.Provider(strings.ToLower(req.Provider)),
		ActorUserID:    id.UserID,
		ActorRole:      id.Role,
		IPAddress:      c.ClientIP(),
	})
	if err != nil {
		status := placeErrorStatus(err)
		if status >= http.StatusInternalServerError {
			logger.FromGin(c).Error("outbound call failed", "organization_id", id.OrganizationID, "err", err)
		}
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toResponse(s))
}

func placeErrorStatus(err error) int {
	switch {
	case errors.Is(err, initiator.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, initiator.ErrConfiguration):
		return http.StatusConflict
	case errors.Is(err, initiator.ErrCapacity):
		return http.StatusTooManyRequests
	case errors.Is(err, initiator.ErrProviderRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// GetCall returns the session snapshot if it belongs to the caller's organization.
// Calls of other organizations are reported as not found.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "sessions not configured"})
		return
	}
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	key := calls.Key{
		Provider: calls.Provider(strings.ToLower(c.Param("provider"))),
		CallID:   c.Param("call_id"),
	}
	if !key.Provider.Valid() || key.CallID == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}

	s, err := h.Sessions.Snapshot(c.Request.Context(), key)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	case err != nil:
		logger.FromGin(c).Error("session lookup failed", "call", key.String(), "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session lookup failed"})
		return
	}
	if s.OrganizationID != id.OrganizationID {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.JSON(http.StatusOK, toResponse(s))
}

// --- Telephony status ---

// TelephonyStatus reports, per provider, whether each configuration field is set.
// Values are never returned.
func (h Handlers) TelephonyStatus(c *gin.Context) {
	if h.Status == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status not configured"})
		return
	}
	providers := make(map[calls.Provider]map[string]bool, 2)
	for _, p := range []calls.Provider{calls.ProviderTwilio, calls.ProviderTelnyx} {
		providers[p] = h.Status.ProviderStatus(string(p))
	}
	c.JSON(http.StatusOK, gin.H{
		"default_provider": h.DefaultProvider,
		"providers":        providers,
	})
}

// --- Usage ---

const defaultUsageWindow = 24 * time.Hour

// UsageSummary reports the caller's organization usage over [from, to).
// Both bounds are RFC 3339; the default window is the last 24 hours.
func (h Handlers) UsageSummary(c *gin.Context) {
	if h.Usage == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "usage reporting not configured"})
		return
	}
	id, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return
	}

	to := time.Now().UTC()
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	from := to.Add(-defaultUsageWindow)
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}

	sum, err := h.Usage.UsageSummary(c.Request.Context(), reporting.UsageSummaryRequest{
		OrganizationID: id.OrganizationID,
		Range:          reporting.TimeRange{From: from, To: to},
		Provider:       calls.Provider(strings.ToLower(c.Query("provider"))),
	})
	switch {
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range or provider"})
		return
	case err != nil:
		logger.FromGin(c).Error("usage summary failed", "organization_id", id.OrganizationID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "usage summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}
