package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"telephony-bridge/internal/audit"
	"telephony-bridge/pkg/utils"
)

// Sink is one downstream consumer of usage events. Deliver may be called again for
// the same event after a failure, so it must be idempotent on Event.ID or DedupeKey.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// LedgerSink is the durable usage ledger in Postgres.
type LedgerSink struct {
	db *sql.DB
}

func NewLedgerSink(db *sql.DB) *LedgerSink { return &LedgerSink{db: db} }

func (s *LedgerSink) Name() string { return "ledger" }

func (s *LedgerSink) Deliver(ctx context.Context, ev Event) error {
	if s.db == nil {
		return Permanent(errors.New("ledger: db not configured"))
	}
	if ev.ID == "" || ev.OrganizationID == "" {
		return Permanent(errors.New("ledger: event id and organization are required"))
	}
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO usage_events (id, organization_id, provider, call_id, type, units, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (provider, call_id, type) DO NOTHING`
		if _, err := tx.ExecContext(ctx, q,
			ev.ID, ev.OrganizationID, string(ev.Provider), ev.CallID, string(ev.Type), ev.Units, ev.OccurredAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		return nil
	})
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink publishes events to <subject>.<type>. The Nats-Msg-Id header carries the
// dedupe key so a JetStream stream drops redeliveries.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = "telephony.usage"
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Subject(ev Event) string { return s.subject + "." + string(ev.Type) }

func (s *NATSSink) Deliver(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return Permanent(err)
	}
	msg := nats.NewMsg(s.Subject(ev))
	msg.Header.Set(nats.MsgIdHdr, ev.DedupeKey())
	msg.Data = body
	if err := s.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// ActivitySink appends each usage event to the internal call activity log.
type ActivitySink struct {
	svc *audit.Service
}

func NewActivitySink(svc *audit.Service) *ActivitySink { return &ActivitySink{svc: svc} }

func (s *ActivitySink) Name() string { return "activity" }

func (s *ActivitySink) Deliver(ctx context.Context, ev Event) error {
	meta, err := json.Marshal(map[string]any{"units": ev.Units, "occurred_at": ev.OccurredAt.UTC()})
	if err != nil {
		return Permanent(err)
	}
	err = s.svc.LogCallUsage(ctx, ev.ID, ev.OrganizationID, string(ev.Provider), ev.CallID, string(ev.Type), ev.Units, string(meta))
	if errors.Is(err, audit.ErrInvalidEvent) {
		return Permanent(err)
	}
	return err
}

// MemorySink keeps delivered events in memory. Fail, when set, is consulted before
// each delivery.
type MemorySink struct {
	Fail func(Event) error

	mu     sync.Mutex
	events []Event
	seen   map[string]struct{}
}

func NewMemorySink() *MemorySink { return &MemorySink{seen: map[string]struct{}{}} }

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Deliver(_ context.Context, ev Event) error {
	if s.Fail != nil {
		if err := s.Fail(ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = map[string]struct{}{}
	}
	if _, ok := s.seen[ev.DedupeKey()]; ok {
		return nil
	}
	s.seen[ev.DedupeKey()] = struct{}{}
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
