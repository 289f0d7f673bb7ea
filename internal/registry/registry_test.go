package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"telephony-bridge/internal/calls"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id string) calls.Key { return calls.Key{Provider: calls.ProviderTwilio, CallID: id} }

func newSession(id string) func() *calls.Session {
	return func() *calls.Session {
		return calls.NewSession(key(id), "org-1", calls.DirectionInbound, time.Unix(1700000000, 0))
	}
}

func TestGetOrCreate_CreatesOnce(t *testing.T) {
	r := New(time.Minute, nil)
	ctx := context.Background()

	var created []bool
	for i := 0; i < 2; i++ {
		err := r.GetOrCreate(ctx, key("CA1"), newSession("CA1"), func(s *calls.Session, c bool) error {
			created = append(created, c)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, []bool{true, false}, created)
	assert.Equal(t, 1, r.Len())
}

func TestDo_UnknownKey(t *testing.T) {
	r := New(time.Minute, nil)
	err := r.Do(context.Background(), key("missing"), func(*calls.Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get(context.Background(), key("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDo_SerializesSameCall(t *testing.T) {
	r := New(time.Minute, nil)
	ctx := context.Background()
	_, _, err := r.Seed(ctx, newSession("CA1")())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Do(ctx, key("CA1"), func(*calls.Session) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestDo_OtherCallsAreIndependent(t *testing.T) {
	r := New(time.Minute, nil)
	ctx := context.Background()
	_, _, _ = r.Seed(ctx, newSession("A")())
	_, _, _ = r.Seed(ctx, newSession("B")())

	holding := make(chan struct{})
	releaseA := make(chan struct{})
	go func() {
		_ = r.Do(ctx, key("A"), func(*calls.Session) error {
			close(holding)
			<-releaseA
			return nil
		})
	}()
	<-holding

	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, key("B"), func(s *calls.Session) error {
			s.State = calls.StateRinging
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("call B blocked behind call A")
	}
	close(releaseA)

	snap, err := r.Get(ctx, key("B"))
	require.NoError(t, err)
	assert.Equal(t, calls.StateRinging, snap.State)
}

func TestDo_LockAcquisitionHonoursContext(t *testing.T) {
	r := New(time.Minute, nil)
	_, _, _ = r.Seed(context.Background(), newSession("A")())

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Do(context.Background(), key("A"), func(*calls.Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := r.Do(ctx, key("A"), func(*calls.Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSeed_ReturnsExisting(t *testing.T) {
	r := New(time.Minute, nil)
	ctx := context.Background()

	first := newSession("CA1")()
	first.OrganizationID = "org-a"
	_, created, err := r.Seed(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	second := newSession("CA1")()
	second.OrganizationID = "org-b"
	snap, created, err := r.Seed(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "org-a", snap.OrganizationID)
}

func TestSweep_EvictsTerminalAfterGrace(t *testing.T) {
	r := New(time.Minute, nil)
	base := time.Unix(1700000000, 0)
	r.now = func() time.Time { return base }
	ctx := context.Background()

	_, _, _ = r.Seed(ctx, newSession("done")())
	_, _, _ = r.Seed(ctx, newSession("live")())
	require.NoError(t, r.Do(ctx, key("done"), func(s *calls.Session) error {
		s.Apply(calls.Event{Type: calls.EventEnded}, base)
		return nil
	}))

	assert.Equal(t, 0, r.Sweep(base.Add(59*time.Second)))
	_, err := r.Get(ctx, key("done"))
	require.NoError(t, err, "late events inside the grace window still resolve")

	assert.Equal(t, 1, r.Sweep(base.Add(61*time.Second)))
	_, err = r.Get(ctx, key("done"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(ctx, key("live"))
	assert.NoError(t, err)
}

func TestRemove(t *testing.T) {
	r := New(time.Minute, nil)
	ctx := context.Background()
	_, _, _ = r.Seed(ctx, newSession("CA1")())

	require.NoError(t, r.Remove(ctx, key("CA1")))
	assert.ErrorIs(t, r.Remove(ctx, key("CA1")), ErrNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestStale_ListsIdleNonTerminalSessions(t *testing.T) {
	r := New(time.Minute, nil)
	base := time.Unix(1700000000, 0)
	clock := base
	r.now = func() time.Time { return clock }
	ctx := context.Background()

	_, _, _ = r.Seed(ctx, newSession("idle")())
	_, _, _ = r.Seed(ctx, newSession("busy")())
	_, _, _ = r.Seed(ctx, newSession("done")())
	require.NoError(t, r.Do(ctx, key("done"), func(s *calls.Session) error {
		s.Apply(calls.Event{Type: calls.EventEnded}, base)
		return nil
	}))

	clock = base.Add(30 * time.Minute)
	require.NoError(t, r.Do(ctx, key("busy"), func(s *calls.Session) error {
		s.Apply(calls.Event{Type: calls.EventRinging}, clock)
		return nil
	}))

	// a read does not count as progress
	clock = base.Add(50 * time.Minute)
	_, err := r.Get(ctx, key("idle"))
	require.NoError(t, err)

	assert.Empty(t, r.Stale(base.Add(59*time.Minute), time.Hour))
	assert.Equal(t, []calls.Key{key("idle")}, r.Stale(base.Add(time.Hour), time.Hour))
	assert.ElementsMatch(t, []calls.Key{key("idle"), key("busy")}, r.Stale(base.Add(90*time.Minute), time.Hour))
	assert.Nil(t, r.Stale(base.Add(90*time.Minute), 0), "zero disables")
}
