package runtime

import (
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func testSession(id string, now func() time.Time) func() *Session {
	return func() *Session {
		conversation := domain.Conversation{ID: id, ListingID: "listing", BuyerID: buyer, SellerID: seller}
		return newSession(logs.GetLoggerFromLevel(slog.LevelDebug), conversation, 0, now)
	}
}

func TestRegistry_GetOrCreate_Builds_Once(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	created := 0
	create := func() *Session {
		created++
		return testSession("c-1", time.Now)()
	}

	// Given no session exists
	_, ok := registry.Get("c-1")
	req.False(ok)

	// When it is requested twice
	first := registry.GetOrCreate("c-1", create)
	second := registry.GetOrCreate("c-1", create)

	// Then it was built once
	req.Same(first, second)
	req.Equal(1, created)
	req.Equal(1, registry.Len())
}

func TestRegistry_Concurrent_GetOrCreate(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sessions := make([]*Session, 20)

	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i] = registry.GetOrCreate("c-1", testSession("c-1", time.Now))
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		req.Same(sessions[0], s)
	}
}

func TestRegistry_Sessions_Are_Sorted(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	for _, id := range []string{"c-3", "c-1", "c-2"} {
		registry.GetOrCreate(id, testSession(id, time.Now))
	}

	ids := make([]string, 0, 3)
	for _, s := range registry.Sessions() {
		ids = append(ids, s.Conversation().ID)
	}
	req.Equal([]string{"c-1", "c-2", "c-3"}, ids)
}

func TestRegistry_EvictIdle_Keeps_Attached_Sessions(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }

	// Given one session with a participant and one without
	handle := Handle{ID: uuid.New(), ConversationID: "busy", UserID: buyer}
	registry.Attach("busy", testSession("busy", clock), func(s *Session) {
		s.admit(handle, nil)
	})
	registry.GetOrCreate("quiet", testSession("quiet", clock))

	// When the idle timeout is not reached yet
	req.Empty(registry.EvictIdle(start.Add(time.Minute-time.Second), time.Minute))

	// Then past it only the empty session goes away
	req.Equal([]string{"quiet"}, registry.EvictIdle(start.Add(time.Minute), time.Minute))
	_, ok := registry.Get("busy")
	req.True(ok)

	// And the busy one goes once its participant left
	busy, _ := registry.Get("busy")
	_, removed := busy.remove(handle.ID)
	req.True(removed)
	req.Equal([]string{"busy"}, registry.EvictIdle(start.Add(2*time.Minute), time.Minute))
	req.Zero(registry.Len())
}

func TestRegistry_Sequence_Survives_Eviction(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }

	// Given a session that broadcast twice
	s := registry.GetOrCreate("c-1", testSession("c-1", clock))
	s.broadcast(event.Envelope{Kind: event.TypingChanged})
	s.broadcast(event.Envelope{Kind: event.TypingChanged})

	// When it is evicted and built again
	req.Equal([]string{"c-1"}, registry.EvictIdle(start.Add(time.Minute), time.Minute))
	next := registry.GetOrCreate("c-1", testSession("c-1", clock))

	// Then its sequence carries on
	req.NotSame(s, next)
	req.Equal(uint64(2), next.Seq())
	req.Equal(uint64(3), next.broadcast(event.Envelope{Kind: event.TypingChanged}).Seq)
}

func TestRegistry_Acquired_Session_Is_Not_Evicted(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return start }

	// Given a session acquired for a command
	s, release := registry.Acquire("c-1", testSession("c-1", clock))

	// When the sweeper runs past the idle timeout
	req.Empty(registry.EvictIdle(start.Add(time.Hour), time.Minute))

	// Then the same session is still the live one
	live, ok := registry.Get("c-1")
	req.True(ok)
	req.Same(s, live)

	// And it can go once released
	release()
	req.Equal([]string{"c-1"}, registry.EvictIdle(start.Add(time.Hour), time.Minute))
}
