package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Registry is the directory of live sessions, one per active conversation.
// The last sequence of an evicted session is kept so its successor carries on
// from it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	lastSeqs map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		lastSeqs: make(map[string]uint64),
	}
}

func (r *Registry) Get(conversationID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[conversationID]
	return s, ok
}

// GetOrCreate returns the session of conversationID, building it with create
// if there is none.
func (r *Registry) GetOrCreate(conversationID string, create func() *Session) *Session {
	return r.Attach(conversationID, create, nil)
}

// Attach is GetOrCreate running fn under the registry lock, so the session
// can't be evicted between lookup and fn.
func (r *Registry) Attach(conversationID string, create func() *Session, fn func(*Session)) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[conversationID]
	if !ok {
		s = create()
		s.seq = r.lastSeqs[conversationID]
		delete(r.lastSeqs, conversationID)
		r.sessions[conversationID] = s
	}
	if fn != nil {
		fn(s)
	}
	return s
}

// Acquire returns the session of conversationID pinned against eviction.
// The caller must run release once done with it.
func (r *Registry) Acquire(conversationID string, create func() *Session) (s *Session, release func()) {
	s = r.Attach(conversationID, create, func(s *Session) { s.pin() })
	return s, s.unpin
}

// Sessions returns a snapshot sorted by conversation id.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := lo.Values(r.sessions)
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].conversation.ID < sessions[j].conversation.ID
	})
	return sessions
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle drops sessions with no participant and no activity for timeout.
// It returns the evicted conversation ids.
func (r *Registry) EvictIdle(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, s := range r.sessions {
		if s.idle(now, timeout) {
			r.lastSeqs[id] = s.Seq()
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	return evicted
}
