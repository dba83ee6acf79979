// Package projection builds the local view of a conversation from observed envelopes.
// Handles ordering, deduplication and gaps.
// Does not emit events.
package projection

import (
	"context"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Timeline is what one participant knows about a conversation.
// It is safe to feed from one goroutine and read from others.
type Timeline struct {
	mu       sync.RWMutex
	owner    string
	lastSeq  uint64
	gaps     int
	offers   []domain.Offer
	index    map[uuid.UUID]int
	typing   map[string]bool
	reads    map[string]uint64
	rejected []event.Rejection
}

func NewTimeline(owner string) *Timeline {
	return &Timeline{
		owner:  owner,
		index:  make(map[uuid.UUID]int),
		typing: make(map[string]bool),
		reads:  make(map[string]uint64),
	}
}

// Consume applies e once. Envelopes at or below the last sequence are
// dropped, except replays which only ever move read cursors forward.
func (t *Timeline) Consume(_ context.Context, e event.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Kind == event.CommandRejected {
		if e.Rejection != nil {
			t.rejected = append(t.rejected, *e.Rejection)
		}
		return nil
	}
	if e.Replay {
		t.applyRead(e.Presence)
		return nil
	}
	if e.Seq <= t.lastSeq {
		return nil
	}
	if e.Seq > t.lastSeq+1 && t.lastSeq > 0 {
		t.gaps++
	}
	t.lastSeq = e.Seq

	switch e.Kind {
	case event.OfferCreated, event.OfferTransitioned:
		if e.Superseded != nil {
			t.upsert(*e.Superseded)
		}
		if e.Offer != nil {
			t.upsert(*e.Offer)
		}
	case event.TypingChanged:
		if e.Presence != nil {
			t.typing[e.Presence.UserID] = e.Presence.Typing
		}
	case event.ReadChanged:
		t.applyRead(e.Presence)
	}
	return nil
}

func (t *Timeline) upsert(offer domain.Offer) {
	if i, ok := t.index[offer.ID]; ok {
		t.offers[i] = offer
		return
	}
	t.index[offer.ID] = len(t.offers)
	t.offers = append(t.offers, offer)
}

func (t *Timeline) applyRead(signal *domain.PresenceSignal) {
	if signal == nil {
		return
	}
	if signal.Cursor > t.reads[signal.UserID] {
		t.reads[signal.UserID] = signal.Cursor
	}
}

func (t *Timeline) Owner() string { return t.owner }

func (t *Timeline) LastSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSeq
}

// Gaps counts the jumps in sequence seen so far. A non zero value means
// the history should be fetched again.
func (t *Timeline) Gaps() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.gaps
}

// Offers returns the offers in the order they were first seen.
func (t *Timeline) Offers() []domain.Offer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]domain.Offer(nil), t.offers...)
}

// Live returns the pending offer, if any.
func (t *Timeline) Live() (domain.Offer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Find(t.offers, func(o domain.Offer) bool { return o.IsLive() })
}

func (t *Timeline) IsTyping(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.typing[userID]
}

func (t *Timeline) ReadCursor(userID string) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reads[userID]
}

func (t *Timeline) Rejections() []event.Rejection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]event.Rejection(nil), t.rejected...)
}
