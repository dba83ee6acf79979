// Package presence keeps the ephemeral typing and read state of one conversation.
// Nothing here is persisted and nothing here waits on negotiation.
package presence

import (
	"negotiation-lab/domain"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

const DefaultTypingTTL = 8 * time.Second

// Channel holds the latest Typing signal per user, until it lapses, and the
// highest Read cursor per user for the lifetime of the session.
//
// Every publish takes an emit callback run while the channel lock is held, so
// the signals of one channel reach emit in the order they were applied.
// emit must not block.
type Channel struct {
	mu             sync.Mutex
	conversationID string
	typingTTL      time.Duration
	typing         map[string]domain.PresenceSignal
	reads          map[string]domain.PresenceSignal
}

func NewChannel(conversationID string, typingTTL time.Duration) *Channel {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Channel{
		conversationID: conversationID,
		typingTTL:      typingTTL,
		typing:         make(map[string]domain.PresenceSignal),
		reads:          make(map[string]domain.PresenceSignal),
	}
}

// PublishTyping records that userID started or stopped typing.
// Every start is emitted and pushes the expiry forward. A stop is only
// emitted when the user was typing. It reports whether emit ran.
func (c *Channel) PublishTyping(userID string, typing bool, at time.Time, emit func(domain.PresenceSignal)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	signal := domain.PresenceSignal{
		ConversationID: c.conversationID,
		UserID:         userID,
		Kind:           domain.Typing,
		At:             at,
		Typing:         typing,
	}
	if typing {
		signal.ExpiresAt = lo.ToPtr(at.Add(c.typingTTL))
		c.typing[userID] = signal
	} else {
		if _, ok := c.typing[userID]; !ok {
			return false
		}
		delete(c.typing, userID)
	}
	if emit != nil {
		emit(signal)
	}
	return true
}

// ClearTyping is the implicit stop of a participant leaving.
func (c *Channel) ClearTyping(userID string, at time.Time, emit func(domain.PresenceSignal)) bool {
	return c.PublishTyping(userID, false, at, emit)
}

// PublishRead moves the read cursor of userID forward. A cursor that does
// not advance the retained one is ignored, so arrival order doesn't matter.
func (c *Channel) PublishRead(userID string, cursor uint64, refMessageID string, at time.Time, emit func(domain.PresenceSignal)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if current, ok := c.reads[userID]; ok && cursor <= current.Cursor {
		return false
	}
	signal := domain.PresenceSignal{
		ConversationID: c.conversationID,
		UserID:         userID,
		Kind:           domain.Read,
		At:             at,
		Cursor:         cursor,
		RefMessageID:   refMessageID,
	}
	c.reads[userID] = signal
	if emit != nil {
		emit(signal)
	}
	return true
}

// Expire drops typing signals whose expiry is at or before now and emits
// a stop for each of them.
func (c *Channel) Expire(now time.Time, emit func(domain.PresenceSignal)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for _, userID := range sortedKeys(c.typing) {
		signal := c.typing[userID]
		if signal.ExpiresAt == nil || signal.ExpiresAt.After(now) {
			continue
		}
		delete(c.typing, userID)
		expired++
		if emit != nil {
			emit(domain.PresenceSignal{
				ConversationID: c.conversationID,
				UserID:         userID,
				Kind:           domain.Typing,
				At:             now,
			})
		}
	}
	return expired
}

// Join runs admit with the retained reads while holding the channel lock,
// so no read published concurrently is both missed by the replay and
// emitted before the newcomer is admitted.
func (c *Channel) Join(admit func(reads []domain.PresenceSignal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	admit(lo.Map(sortedKeys(c.reads), func(userID string, _ int) domain.PresenceSignal {
		return c.reads[userID]
	}))
}

// Reads returns the retained read signals, one per user, sorted by user.
func (c *Channel) Reads() []domain.PresenceSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(sortedKeys(c.reads), func(userID string, _ int) domain.PresenceSignal {
		return c.reads[userID]
	})
}

// Typing returns the users currently typing, sorted by user.
func (c *Channel) Typing() []domain.PresenceSignal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(sortedKeys(c.typing), func(userID string, _ int) domain.PresenceSignal {
		return c.typing[userID]
	})
}

func (c *Channel) ReadCursor(userID string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	signal, ok := c.reads[userID]
	return signal.Cursor, ok
}

func sortedKeys(m map[string]domain.PresenceSignal) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
