package runtime

import (
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"negotiation-lab/negotiation"
	"negotiation-lab/presence"
	"negotiation-lab/runtime/workers"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Handle identifies one participant connection.
type Handle struct {
	ID             uuid.UUID
	ConversationID string
	UserID         string
}

type participant struct {
	userID  string
	mailbox *workers.Mailbox
}

// Session is the live state of one conversation: its presence channel, its
// participants and the sequence stamped on every envelope.
//
// Lock order is thread scope or presence lock first, then mu. mu is only
// held to stamp and submit, submission never blocks.
type Session struct {
	log          *slog.Logger
	conversation domain.Conversation
	presence     *presence.Channel
	now          func() time.Time

	mu           sync.Mutex
	seq          uint64
	participants map[uuid.UUID]participant
	inflight     int
	lastActive   time.Time
}

func newSession(log *slog.Logger, conversation domain.Conversation, typingTTL time.Duration, now func() time.Time) *Session {
	return &Session{
		log:          log,
		conversation: conversation,
		presence:     presence.NewChannel(conversation.ID, typingTTL),
		now:          now,
		participants: make(map[uuid.UUID]participant),
		lastActive:   now(),
	}
}

func (s *Session) Conversation() domain.Conversation { return s.conversation }

// Seq is the sequence of the last envelope broadcast.
func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) Participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants)
}

// broadcast stamps e with the next sequence and submits it to every mailbox.
func (s *Session) broadcast(e event.Envelope) event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e.ID = uuid.New()
	e.Seq = s.seq
	e.ConversationID = s.conversation.ID
	e.At = s.now()
	s.lastActive = e.At
	for _, p := range s.participants {
		// Failures are isolated and logged by the mailbox
		_ = p.mailbox.Submit(e)
	}
	return e
}

// offerEnvelope is handed to the machine and runs inside the thread scope.
func (s *Session) offerEnvelope(result negotiation.Result) event.Envelope {
	kind := event.OfferTransitioned
	if result.Action == negotiation.Propose {
		kind = event.OfferCreated
	}
	return s.broadcast(event.Envelope{
		Kind:       kind,
		Offer:      lo.ToPtr(result.Offer),
		Superseded: result.Superseded,
	})
}

func (s *Session) presenceEnvelope(signal domain.PresenceSignal) event.Envelope {
	kind := event.TypingChanged
	if signal.Kind == domain.Read {
		kind = event.ReadChanged
	}
	return s.broadcast(event.Envelope{Kind: kind, Presence: lo.ToPtr(signal)})
}

func (s *Session) emitPresence(signal domain.PresenceSignal) {
	s.presenceEnvelope(signal)
}

// admit registers the participant and replays the retained read cursors to
// it alone. Replays reuse the current sequence and are flagged as such.
func (s *Session) admit(handle Handle, mailbox *workers.Mailbox) {
	s.presence.Join(func(reads []domain.PresenceSignal) {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.participants[handle.ID] = participant{userID: handle.UserID, mailbox: mailbox}
		s.lastActive = s.now()
		for _, read := range reads {
			_ = mailbox.Submit(event.Envelope{
				ID:             uuid.New(),
				Seq:            s.seq,
				Kind:           event.ReadChanged,
				ConversationID: s.conversation.ID,
				At:             s.lastActive,
				Replay:         true,
				Presence:       lo.ToPtr(read),
			})
		}
	})
	s.log.Debug("Participant joined",
		"conversation", s.conversation.ID,
		"user", handle.UserID,
		"handle", handle.ID)
}

func (s *Session) remove(handleID uuid.UUID) (participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[handleID]
	if ok {
		delete(s.participants, handleID)
		s.lastActive = s.now()
	}
	return p, ok
}

// pin keeps the session from being evicted until the matching unpin.
func (s *Session) pin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight++
	s.lastActive = s.now()
}

func (s *Session) unpin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	s.lastActive = s.now()
}

func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.participants) == 0 && s.inflight == 0 && !now.Before(s.lastActive.Add(timeout))
}

func (s *Session) closeMailboxes() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.participants {
		p.mailbox.Close()
		delete(s.participants, id)
	}
}
