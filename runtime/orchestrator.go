// Package runtime runs conversation sessions: it routes participant commands
// to negotiation or presence and fans the results out in commit order.
// It holds no negotiation rule itself.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"negotiation-lab/errors"
	"negotiation-lab/negotiation"
	"negotiation-lab/runtime/workers"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	MailboxSize   int
	SinkTimeout   time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration
	IdleTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 64
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	return c
}

// Reply is what the caller of Dispatch gets back. Seq is zero when the
// command changed nothing, e.g. a read that didn't advance the cursor.
type Reply struct {
	Seq        uint64
	Offer      *domain.Offer
	Superseded *domain.Offer
	Presence   *domain.PresenceSignal
}

type Orchestrator struct {
	log        *slog.Logger
	config     Config
	directory  contract.ConversationDirectory
	machine    *negotiation.Machine
	registry   *Registry
	supervisor contract.ISupervisor
	now        func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor, registry *Registry,
	directory contract.ConversationDirectory, machine *negotiation.Machine, config Config) *Orchestrator {
	return &Orchestrator{
		log:        log,
		config:     config.withDefaults(),
		directory:  directory,
		machine:    machine,
		registry:   registry,
		supervisor: supervisor,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweeper and runs the supervisor in the background.
// Workers added to the supervisor beforehand are started too.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx != nil {
		return nil
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.supervisor.Add(workers.NewSweeperWorker(o.log, o.config.SweepInterval, o))

	o.log.Info("Starting orchestrator and all supervised workers")
	go o.supervisor.Run(o.ctx)
	return nil
}

// Stop cancels every supervised worker and closes every mailbox.
func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()
	o.supervisor.Stop()
	for _, s := range o.registry.Sessions() {
		s.closeMailboxes()
	}
}

func (o *Orchestrator) running() (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil || o.ctx.Err() != nil {
		return nil, errors.ErrOrchestratorStopped
	}
	return o.ctx, nil
}

// Running reports whether Start was called and Stop wasn't.
func (o *Orchestrator) Running() bool {
	_, err := o.running()
	return err == nil
}

// OpenConversation records a new conversation between buyerID and sellerID about listingID.
func (o *Orchestrator) OpenConversation(ctx context.Context, buyerID, listingID, sellerID string) (domain.Conversation, error) {
	conversation := domain.Conversation{
		ID:        uuid.NewString(),
		ListingID: listingID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: o.now(),
	}
	if err := o.directory.CreateConversation(ctx, conversation); err != nil {
		return domain.Conversation{}, err
	}
	o.log.Info("Conversation opened", "conversation", conversation.ID, "listing", listingID)
	return conversation, nil
}

// Conversation returns the conversation if userID is one of its parties.
func (o *Orchestrator) Conversation(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conversation, err := o.conversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conversation.IsParty(userID) {
		return domain.Conversation{}, unauthorized(userID, conversationID)
	}
	return conversation, nil
}

func (o *Orchestrator) conversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	if s, ok := o.registry.Get(conversationID); ok {
		return s.Conversation(), nil
	}
	return o.directory.GetConversation(ctx, conversationID)
}

// History returns every offer exchanged in the conversation, oldest first.
func (o *Orchestrator) History(ctx context.Context, userID, conversationID string) ([]domain.Offer, error) {
	conversation, err := o.Conversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return o.machine.History(ctx, conversation.ThreadKey())
}

// Latest returns the head offer of the conversation, nil when none was made.
func (o *Orchestrator) Latest(ctx context.Context, userID, conversationID string) (*domain.Offer, error) {
	conversation, err := o.Conversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return o.machine.Latest(ctx, conversation.ThreadKey())
}

// acquire resolves the live session of conversationID, pinned until release.
func (o *Orchestrator) acquire(ctx context.Context, conversationID string) (*Session, func(), error) {
	conversation, err := o.conversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	s, release := o.registry.Acquire(conversationID, o.newSession(conversation))
	return s, release, nil
}

func (o *Orchestrator) newSession(conversation domain.Conversation) func() *Session {
	return func() *Session {
		o.log.Debug("Session created", "conversation", conversation.ID)
		return newSession(o.log, conversation, o.config.TypingTTL, o.now)
	}
}

// Subscribe admits a participant connection. Retained read cursors are
// replayed to sink before any live envelope.
func (o *Orchestrator) Subscribe(ctx context.Context, conversationID, userID string, sink contract.EventSink) (Handle, error) {
	runCtx, err := o.running()
	if err != nil {
		return Handle{}, err
	}
	conversation, err := o.Conversation(ctx, userID, conversationID)
	if err != nil {
		return Handle{}, err
	}
	handle := Handle{ID: uuid.New(), ConversationID: conversationID, UserID: userID}
	mailbox := workers.NewMailbox(o.log, userID, sink, o.config.MailboxSize, o.config.SinkTimeout)
	o.registry.Attach(conversationID, o.newSession(conversation), func(s *Session) {
		s.admit(handle, mailbox)
	})
	o.supervisor.Start(runCtx, mailbox)
	return handle, nil
}

// Unsubscribe tears down one connection and clears the typing signal of its user.
// In-flight transitions issued through it are not affected.
func (o *Orchestrator) Unsubscribe(handle Handle) {
	s, ok := o.registry.Get(handle.ConversationID)
	if !ok {
		return
	}
	p, ok := s.remove(handle.ID)
	if !ok {
		return
	}
	p.mailbox.Close()
	s.presence.ClearTyping(handle.UserID, o.now(), s.emitPresence)
	o.log.Debug("Participant left", "conversation", handle.ConversationID, "user", handle.UserID, "handle", handle.ID)
}

// Dispatch applies cmd on behalf of userID. The work is detached from ctx
// cancellation: a caller going away never aborts a transition midway.
func (o *Orchestrator) Dispatch(ctx context.Context, userID string, cmd domain.Command) (Reply, error) {
	ctx = context.WithoutCancel(ctx)
	s, release, err := o.acquire(ctx, cmd.Conversation())
	if err != nil {
		return Reply{}, err
	}
	defer release()
	conversation := s.Conversation()
	if !conversation.IsParty(userID) {
		return Reply{}, unauthorized(userID, conversation.ID)
	}

	switch c := cmd.(type) {
	case domain.ProposeOfferCommand:
		return o.negotiate(ctx, s, userID, negotiation.Propose, &c.Terms)
	case domain.CounterOfferCommand:
		return o.negotiate(ctx, s, userID, negotiation.Counter, &c.Terms)
	case domain.AcceptOfferCommand:
		return o.negotiate(ctx, s, userID, negotiation.Accept, nil)
	case domain.RejectOfferCommand:
		return o.negotiate(ctx, s, userID, negotiation.Reject, nil)
	case domain.SetTypingCommand:
		var reply Reply
		s.presence.PublishTyping(userID, c.Typing, o.at(c.At), func(signal domain.PresenceSignal) {
			reply = presenceReply(s.presenceEnvelope(signal))
		})
		return reply, nil
	case domain.MarkReadCommand:
		var reply Reply
		s.presence.PublishRead(userID, c.Cursor, c.RefMessageID, o.at(c.At), func(signal domain.PresenceSignal) {
			reply = presenceReply(s.presenceEnvelope(signal))
		})
		return reply, nil
	default:
		return Reply{}, fmt.Errorf("%w: %T", errors.ErrUnknownCommand, cmd)
	}
}

func (o *Orchestrator) negotiate(ctx context.Context, s *Session, userID string, action negotiation.Action, terms *domain.OfferTerms) (Reply, error) {
	var reply Reply
	request := negotiation.Request{
		Key:    s.Conversation().ThreadKey(),
		Actor:  userID,
		Action: action,
		Terms:  terms,
	}
	_, err := o.machine.Apply(ctx, request, func(result negotiation.Result) {
		e := s.offerEnvelope(result)
		reply = Reply{Seq: e.Seq, Offer: e.Offer, Superseded: e.Superseded}
	})
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// Sweep expires lapsed typing signals and evicts idle sessions.
func (o *Orchestrator) Sweep(now time.Time) {
	for _, s := range o.registry.Sessions() {
		if expired := s.presence.Expire(now, s.emitPresence); expired > 0 {
			o.log.Debug("Typing signals expired", "conversation", s.Conversation().ID, "count", expired)
		}
	}
	for _, id := range o.registry.EvictIdle(now, o.config.IdleTimeout) {
		o.log.Debug("Idle session evicted", "conversation", id)
	}
}

// Sessions is the number of live sessions.
func (o *Orchestrator) Sessions() int {
	return o.registry.Len()
}

func (o *Orchestrator) at(at time.Time) time.Time {
	if at.IsZero() {
		return o.now()
	}
	return at.UTC()
}

func presenceReply(e event.Envelope) Reply {
	return Reply{Seq: e.Seq, Presence: e.Presence}
}

func unauthorized(userID, conversationID string) error {
	return fmt.Errorf("%w: %q is not party to conversation %s", errors.ErrUnauthorized, userID, conversationID)
}
