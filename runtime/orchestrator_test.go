package runtime

import (
	"context"
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"negotiation-lab/errors"
	"negotiation-lab/negotiation"
	"negotiation-lab/repositories"
	"negotiation-lab/runtime/workers"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

const (
	buyer  = "alice"
	seller = "bob"
)

type recordingSink struct {
	envelopes chan event.Envelope
}

func newRecordingSink() *recordingSink {
	return &recordingSink{envelopes: make(chan event.Envelope, 32)}
}

func (s *recordingSink) Consume(ctx context.Context, e event.Envelope) error {
	select {
	case s.envelopes <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *recordingSink) next(t *testing.T) event.Envelope {
	t.Helper()
	select {
	case e := <-s.envelopes:
		return e
	case <-time.After(time.Second):
		require.FailNow(t, "no envelope received")
		return event.Envelope{}
	}
}

func (s *recordingSink) none(t *testing.T) {
	t.Helper()
	select {
	case e := <-s.envelopes:
		require.FailNow(t, "unexpected envelope", "kind=%s seq=%d", e.Kind, e.Seq)
	case <-time.After(50 * time.Millisecond):
	}
}

// blockingSink never returns before its context is done.
type blockingSink struct{}

func (blockingSink) Consume(ctx context.Context, _ event.Envelope) error {
	<-ctx.Done()
	return ctx.Err()
}

func newOrchestrator(t *testing.T, config Config) (*Orchestrator, domain.Conversation) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := repositories.OpenBadger("", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	machine := negotiation.NewMachine(log, repositories.NewOfferLedger(db, log), nil)
	if config.SweepInterval == 0 {
		// Tests sweep by hand
		config.SweepInterval = time.Hour
	}
	orchestrator := NewOrchestrator(log, workers.NewSupervisor(log, 0), NewRegistry(),
		repositories.NewConversationRepository(db), machine, config)
	require.NoError(t, orchestrator.Start(context.Background()))
	t.Cleanup(orchestrator.Stop)

	conversation, err := orchestrator.OpenConversation(context.Background(), buyer, "listing-1", seller)
	require.NoError(t, err)
	return orchestrator, conversation
}

func usd(amount string) domain.OfferTerms {
	return domain.OfferTerms{Amount: domain.MustAmount(amount, "USD")}
}

func TestOrchestrator_Negotiation_Is_Broadcast_In_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})
	buyerSink, sellerSink := newRecordingSink(), newRecordingSink()

	_, err := orchestrator.Subscribe(ctx, conversation.ID, buyer, buyerSink)
	req.NoError(err)
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	// When the buyer proposes, the seller counters and the buyer accepts
	proposed, err := orchestrator.Dispatch(ctx, buyer, domain.ProposeOfferCommand{ConversationID: conversation.ID, Terms: usd("100")})
	req.NoError(err)
	countered, err := orchestrator.Dispatch(ctx, seller, domain.CounterOfferCommand{ConversationID: conversation.ID, Terms: usd("120")})
	req.NoError(err)
	accepted, err := orchestrator.Dispatch(ctx, buyer, domain.AcceptOfferCommand{ConversationID: conversation.ID})
	req.NoError(err)
	req.Equal([]uint64{1, 2, 3}, []uint64{proposed.Seq, countered.Seq, accepted.Seq})

	// Then both parties see the same three envelopes in the same order
	for _, sink := range []*recordingSink{buyerSink, sellerSink} {
		created := sink.next(t)
		req.Equal(event.OfferCreated, created.Kind)
		req.Equal(uint64(1), created.Seq)
		req.Equal(domain.Pending, created.Offer.Status)

		counter := sink.next(t)
		req.Equal(event.OfferTransitioned, counter.Kind)
		req.Equal(uint64(2), counter.Seq)
		req.Equal(domain.Countered, counter.Superseded.Status)
		req.Equal(created.Offer.ID, counter.Superseded.ID)
		req.Equal(domain.Pending, counter.Offer.Status)
		req.Equal(created.Offer.ID, *counter.Offer.CounterOfferTo)

		accept := sink.next(t)
		req.Equal(event.OfferTransitioned, accept.Kind)
		req.Equal(uint64(3), accept.Seq)
		req.Equal(domain.Accepted, accept.Offer.Status)
		req.Equal(counter.Offer.ID, accept.Offer.ID)
		req.Nil(accept.Superseded)
	}

	history, err := orchestrator.History(ctx, seller, conversation.ID)
	req.NoError(err)
	req.Len(history, 2)
}

func TestOrchestrator_Illegal_Transition_Is_Not_Broadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})
	sellerSink := newRecordingSink()
	_, err := orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	_, err = orchestrator.Dispatch(ctx, buyer, domain.ProposeOfferCommand{ConversationID: conversation.ID, Terms: usd("50")})
	req.NoError(err)
	sellerSink.next(t)

	// When the buyer counters its own offer
	_, err = orchestrator.Dispatch(ctx, buyer, domain.CounterOfferCommand{ConversationID: conversation.ID, Terms: usd("60")})

	// Then only the caller learns about it, with the live offer attached
	req.ErrorIs(err, errors.ErrIllegalTransition)
	current, ok := negotiation.CurrentOffer(err)
	req.True(ok)
	req.Equal(domain.Pending, current.Status)
	sellerSink.none(t)
}

func TestOrchestrator_Refuses_Outsiders(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})

	_, err := orchestrator.Dispatch(ctx, "mallory", domain.ProposeOfferCommand{ConversationID: conversation.ID, Terms: usd("1")})
	req.ErrorIs(err, errors.ErrUnauthorized)
	_, err = orchestrator.Dispatch(ctx, "mallory", domain.SetTypingCommand{ConversationID: conversation.ID, Typing: true})
	req.ErrorIs(err, errors.ErrUnauthorized)
	_, err = orchestrator.Subscribe(ctx, conversation.ID, "mallory", newRecordingSink())
	req.ErrorIs(err, errors.ErrUnauthorized)
	_, err = orchestrator.History(ctx, "mallory", conversation.ID)
	req.ErrorIs(err, errors.ErrUnauthorized)
}

func TestOrchestrator_Unknown_Conversation(t *testing.T) {
	req := require.New(t)
	orchestrator, _ := newOrchestrator(t, Config{})

	_, err := orchestrator.Dispatch(context.Background(), buyer, domain.AcceptOfferCommand{ConversationID: "nope"})
	req.ErrorIs(err, errors.ErrConversationNotFound)
}

func TestOrchestrator_Disconnect_Clears_Typing(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})
	buyerSink, sellerSink := newRecordingSink(), newRecordingSink()
	buyerHandle, err := orchestrator.Subscribe(ctx, conversation.ID, buyer, buyerSink)
	req.NoError(err)
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	// Given the buyer is typing
	reply, err := orchestrator.Dispatch(ctx, buyer, domain.SetTypingCommand{ConversationID: conversation.ID, Typing: true})
	req.NoError(err)
	req.True(reply.Presence.Typing)
	typing := sellerSink.next(t)
	req.Equal(event.TypingChanged, typing.Kind)
	req.True(typing.Presence.Typing)

	// When the buyer disconnects
	orchestrator.Unsubscribe(buyerHandle)

	// Then the seller sees an implicit stop
	stopped := sellerSink.next(t)
	req.Equal(event.TypingChanged, stopped.Kind)
	req.Equal(buyer, stopped.Presence.UserID)
	req.False(stopped.Presence.Typing)
	req.Equal(typing.Seq+1, stopped.Seq)
}

func TestOrchestrator_Reads_Are_Replayed_On_Join(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})

	// Given the buyer read up to 7, then a stale 3 arrives
	reply, err := orchestrator.Dispatch(ctx, buyer, domain.MarkReadCommand{ConversationID: conversation.ID, Cursor: 7, RefMessageID: "msg-7"})
	req.NoError(err)
	req.Equal(uint64(1), reply.Seq)
	reply, err = orchestrator.Dispatch(ctx, buyer, domain.MarkReadCommand{ConversationID: conversation.ID, Cursor: 3})
	req.NoError(err)
	req.Zero(reply.Seq)

	// When the seller joins
	sellerSink := newRecordingSink()
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	// Then the retained cursor is replayed at the current sequence
	replay := sellerSink.next(t)
	req.Equal(event.ReadChanged, replay.Kind)
	req.True(replay.Replay)
	req.Equal(uint64(1), replay.Seq)
	req.Equal(uint64(7), replay.Presence.Cursor)
	req.Equal("msg-7", replay.Presence.RefMessageID)
	sellerSink.none(t)
}

func TestOrchestrator_Slow_Recipient_Does_Not_Stall(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{MailboxSize: 1, SinkTimeout: time.Hour})
	sellerSink := newRecordingSink()

	_, err := orchestrator.Subscribe(ctx, conversation.ID, buyer, blockingSink{})
	req.NoError(err)
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	// When many envelopes are published while the buyer's connection hangs
	start := time.Now()
	for i := 0; i < 10; i++ {
		_, err := orchestrator.Dispatch(ctx, buyer, domain.SetTypingCommand{ConversationID: conversation.ID, Typing: true})
		req.NoError(err)
		sellerSink.next(t)
	}

	// Then the publisher and the seller were never held up
	req.Less(time.Since(start), 5*time.Second)
}

func TestOrchestrator_Sweep_Expires_Typing_And_Evicts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{TypingTTL: 5 * time.Second, IdleTimeout: time.Minute})
	sellerSink := newRecordingSink()
	sellerHandle, err := orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	now := time.Now().UTC()
	_, err = orchestrator.Dispatch(ctx, buyer, domain.SetTypingCommand{ConversationID: conversation.ID, Typing: true, At: now})
	req.NoError(err)
	sellerSink.next(t)

	// When the signal lapses
	orchestrator.Sweep(now.Add(5 * time.Second))

	// Then the seller is told the buyer stopped typing
	expired := sellerSink.next(t)
	req.Equal(event.TypingChanged, expired.Kind)
	req.False(expired.Presence.Typing)

	// And a session nobody is connected to is eventually evicted
	req.Equal(1, orchestrator.Sessions())
	orchestrator.Unsubscribe(sellerHandle)
	orchestrator.Sweep(time.Now().UTC())
	req.Equal(1, orchestrator.Sessions())
	orchestrator.Sweep(time.Now().UTC().Add(time.Minute))
	req.Zero(orchestrator.Sessions())
}

func TestOrchestrator_Concurrent_Accepts_One_Broadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{})
	sellerSink := newRecordingSink()
	_, err := orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	_, err = orchestrator.Dispatch(ctx, seller, domain.ProposeOfferCommand{ConversationID: conversation.ID, Terms: usd("75")})
	req.NoError(err)
	sellerSink.next(t)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := orchestrator.Dispatch(ctx, buyer, domain.AcceptOfferCommand{ConversationID: conversation.ID})
			errs <- err
		}()
	}
	first, second := <-errs, <-errs
	req.True((first == nil) != (second == nil), "exactly one accept must win")
	req.ErrorIs(errors.Join(first, second), errors.ErrIllegalTransition)

	accepted := sellerSink.next(t)
	req.Equal(domain.Accepted, accepted.Offer.Status)
	sellerSink.none(t)
}

func TestOrchestrator_Stopped(t *testing.T) {
	req := require.New(t)
	orchestrator, conversation := newOrchestrator(t, Config{})
	orchestrator.Stop()

	_, err := orchestrator.Subscribe(context.Background(), conversation.ID, buyer, newRecordingSink())
	req.ErrorIs(err, errors.ErrOrchestratorStopped)
}

func TestOrchestrator_Sequence_Continues_After_Eviction(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{IdleTimeout: time.Minute})
	sellerSink := newRecordingSink()
	handle, err := orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)

	// Given an offer broadcast before everybody left
	proposed, err := orchestrator.Dispatch(ctx, buyer, domain.ProposeOfferCommand{ConversationID: conversation.ID, Terms: usd("100")})
	req.NoError(err)
	req.Equal(uint64(1), sellerSink.next(t).Seq)
	orchestrator.Unsubscribe(handle)

	// When the idle session is evicted and the seller comes back
	orchestrator.Sweep(time.Now().UTC().Add(2 * time.Minute))
	req.Zero(orchestrator.Sessions())
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)
	countered, err := orchestrator.Dispatch(ctx, seller, domain.CounterOfferCommand{ConversationID: conversation.ID, Terms: usd("120")})
	req.NoError(err)

	// Then the sequence picks up where it stopped
	req.Greater(countered.Seq, proposed.Seq)
	req.Equal(proposed.Seq+1, sellerSink.next(t).Seq)
}

func TestOrchestrator_Session_In_Use_Survives_Sweep(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	orchestrator, conversation := newOrchestrator(t, Config{IdleTimeout: time.Minute})

	// Given a command holding the session while the sweeper runs
	s, release, err := orchestrator.acquire(ctx, conversation.ID)
	req.NoError(err)
	orchestrator.Sweep(time.Now().UTC().Add(2 * time.Minute))
	req.Equal(1, orchestrator.Sessions())

	// When the seller connects before the command commits
	sellerSink := newRecordingSink()
	_, err = orchestrator.Subscribe(ctx, conversation.ID, seller, sellerSink)
	req.NoError(err)
	_, err = orchestrator.negotiate(ctx, s, buyer, negotiation.Propose, lo.ToPtr(usd("100")))
	release()
	req.NoError(err)

	// Then the seller receives the offer
	created := sellerSink.next(t)
	req.Equal(event.OfferCreated, created.Kind)
	req.Equal(uint64(1), created.Seq)
}
