package workers

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain/event"
	"negotiation-lab/errors"
	"sync"
	"time"
)

// Mailbox isolates one participant connection. Submit never blocks: the
// envelope is queued and the mailbox goroutine hands it to the sink with a
// per-delivery timeout. A slow sink fills its own queue and loses its own
// envelopes, nobody else's.
type Mailbox struct {
	log           *slog.Logger
	participantID string
	sink          contract.EventSink
	queue         chan event.Envelope
	sinkTimeout   time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

func NewMailbox(log *slog.Logger, participantID string, sink contract.EventSink, size int, sinkTimeout time.Duration) *Mailbox {
	return &Mailbox{
		log:           log,
		participantID: participantID,
		sink:          sink,
		queue:         make(chan event.Envelope, size),
		sinkTimeout:   sinkTimeout,
		done:          make(chan struct{}),
	}
}

// Submit queues e for delivery.
func (m *Mailbox) Submit(e event.Envelope) error {
	select {
	case <-m.done:
		return errors.ErrMailboxClosed
	default:
	}
	select {
	case m.queue <- e:
		return nil
	default:
		m.log.Warn("Mailbox full, envelope dropped",
			"participant", m.participantID,
			"conversation", e.ConversationID,
			"seq", e.Seq,
			"error", errors.ErrTransportFailure)
		return fmt.Errorf("%w: mailbox of %s is full", errors.ErrTransportFailure, m.participantID)
	}
}

// Close stops the delivery loop. Queued envelopes are discarded.
func (m *Mailbox) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Mailbox) Done() <-chan struct{} { return m.done }

// Run delivers queued envelopes in order until the mailbox is closed.
func (m *Mailbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case e := <-m.queue:
			m.deliver(ctx, e)
		}
	}
}

func (m *Mailbox) deliver(ctx context.Context, e event.Envelope) {
	ctx, cancel := context.WithTimeout(ctx, m.sinkTimeout)
	defer cancel()
	if err := m.sink.Consume(ctx, e); err != nil {
		m.log.Warn("Delivery failed",
			"participant", m.participantID,
			"conversation", e.ConversationID,
			"seq", e.Seq,
			"kind", e.Kind,
			"error", fmt.Errorf("%w: %v", errors.ErrTransportFailure, err))
	}
}
