//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"negotiation-lab/domain"
	"negotiation-lab/domain/event"
	"reflect"
	"time"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker is a long running loop owned by the supervisor, which recovers
// its panics and restarts it.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName is the worker's type name, used as its log label.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is one participant connection.
// Consume must honour ctx: the caller bounds every delivery with a timeout.
type EventSink interface {
	Consume(ctx context.Context, e event.Envelope) error
}

// OfferLedger is the durable storage collaborator for offers.
// Every write is checked against the thread head version and is all-or-nothing.
type OfferLedger interface {
	// Latest returns the head offer of the thread and the head version, nil and 0 on an empty thread.
	Latest(ctx context.Context, key domain.ThreadKey) (*domain.Offer, uint64, error)
	// Create stores offer as the new head of the thread.
	Create(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, offer domain.Offer) (domain.Offer, uint64, error)
	// Transition applies change to the current Pending head.
	Transition(ctx context.Context, key domain.ThreadKey, expectedVersion uint64, change domain.Change) (domain.Transition, error)
	// History returns every offer stored for the key, oldest first.
	History(ctx context.Context, key domain.ThreadKey) ([]domain.Offer, error)
}

type ConversationDirectory interface {
	CreateConversation(ctx context.Context, conversation domain.Conversation) error
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
}

// IdempotencyStore keeps short-lived occurrence keys.
type IdempotencyStore interface {
	// Claim returns true for the first caller of a key until the key expires or is released.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// TelemetryTransport forwards recorded activities downstream.
type TelemetryTransport interface {
	Deliver(ctx context.Context, activity domain.ActivityEvent) error
}

// Censor sanitises free text before it is persisted.
// It returns the sanitised text and the words that were masked.
type Censor interface {
	Censor(text string) (string, []string)
}

// Sweeper is ticked periodically to expire time bound state.
type Sweeper interface {
	Sweep(now time.Time)
}
