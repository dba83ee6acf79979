// Package telemetry records coarse user activity once per occurrence window.
// Failures here are reported to the caller but must never reach a user.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
	"negotiation-lab/errors"
	"net/url"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	Recorded  Outcome = "RECORDED"
	Duplicate Outcome = "DUPLICATE"
)

// Claims outlive their window a little so a retry straddling the window end
// is still recognised.
const claimGrace = time.Second

// Delivery is a recorded activity waiting for the transport.
type Delivery struct {
	Key   string
	Event domain.ActivityEvent
}

type Sink struct {
	log   *slog.Logger
	store contract.IdempotencyStore
	queue chan Delivery
	now   func() time.Time
}

func NewSink(log *slog.Logger, store contract.IdempotencyStore, queueSize int) *Sink {
	return &Sink{log: log, store: store, queue: make(chan Delivery, queueSize), now: time.Now}
}

// OccurrenceKey identifies one logical occurrence: the same user doing the
// same activity inside the same window.
func OccurrenceKey(userID, activityType string, observedAt time.Time, window time.Duration) string {
	return fmt.Sprintf("%s|%s|%d",
		url.QueryEscape(userID),
		url.QueryEscape(activityType),
		observedAt.UTC().Truncate(window).UnixNano(),
	)
}

// claimTTL keeps a claim for at least a window and until the end of the
// occurrence's bucket, whichever is later.
func claimTTL(observedAt time.Time, window time.Duration, now time.Time) time.Duration {
	ttl := window
	if untilEnd := observedAt.UTC().Truncate(window).Add(window).Sub(now); untilEnd > ttl {
		ttl = untilEnd
	}
	return ttl + claimGrace
}

// Record claims the occurrence and queues it for delivery.
// A repeat within the window returns Duplicate and records nothing.
func (s *Sink) Record(ctx context.Context, userID, activityType string, metadata domain.Metadata, observedAt time.Time, window time.Duration) (Outcome, error) {
	if window <= 0 {
		return "", errors.Validation("occurrence window must be positive")
	}
	key := OccurrenceKey(userID, activityType, observedAt, window)
	evt := domain.ActivityEvent{
		// Same occurrence, same id: downstream can dedup as well
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)),
		UserID:       userID,
		ActivityType: activityType,
		Metadata:     metadata.Clone(),
		ObservedAt:   observedAt.UTC(),
	}
	if err := evt.Validate(); err != nil {
		return "", errors.Validation("activity: %v", err)
	}

	claimed, err := s.store.Claim(ctx, key, claimTTL(observedAt, window, s.now()))
	if err != nil {
		return "", fmt.Errorf("%w: claim %s: %v", errors.ErrTelemetryFailure, key, err)
	}
	if !claimed {
		s.log.Debug("Duplicate activity ignored", "user", userID, "activity", activityType)
		return Duplicate, nil
	}

	select {
	case s.queue <- Delivery{Key: key, Event: evt}:
		return Recorded, nil
	default:
		s.Release(ctx, key)
		return "", fmt.Errorf("%w: delivery queue full", errors.ErrTelemetryFailure)
	}
}

// Deliveries is drained by the delivery worker.
func (s *Sink) Deliveries() <-chan Delivery {
	return s.queue
}

// Release forgets a claim so that the caller's retry is recorded.
func (s *Sink) Release(ctx context.Context, key string) {
	if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
		s.log.Error("Unable to release activity claim", "key", key, "error", err)
	}
}
