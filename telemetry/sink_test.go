package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/errors"
	"negotiation-lab/mocks"
	"negotiation-lab/repositories"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newSink(t *testing.T, queueSize int) *Sink {
	db, err := repositories.OpenBadger("", false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSink(logs.GetLoggerFromLevel(slog.LevelDebug), repositories.NewIdempotencyRepository(db), queueSize)
}

func TestSink_Records_Once_Per_Window(t *testing.T) {
	req := require.New(t)
	sink := newSink(t, 10)
	ctx := context.Background()
	observedAt := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)

	// Given a retry-prone hook firing three times in the same minute
	outcomes := make([]Outcome, 0, 3)
	for i := 0; i < 3; i++ {
		outcome, err := sink.Record(ctx, "alice", "viewed_listing", nil, observedAt.Add(time.Duration(i)*10*time.Second), time.Minute)
		req.NoError(err)
		outcomes = append(outcomes, outcome)
	}

	// Then a single activity is queued
	req.Equal([]Outcome{Recorded, Duplicate, Duplicate}, outcomes)
	req.Len(sink.Deliveries(), 1)
	delivery := <-sink.Deliveries()
	req.Equal("alice", delivery.Event.UserID)
	req.Equal(OccurrenceKey("alice", "viewed_listing", observedAt, time.Minute), delivery.Key)

	// And the next window is a new occurrence
	outcome, err := sink.Record(ctx, "alice", "viewed_listing", nil, observedAt.Add(time.Minute), time.Minute)
	req.NoError(err)
	req.Equal(Recorded, outcome)
}

func TestSink_Distinct_Users_And_Types(t *testing.T) {
	req := require.New(t)
	sink := newSink(t, 10)
	ctx := context.Background()
	observedAt := time.Now().UTC()

	for _, user := range []string{"alice", "bob"} {
		for _, activity := range []string{"viewed_listing", "opened_chat"} {
			outcome, err := sink.Record(ctx, user, activity, nil, observedAt, time.Hour)
			req.NoError(err)
			req.Equal(Recorded, outcome)
		}
	}
	req.Len(sink.Deliveries(), 4)
}

func TestSink_Occurrence_Id_Is_Stable(t *testing.T) {
	req := require.New(t)
	observedAt := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)

	first := newSink(t, 1)
	second := newSink(t, 1)
	_, err := first.Record(context.Background(), "alice", "viewed_listing", nil, observedAt, time.Minute)
	req.NoError(err)
	_, err = second.Record(context.Background(), "alice", "viewed_listing", nil, observedAt.Add(time.Second), time.Minute)
	req.NoError(err)

	req.Equal((<-first.Deliveries()).Event.ID, (<-second.Deliveries()).Event.ID)
}

func TestSink_Full_Queue_Releases_Claim(t *testing.T) {
	req := require.New(t)
	sink := newSink(t, 1)
	ctx := context.Background()
	observedAt := time.Now().UTC()

	_, err := sink.Record(ctx, "alice", "viewed_listing", nil, observedAt, time.Minute)
	req.NoError(err)

	// When the queue is full
	_, err = sink.Record(ctx, "alice", "opened_chat", nil, observedAt, time.Minute)
	req.ErrorIs(err, errors.ErrTelemetryFailure)

	// Then the retry succeeds once there is room
	<-sink.Deliveries()
	outcome, err := sink.Record(ctx, "alice", "opened_chat", nil, observedAt, time.Minute)
	req.NoError(err)
	req.Equal(Recorded, outcome)
}

func TestSink_Store_Failure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockIdempotencyStore(ctrl)
	sink := NewSink(slog.Default(), store, 1)

	store.EXPECT().Claim(gomock.Any(), gomock.Any(), time.Minute+claimGrace).
		Return(false, fmt.Errorf("disk full")).Times(1)

	_, err := sink.Record(context.Background(), "alice", "viewed_listing", nil, time.Now(), time.Minute)
	req.ErrorIs(err, errors.ErrTelemetryFailure)
	req.Empty(sink.Deliveries())
}

func TestSink_Validation(t *testing.T) {
	req := require.New(t)
	sink := newSink(t, 1)

	_, err := sink.Record(context.Background(), "alice", "viewed_listing", nil, time.Now(), 0)
	req.ErrorIs(err, errors.ErrValidation)
	_, err = sink.Record(context.Background(), "", "viewed_listing", nil, time.Now(), time.Minute)
	req.ErrorIs(err, errors.ErrValidation)
}

func TestSink_Claim_Covers_Whole_Window(t *testing.T) {
	req := require.New(t)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		observedAt time.Time
		want       time.Duration
	}{
		{"current window", now.Add(20 * time.Second), time.Minute + claimGrace},
		{"past window", now.Add(-time.Hour), time.Minute + claimGrace},
		{"window ahead of the server clock", now.Add(10 * time.Minute), 11*time.Minute + claimGrace},
	}
	for _, tt := range tests {
		req.Equal(tt.want, claimTTL(tt.observedAt, time.Minute, now), tt.name)
	}
}

func TestSink_Claims_With_Bucket_TTL(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockIdempotencyStore(ctrl)
	sink := NewSink(slog.Default(), store, 1)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	// Given an occurrence stamped five minutes ahead of the server
	store.EXPECT().Claim(gomock.Any(), gomock.Any(), 6*time.Minute+claimGrace).
		Return(true, nil).Times(1)

	// Then its claim lasts until the end of that window
	outcome, err := sink.Record(context.Background(), "alice", "viewed_listing", nil, now.Add(5*time.Minute), time.Minute)
	req.NoError(err)
	req.Equal(Recorded, outcome)
}
