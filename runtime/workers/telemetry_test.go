package workers

import (
	"context"
	"fmt"
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/mocks"
	"negotiation-lab/repositories"
	"negotiation-lab/telemetry"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestTelemetryWorker_Failure_Releases_Claim(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	db, err := repositories.OpenBadger("", false)
	req.NoError(err)
	defer db.Close()
	transport := mocks.NewMockTelemetryTransport(ctrl)
	sink := telemetry.NewSink(log, repositories.NewIdempotencyRepository(db), 10)
	worker := NewTelemetryWorker(log, sink, transport, time.Second)

	delivered := make(chan domain.ActivityEvent, 2)
	gomock.InOrder(
		transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).Return(fmt.Errorf("collector down")),
		transport.EXPECT().Deliver(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, activity domain.ActivityEvent) error {
				delivered <- activity
				return nil
			}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()
	observedAt := time.Now().UTC()

	// Given a first delivery that fails
	outcome, err := sink.Record(ctx, "alice", "opened_chat", nil, observedAt, time.Minute)
	req.NoError(err)
	req.Equal(telemetry.Recorded, outcome)

	// When the emitter retries after the failure was handled
	req.Eventually(func() bool {
		outcome, err := sink.Record(ctx, "alice", "opened_chat", nil, observedAt, time.Minute)
		return err == nil && outcome == telemetry.Recorded
	}, time.Second, 10*time.Millisecond)

	// Then the retry is delivered
	select {
	case activity := <-delivered:
		req.Equal("opened_chat", activity.ActivityType)
	case <-time.After(time.Second):
		req.Fail("Retry was not delivered")
	}
}
