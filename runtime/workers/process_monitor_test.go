package workers

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestProcessMonitorWorker_Samples_Own_Process(t *testing.T) {
	req := require.New(t)
	worker := NewProcessMonitorWorker(logs.GetLoggerFromLevel(slog.LevelDebug), 10*time.Millisecond)
	req.Zero(worker.Snapshot())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	req.Eventually(func() bool { return !worker.Snapshot().SampledAt.IsZero() }, 2*time.Second, 10*time.Millisecond)
	req.Equal(int32(os.Getpid()), worker.Snapshot().PID)

	cancel()
	req.NoError(<-done)
}
