package workers

import (
	"context"
	"log/slog"
	"negotiation-lab/contract"
	"time"
)

// SweeperWorker ticks every sweeper at a fixed interval.
type SweeperWorker struct {
	log      *slog.Logger
	interval time.Duration
	sweepers []contract.Sweeper
}

func NewSweeperWorker(log *slog.Logger, interval time.Duration, sweepers ...contract.Sweeper) *SweeperWorker {
	return &SweeperWorker{log: log, interval: interval, sweepers: sweepers}
}

func (w *SweeperWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping sweeper")
			return nil
		case now := <-ticker.C:
			for _, s := range w.sweepers {
				s.Sweep(now.UTC())
			}
		}
	}
}
