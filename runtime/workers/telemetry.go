package workers

import (
	"context"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/errors"
	"negotiation-lab/telemetry"
	"time"
)

// TelemetryWorker drains recorded activities into the telemetry transport.
// A failed delivery releases its claim so the emitter's next retry is
// recorded again. Failures are logged, never propagated.
type TelemetryWorker struct {
	log       *slog.Logger
	sink      *telemetry.Sink
	transport contract.TelemetryTransport
	timeout   time.Duration
}

func NewTelemetryWorker(log *slog.Logger, sink *telemetry.Sink, transport contract.TelemetryTransport, timeout time.Duration) *TelemetryWorker {
	return &TelemetryWorker{log: log, sink: sink, transport: transport, timeout: timeout}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping telemetry delivery")
			return nil
		case delivery := <-w.sink.Deliveries():
			w.handle(ctx, delivery)
		}
	}
}

func (w *TelemetryWorker) handle(ctx context.Context, delivery telemetry.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.transport.Deliver(ctx, delivery.Event); err != nil {
		w.log.Error("Activity delivery failed",
			"key", delivery.Key,
			"user", delivery.Event.UserID,
			"activity", delivery.Event.ActivityType,
			"error", errors.ErrTelemetryFailure,
			"cause", err)
		w.sink.Release(ctx, delivery.Key)
	}
}
