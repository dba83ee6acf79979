package telemetry

import (
	"context"
	"log/slog"
	"negotiation-lab/contract"
	"negotiation-lab/domain"
)

var _ contract.TelemetryTransport = (*LogTransport)(nil)

// LogTransport writes activities to the structured log. Used when no
// analytics archive is configured.
type LogTransport struct {
	log *slog.Logger
}

func NewLogTransport(log *slog.Logger) *LogTransport {
	return &LogTransport{log: log}
}

func (t *LogTransport) Deliver(ctx context.Context, activity domain.ActivityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.log.Info("Activity",
		"id", activity.ID,
		"user", activity.UserID,
		"activity", activity.ActivityType,
		"observed_at", activity.ObservedAt,
		"metadata", activity.Metadata.AsMap())
	return nil
}
