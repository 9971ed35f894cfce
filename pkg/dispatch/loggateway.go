package dispatch

import (
	"context"
	"log/slog"
)

// LogGateway logs intents instead of delivering them. Used when no APNs
// credentials are configured, so the rest of the pipeline can run end to
// end in development.
type LogGateway struct {
	logger *slog.Logger
}

func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger.With("module", "log_gateway")}
}

func (g *LogGateway) Deliver(ctx context.Context, intent *Intent) error {
	g.logger.Info("would deliver notification",
		"user", intent.UserDID,
		"device", intent.DeviceID,
		"kind", intent.Kind,
		"title", intent.Title,
		"body", intent.Body,
	)
	return nil
}
