package events

import (
	"context"
	"log/slog"

	"github.com/Lakakaku/brf-sub003/internal/core/domain"
)

// LogNotifier writes alerts to the structured log. It is the fallback sink
// when no webhook endpoint is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, alert domain.Alert) error {
	n.logger.LogAttrs(ctx, slog.LevelError, "isolation alert",
		slog.String("tenant", alert.TenantID),
		slog.String("severity", string(alert.Severity)),
		slog.String("message", alert.Message),
		slog.String("evidence", alert.Evidence),
	)
	return nil
}
