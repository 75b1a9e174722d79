package relay

import (
	"log/slog"

	"contactr/internal/domain"
	"contactr/internal/platform/metrics"
)

// Broadcaster fans one change event out to every registered connection.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewBroadcaster(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger, metrics: m}
}

// Broadcast serializes ev once and hands the same bytes to every open
// connection in a registry snapshot. A failed hand-off is isolated to that
// connection and does not close it; the write pump owns closing. It returns
// the number of connections the frame was handed to.
func (b *Broadcaster) Broadcast(ev domain.ChangeEvent) int {
	frame, err := EncodeBroadcast(ev)
	if err != nil {
		b.logger.Error("failed to encode broadcast frame", "channel", ev.SourceChannel, "error", err)
		return 0
	}

	delivered, failed := 0, 0
	for _, c := range b.registry.Snapshot() {
		if err := c.Send(frame); err != nil {
			failed++
			b.logger.Debug("broadcast delivery skipped", "conn_id", c.ID(), "error", err)
			continue
		}
		delivered++
	}

	b.metrics.ObserveBroadcast(delivered, failed)
	if failed > 0 {
		b.logger.Warn("broadcast partially delivered",
			"channel", ev.SourceChannel,
			"count", delivered,
			"failed", failed,
		)
	}
	return delivered
}
