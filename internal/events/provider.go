package events

import (
	"fmt"

	"github.com/testerman/testerman/internal/common/config"
	"github.com/testerman/testerman/internal/common/logger"
	"github.com/testerman/testerman/internal/events/bus"
)

// Provide builds the event fabric carrying job, log and probe events to
// Xc subscribers. With nats.url configured the bus is backed by NATS so
// several servers can share one fabric; otherwise the in-memory bus keeps
// a single-binary deployment self-contained. The returned close function
// releases the underlying connection, if any.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}
	memBus := bus.NewMemoryEventBus(log)
	return memBus, func() error { return nil }, nil
}
