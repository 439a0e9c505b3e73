package bridge

import (
	"fmt"
	"log/slog"

	"github.com/manpreetbhatti/planroom/internal/config"
	"github.com/manpreetbhatti/planroom/internal/metrics"
)

// Open builds the bridge selected by cfg.Driver. A remote backend that
// cannot be reached at startup is logged and the server runs local-only.
func Open(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Fallback {
	var remote Bridge
	var err error

	switch cfg.Bridge.Driver {
	case "redis":
		remote, err = NewRedis(RedisOptions{
			Addr:     cfg.Bridge.Redis.Addr,
			Password: cfg.Bridge.Redis.Password,
			DB:       cfg.Bridge.Redis.DB,
			URL:      cfg.Bridge.Redis.URL,
		}, logger)
	case "nats":
		remote, err = NewNATS(cfg.Bridge.NATS.URL, logger)
	case "memory", "":
	default:
		err = fmt.Errorf("unknown bridge driver %q", cfg.Bridge.Driver)
	}

	if err != nil {
		logger.Warn("fan-out bridge unavailable, running single-process",
			"driver", cfg.Bridge.Driver, "error", err)
		remote = nil
	} else if remote != nil {
		logger.Info("fan-out bridge connected", "driver", cfg.Bridge.Driver)
	}
	return NewFallback(remote, logger, m)
}
