package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/eleven-am/voice-client/internal/events"
	"github.com/eleven-am/voice-client/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func ProvideLogger(cfg *Config) *slog.Logger {
	return NewLogger(os.Stdout, cfg.LogLevel)
}

func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	}))
}

// ProvideRedisClient returns nil when no REDIS_ADDR is configured; event
// fan-out is then disabled.
func ProvideRedisClient(lc fx.Lifecycle, cfg *Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvidePublisher(lc fx.Lifecycle, client *redis.Client, cfg *Config, logger *slog.Logger) *events.Publisher {
	if client == nil {
		return nil
	}
	pub := events.NewPublisher(client, cfg.EventsChannel, logger)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pub.Close()
		},
	})
	return pub
}

func ProvideMetrics() *metrics.Metrics {
	return metrics.NewMetrics()
}

var InfrastructureModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideRedisClient,
		ProvidePublisher,
		ProvideMetrics,
	),
)
