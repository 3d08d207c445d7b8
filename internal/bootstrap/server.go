package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
)

var defaultCORSConfig = middleware.CORSConfig{
	AllowOrigins: []string{"*"},
	AllowMethods: []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
	},
	AllowHeaders: []string{
		"Accept",
		"Content-Type",
	},
	MaxAge: 86400,
}

func NewEchoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(defaultCORSConfig))
	return e
}

// StartServer serves the status endpoints. An empty STATUS_ADDR disables them.
func StartServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, logger *slog.Logger) {
	if cfg.StatusAddr == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("status server starting", "addr", cfg.StatusAddr)
				if err := e.Start(cfg.StatusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("status server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.Shutdown(ctx)
		},
	})
}

var ServerModule = fx.Options(
	fx.Provide(NewEchoServer),
	fx.Invoke(StartServer),
)

// Options assembles the long-running client: one voice session plus its
// status, metrics and gRPC health surfaces.
func Options(cfg *Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		InfrastructureModule,
		VoiceModule,
		ServerModule,
		HealthModule,
		GRPCModule,
	)
}

func Run(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	app := fx.New(Options(cfg), fx.NopLogger)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}
