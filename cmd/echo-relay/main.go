package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eleven-am/voice-client/internal/echorelay"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
)

var (
	addr  string
	path  string
	token string
	ga    bool
	mute  bool
)

var rootCmd = &cobra.Command{
	Use:   "echo-relay",
	Short: "Local relay that answers every turn with an echo",
	Long: `echo-relay speaks the relay side of the voice protocol: it acknowledges the
socket, links a fake upstream, negotiates the session and answers each committed
utterance or text turn by echoing it back.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", ":9000", "listen address")
	rootCmd.Flags().StringVar(&path, "path", "/ws", "websocket path")
	rootCmd.Flags().StringVar(&token, "token", "", "require this bearer token")
	rootCmd.Flags().BoolVar(&ga, "ga", false, "use generally available event names")
	rootCmd.Flags().BoolVar(&mute, "no-echo", false, "negotiate sessions but never respond")
}

func serve(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	opts := echorelay.DefaultOptions()
	opts.Token = token
	opts.GA = ga
	opts.Echo = !mute
	relay := echorelay.New(opts, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET(path, echo.WrapHandler(relay))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": relay.Connections(),
		})
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("echo relay listening", "addr", addr, "path", path)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
