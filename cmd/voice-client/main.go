package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/eleven-am/voice-client/internal/bootstrap"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	relayURL  string
	adapter   string
	outputDir string
	rate      int
	realtime  bool
)

var rootCmd = &cobra.Command{
	Use:   "voice-client",
	Short: "Realtime voice client for a speech relay",
	Long: `voice-client streams microphone-style PCM to a relay that fronts a realtime
speech service and plays the spoken replies. Configuration comes from the
environment (RELAY_URL, UPSTREAM_ADAPTER, ...); flags override it.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Hold a session open with status, metrics and gRPC health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bootstrap.Run(loadConfig())
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream [audio-file]",
	Short: "Send a WAV or raw PCM16 file as one utterance and save the replies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStream(cmd.Context(), loadConfig(), args[0])
	},
}

var sayCmd = &cobra.Command{
	Use:   "say [text]",
	Short: "Send a text turn and save the spoken reply",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSay(cmd.Context(), loadConfig(), args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("voice-client v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay websocket url (overrides RELAY_URL)")
	rootCmd.PersistentFlags().StringVar(&adapter, "adapter", "", "upstream dialect (overrides UPSTREAM_ADAPTER)")

	for _, cmd := range []*cobra.Command{streamCmd, sayCmd} {
		cmd.Flags().StringVarP(&outputDir, "out", "o", "replies", "directory reply clips are written to")
	}
	streamCmd.Flags().IntVar(&rate, "rate", 0, "sample rate of a raw PCM16 input file (default INPUT_SAMPLE_RATE)")
	streamCmd.Flags().BoolVar(&realtime, "realtime", true, "pace the file like a live microphone")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(sayCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() *bootstrap.Config {
	cfg := bootstrap.LoadConfig()
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	if adapter != "" {
		cfg.Adapter = adapter
	}
	return cfg
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
