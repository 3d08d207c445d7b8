package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/voice-client/internal/events"
	"github.com/eleven-am/voice-client/internal/relay"
	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/eleven-am/voice-client/internal/upstream"
	"github.com/eleven-am/voice-client/internal/voicesession"
	"golang.org/x/oauth2"
)

type Config struct {
	RelayURL   string
	RelayToken string
	Adapter    string

	InputSampleRate    int
	OutputSampleRate   int
	CaptureSampleRate  int
	PlaybackSampleRate int

	Modalities         []string
	Voice              string
	Instructions       string
	TranscriptionModel string
	ServerVAD          bool
	InterruptOnSpeech  bool

	SettleDelay        time.Duration
	SessionWaitTimeout time.Duration
	FlushTimeout       time.Duration
	FlushPacing        time.Duration

	StatusAddr string
	GRPCAddr   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	OutputDir    string
	CaptureStdin bool

	LogLevel string
}

func LoadConfig() *Config {
	return &Config{
		RelayURL:   getEnv("RELAY_URL", ""),
		RelayToken: getEnv("RELAY_TOKEN", ""),
		Adapter:    getEnv("UPSTREAM_ADAPTER", upstream.BetaName),

		InputSampleRate:    getEnvInt("INPUT_SAMPLE_RATE", voicesession.DefaultSampleRate),
		OutputSampleRate:   getEnvInt("OUTPUT_SAMPLE_RATE", voicesession.DefaultSampleRate),
		CaptureSampleRate:  getEnvInt("CAPTURE_SAMPLE_RATE", 0),
		PlaybackSampleRate: getEnvInt("PLAYBACK_SAMPLE_RATE", 0),

		Modalities:         parseList(getEnv("RESPONSE_MODALITIES", "text,audio")),
		Voice:              getEnv("VOICE", ""),
		Instructions:       getEnv("INSTRUCTIONS", ""),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", ""),
		ServerVAD:          getEnv("SERVER_VAD", "false") == "true",
		InterruptOnSpeech:  getEnv("INTERRUPT_ON_SPEECH", "true") == "true",

		SettleDelay:        getEnvDuration("SETTLE_DELAY", voicesession.DefaultSettleDelay),
		SessionWaitTimeout: getEnvDuration("SESSION_WAIT_TIMEOUT", voicesession.DefaultSessionWaitTimeout),
		FlushTimeout:       getEnvDuration("FLUSH_TIMEOUT", voicesession.DefaultFlushTimeout),
		FlushPacing:        getEnvDuration("FLUSH_PACING", 5*time.Millisecond),

		StatusAddr: getEnv("STATUS_ADDR", ":8090"),
		GRPCAddr:   getEnv("GRPC_ADDR", ":50061"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		EventsChannel: getEnv("EVENTS_CHANNEL", events.DefaultChannel),

		OutputDir:    getEnv("OUTPUT_DIR", ""),
		CaptureStdin: getEnv("CAPTURE_STDIN", "false") == "true",

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("%w: RELAY_URL is required", shared.ErrConfiguration)
	}
	if !strings.HasPrefix(c.RelayURL, "ws://") && !strings.HasPrefix(c.RelayURL, "wss://") {
		return fmt.Errorf("%w: RELAY_URL must be a ws:// or wss:// url", shared.ErrConfiguration)
	}
	if _, err := upstream.New(c.Adapter); err != nil {
		return err
	}
	if c.InputSampleRate <= 0 || c.OutputSampleRate <= 0 {
		return fmt.Errorf("%w: sample rates must be positive", shared.ErrConfiguration)
	}
	if len(c.Modalities) == 0 {
		return fmt.Errorf("%w: RESPONSE_MODALITIES must name at least one modality", shared.ErrConfiguration)
	}
	return nil
}

// VoiceConfig maps the environment onto the session configuration.
func (c *Config) VoiceConfig() voicesession.Config {
	relayCfg := relay.Config{URL: c.RelayURL}
	if c.RelayToken != "" {
		relayCfg.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: c.RelayToken,
			TokenType:   "Bearer",
		})
	}

	return voicesession.Config{
		Relay:   relayCfg,
		Adapter: c.Adapter,
		Session: upstream.SessionConfig{
			Modalities:         c.Modalities,
			InputFormat:        transport.PCM16Mono(c.InputSampleRate),
			OutputFormat:       transport.PCM16Mono(c.OutputSampleRate),
			Voice:              c.Voice,
			Instructions:       c.Instructions,
			TranscriptionModel: c.TranscriptionModel,
			ServerVAD:          c.ServerVAD,
		},
		CaptureSampleRate:  c.CaptureSampleRate,
		PlaybackSampleRate: c.PlaybackSampleRate,
		SettleDelay:        c.SettleDelay,
		SessionWaitTimeout: c.SessionWaitTimeout,
		FlushTimeout:       c.FlushTimeout,
		FlushPacing:        c.FlushPacing,
		InterruptOnSpeech:  c.InterruptOnSpeech,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("300ms") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func parseList(envValue string) []string {
	var out []string
	for _, item := range strings.Split(envValue, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
