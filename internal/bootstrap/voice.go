package bootstrap

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/eleven-am/voice-client/internal/audio"
	"github.com/eleven-am/voice-client/internal/events"
	"github.com/eleven-am/voice-client/internal/metrics"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/eleven-am/voice-client/internal/voicesession"
	"go.uber.org/fx"
	grpchealth "google.golang.org/grpc/health"
)

const captureFrame = 20 * time.Millisecond

// Observers fans session callbacks out to the log, the event channel and the
// gRPC health service, then to Next. Publisher and Health are optional.
type Observers struct {
	Logger    *slog.Logger
	Publisher *events.Publisher
	Health    *grpchealth.Server
	Next      voicesession.Callbacks
}

func (o Observers) Callbacks(sessionID func() string) voicesession.Callbacks {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publish := func(ev events.Event) {
		if o.Publisher == nil {
			return
		}
		ev.SessionID = sessionID()
		o.Publisher.Publish(ev)
	}

	return voicesession.Callbacks{
		OnTranscript: func(text string, final bool) {
			if final {
				logger.Info("transcript", "text", text)
			}
			publish(events.Event{Type: events.TypeTranscript, Text: text, Final: final})
			if o.Next.OnTranscript != nil {
				o.Next.OnTranscript(text, final)
			}
		},
		OnResponse: func(text string) {
			logger.Info("response", "text", text)
			publish(events.Event{Type: events.TypeResponse, Text: text})
			if o.Next.OnResponse != nil {
				o.Next.OnResponse(text)
			}
		},
		OnResponseDone: func() {
			if o.Next.OnResponseDone != nil {
				o.Next.OnResponseDone()
			}
		},
		OnError: func(message string) {
			logger.Error("session error", "message", message)
			publish(events.Event{Type: events.TypeError, Text: message})
			if o.Next.OnError != nil {
				o.Next.OnError(message)
			}
		},
		OnPhase: func(phase transport.Phase) {
			logger.Info("phase changed", "phase", phase.String())
			if o.Health != nil {
				o.Health.SetServingStatus(SessionService, servingStatus(phase))
			}
			publish(events.Event{Type: events.TypePhase, Phase: phase.String()})
			if o.Next.OnPhase != nil {
				o.Next.OnPhase(phase)
			}
		},
	}
}

// NewVoiceSession builds a session from the environment configuration.
func NewVoiceSession(cfg *Config, deps voicesession.Dependencies, obs Observers, logger *slog.Logger) (*voicesession.Session, error) {
	var session *voicesession.Session
	deps.Callbacks = obs.Callbacks(func() string {
		if session == nil {
			return ""
		}
		return session.ID()
	})

	s, err := voicesession.New(cfg.VoiceConfig(), deps, logger)
	if err != nil {
		return nil, err
	}
	session = s
	return s, nil
}

// ProvideSink writes replies under OUTPUT_DIR, or discards them when unset.
func ProvideSink(cfg *Config) (transport.AudioSink, error) {
	if cfg.OutputDir == "" {
		return nil, nil
	}
	return audio.NewFileSink(cfg.OutputDir, "reply", true)
}

// ProvideCaptureSource reads raw PCM16 from stdin when CAPTURE_STDIN is set,
// e.g. piped from a recorder process.
func ProvideCaptureSource(cfg *Config) *audio.ReaderSource {
	if !cfg.CaptureStdin {
		return nil
	}
	rate := cfg.CaptureSampleRate
	if rate <= 0 {
		rate = cfg.InputSampleRate
	}
	return audio.NewReaderSource(os.Stdin, transport.PCM16Mono(rate), captureFrame, false)
}

type voiceSessionParams struct {
	fx.In

	Config    *Config
	Sink      transport.AudioSink
	Capture   *audio.ReaderSource
	Publisher *events.Publisher
	Health    *grpchealth.Server
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func ProvideVoiceSession(p voiceSessionParams) (*voicesession.Session, error) {
	deps := voicesession.Dependencies{
		Sink:     p.Sink,
		Recorder: p.Metrics,
	}
	if p.Capture != nil {
		src := p.Capture
		deps.NewCapture = func() (transport.CaptureSource, error) { return src, nil }
	}
	obs := Observers{Logger: p.Logger, Publisher: p.Publisher, Health: p.Health}
	return NewVoiceSession(p.Config, deps, obs, p.Logger)
}

func StartVoiceSession(lc fx.Lifecycle, session *voicesession.Session, capture *audio.ReaderSource, logger *slog.Logger) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				if err := session.KeepConnected(ctx, voicesession.Backoff{}); err != nil {
					logger.Info("relay supervisor stopped", "error", err)
				}
			}()
			if capture != nil {
				go recordUtterance(ctx, session, capture, logger)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			session.Cleanup()
			return nil
		},
	})
}

// recordUtterance streams the capture source as one utterance and commits it
// when the source runs dry.
func recordUtterance(ctx context.Context, session *voicesession.Session, src *audio.ReaderSource, logger *slog.Logger) {
	session.WaitForSession(ctx)
	if err := session.StartRecording(ctx); err != nil {
		logger.Error("start recording", "error", err)
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-src.Done():
	}
	if err := src.Err(); err != nil {
		logger.Warn("capture ended with error", "error", err)
	}
	if err := session.StopRecording(ctx); err != nil {
		logger.Error("stop recording", "error", err)
	}
}

var VoiceModule = fx.Options(
	fx.Provide(
		ProvideSink,
		ProvideCaptureSource,
		ProvideVoiceSession,
	),
	fx.Invoke(StartVoiceSession),
)
