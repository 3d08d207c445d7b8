package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/voice-client/internal/audio"
	"github.com/eleven-am/voice-client/internal/bootstrap"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/eleven-am/voice-client/internal/voicesession"
)

var errNothingSent = errors.New("no audio reached the relay, nothing to answer")

const (
	captureFrame = 20 * time.Millisecond
	replyTimeout = 60 * time.Second
)

// turn collects what one exchange produced and signals when the reply is over.
type turn struct {
	out io.Writer

	mu       sync.Mutex
	err      error
	finished bool
	done     chan struct{}
}

func newTurn(out io.Writer) *turn {
	return &turn{out: out, done: make(chan struct{})}
}

func (t *turn) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.err = err
	close(t.done)
}

func (t *turn) callbacks() voicesession.Callbacks {
	return voicesession.Callbacks{
		OnTranscript: func(text string, final bool) {
			if final {
				fmt.Fprintf(t.out, "you: %s\n", text)
			}
		},
		OnResponse: func(text string) {
			fmt.Fprint(t.out, text)
		},
		OnResponseDone: func() {
			fmt.Fprintln(t.out)
			t.finish(nil)
		},
		OnError: func(message string) {
			t.finish(errors.New(message))
		},
	}
}

// turn doubles as the session recorder so an utterance that never reached the
// relay ends the wait instead of timing out.
func (t *turn) Commit(sent bool) {
	if !sent {
		t.finish(errNothingSent)
	}
}

func (t *turn) Phase(transport.Phase) {}
func (t *turn) FrameSent(int)         {}
func (t *turn) ChunkReceived()        {}
func (t *turn) UpstreamError(bool)    {}
func (t *turn) BargeIn()              {}

// wait blocks until the reply is complete, then until its audio has played.
func (t *turn) wait(ctx context.Context, session *voicesession.Session) error {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	select {
	case <-t.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for reply: %w", ctx.Err())
	}

	t.mu.Lock()
	err := t.err
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return session.WaitPlayback(ctx)
}

// loadUtterance reads a WAV file, or raw mono PCM16 at defaultRate for any
// other extension.
func loadUtterance(path string, defaultRate int) ([]byte, transport.AudioFormat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, transport.AudioFormat{}, err
	}

	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return data, transport.PCM16Mono(defaultRate), nil
	}

	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, transport.AudioFormat{}, err
	}
	if format.Channels != 1 || format.BitsPerSample != 16 {
		return nil, transport.AudioFormat{}, fmt.Errorf("%s: need mono 16-bit PCM, got %d channels at %d bits", path, format.Channels, format.BitsPerSample)
	}
	return pcm, format, nil
}

func openSession(cfg *bootstrap.Config, deps voicesession.Dependencies, t *turn) (*voicesession.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := bootstrap.NewLogger(os.Stderr, cfg.LogLevel)

	sink, err := audio.NewFileSink(outputDir, "reply", false)
	if err != nil {
		return nil, err
	}
	deps.Sink = sink
	deps.Recorder = t

	obs := bootstrap.Observers{Logger: logger, Next: t.callbacks()}
	return bootstrap.NewVoiceSession(cfg, deps, obs, logger)
}

func runStream(ctx context.Context, cfg *bootstrap.Config, path string) error {
	defaultRate := rate
	if defaultRate <= 0 {
		defaultRate = cfg.InputSampleRate
	}
	pcm, format, err := loadUtterance(path, defaultRate)
	if err != nil {
		return err
	}
	cfg.CaptureSampleRate = format.SampleRate

	src := audio.NewReaderSource(bytes.NewReader(pcm), format, captureFrame, realtime)
	t := newTurn(os.Stdout)
	session, err := openSession(cfg, voicesession.Dependencies{
		NewCapture: func() (transport.CaptureSource, error) { return src, nil },
	}, t)
	if err != nil {
		return err
	}
	defer session.Cleanup()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	session.WaitForSession(ctx)
	if err := session.StartRecording(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-src.Done():
	}
	if err := src.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := session.StopRecording(ctx); err != nil {
		return err
	}
	return t.wait(ctx, session)
}

func runSay(ctx context.Context, cfg *bootstrap.Config, text string) error {
	t := newTurn(os.Stdout)
	session, err := openSession(cfg, voicesession.Dependencies{}, t)
	if err != nil {
		return err
	}
	defer session.Cleanup()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := session.SendText(ctx, text); err != nil {
		return err
	}
	return t.wait(ctx, session)
}
