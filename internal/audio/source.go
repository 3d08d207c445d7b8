package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/eleven-am/voice-client/internal/transport"
)

var ErrSourceRunning = errors.New("capture source already running")

// ReaderSource replays PCM from a reader as fixed-size frames. With Realtime set,
// frames are emitted at the pace a microphone would produce them.
type ReaderSource struct {
	r          io.Reader
	format     transport.AudioFormat
	frameDur   time.Duration
	frameBytes int
	realtime   bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewReaderSource(r io.Reader, format transport.AudioFormat, frameDur time.Duration, realtime bool) *ReaderSource {
	if frameDur <= 0 {
		frameDur = 20 * time.Millisecond
	}
	return &ReaderSource{
		r:          r,
		format:     format,
		frameDur:   frameDur,
		frameBytes: format.FrameBytes(frameDur),
		realtime:   realtime,
		done:       make(chan struct{}),
	}
}

func (s *ReaderSource) Format() transport.AudioFormat {
	return s.format
}

func (s *ReaderSource) Start(ctx context.Context, onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSourceRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(ctx, onFrame)
	return nil
}

func (s *ReaderSource) run(ctx context.Context, onFrame func([]byte)) {
	defer close(s.done)

	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(s.frameDur)
		defer ticker.Stop()
	}

	for {
		buf := make([]byte, s.frameBytes)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			if ticker != nil {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			} else if ctx.Err() != nil {
				return
			}
			onFrame(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.mu.Lock()
				s.err = err
				s.mu.Unlock()
			}
			return
		}
	}
}

// Done is closed once the reader is exhausted or the source is stopped.
func (s *ReaderSource) Done() <-chan struct{} {
	return s.done
}

func (s *ReaderSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ReaderSource) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-s.done
	return nil
}
