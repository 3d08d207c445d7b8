package voicesession

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second

	backoffFactor = 2.0
	jitterFactor  = 0.3
)

type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b Backoff) withDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialBackoff
	}
	if b.Max < b.Initial {
		b.Max = DefaultMaxBackoff
		if b.Max < b.Initial {
			b.Max = b.Initial
		}
	}
	return b
}

// KeepConnected connects the session and reconnects it whenever the relay
// transport drops, until ctx ends or the session is cleaned up. Frames captured
// while disconnected stay buffered and flush once the new link is ready. A link
// that drops before its session became ready counts as a failed attempt.
func (s *Session) KeepConnected(ctx context.Context, b Backoff) error {
	b = b.withDefaults()
	backoff := b.Initial

	for {
		if s.closed.Load() {
			return shared.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		readies := s.readies.Load()
		err := s.Connect(ctx)
		if errors.Is(err, shared.ErrClosed) {
			return err
		}

		if err == nil && s.Phase() != transport.PhaseDisconnected {
			err = s.phase.waitUntil(ctx, func(p transport.Phase) bool {
				return p == transport.PhaseDisconnected
			})
			if err != nil {
				return err
			}
			if s.readies.Load() != readies {
				backoff = b.Initial
				continue
			}
			err = errors.New("relay link dropped before the session was ready")
		}

		sleep := jitter(backoff)
		s.log.Info("retrying relay connect", "delay", sleep, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.quit:
			return shared.ErrClosed
		case <-time.After(sleep):
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > b.Max {
			backoff = b.Max
		}
	}
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(float64(d) * jitterFactor * (rand.Float64()*2 - 1))
	if d+delta <= 0 {
		return d
	}
	return d + delta
}
