package outbound

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"golang.org/x/time/rate"
)

const defaultPacing = 5 * time.Millisecond

type Stats struct {
	Buffered int
	Sent     uint64
	Ready    bool
}

type Config struct {
	// Pacing is the minimum gap between frames while a backlog is flushed.
	Pacing time.Duration
	// OnSent fires after each successful transmission, on the worker goroutine.
	OnSent func(frame transport.Frame)
}

// Queue holds captured frames until the session is ready and then transmits
// them strictly in capture order through a single worker.
type Queue struct {
	sender  transport.Sender
	log     *slog.Logger
	limiter *rate.Limiter
	onSent  func(transport.Frame)

	mu       sync.Mutex
	pending  []transport.Frame
	ready    bool
	flushing bool
	inflight bool
	sent     uint64
	idle     chan struct{}

	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(sender transport.Sender, cfg Config, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	pacing := cfg.Pacing
	if pacing <= 0 {
		pacing = defaultPacing
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender:  sender,
		log:     log.With("component", "outbound_queue"),
		limiter: rate.NewLimiter(rate.Every(pacing), 1),
		onSent:  cfg.OnSent,
		idle:    closedChan(),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	q.wg.Add(1)
	go q.run()
	return q
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Enqueue never blocks and never drops.
func (q *Queue) Enqueue(frame transport.Frame) {
	q.mu.Lock()
	q.pending = append(q.pending, frame)
	q.markBusy()
	ready := q.ready
	q.mu.Unlock()

	if ready {
		q.signal()
	}
}

func (q *Queue) NotifyReady() {
	q.mu.Lock()
	q.ready = true
	if len(q.pending) > 0 {
		q.flushing = true
		q.markBusy()
	}
	q.mu.Unlock()
	q.signal()
}

// NotifyNotReady reverts to buffering. Frames already handed to the sender are
// not retransmitted.
func (q *Queue) NotifyNotReady() {
	q.mu.Lock()
	q.ready = false
	q.flushing = false
	if !q.inflight {
		q.markIdleLocked()
	}
	q.mu.Unlock()
}

func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Buffered: len(q.pending), Sent: q.sent, Ready: q.ready}
}

// Clear discards every buffered frame and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.flushing = false
	q.markIdleLocked()
	q.mu.Unlock()
	return n
}

// WaitIdle blocks until nothing transmittable is left: either the buffer is
// empty and no send is in flight, or the queue is not ready.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if !q.inflight && (len(q.pending) == 0 || !q.ready) {
			q.mu.Unlock()
			return nil
		}
		idle := q.idle
		q.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
		q.Clear()
	})
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) markBusy() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

func (q *Queue) markIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.drain()
		}
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if !q.ready || len(q.pending) == 0 {
			q.flushing = false
			q.inflight = false
			q.markIdleLocked()
			q.mu.Unlock()
			return
		}
		frame := q.pending[0]
		pace := q.flushing
		q.inflight = true
		q.mu.Unlock()

		if pace {
			if err := q.limiter.Wait(q.ctx); err != nil {
				q.finishInflight()
				return
			}
		}

		err := q.sender.SendFrame(q.ctx, frame)

		q.mu.Lock()
		q.inflight = false
		if err != nil {
			q.ready = false
			q.flushing = false
			q.markIdleLocked()
			q.mu.Unlock()
			if errors.Is(err, shared.ErrNotConnected) || errors.Is(err, context.Canceled) {
				q.log.Warn("drain aborted, frames stay buffered", "seq", frame.Seq, "buffered", q.Len())
			} else {
				q.log.Error("frame send failed, frames stay buffered", "seq", frame.Seq, "error", err)
			}
			return
		}
		if len(q.pending) > 0 && q.pending[0].Seq == frame.Seq {
			q.pending = q.pending[1:]
		}
		q.sent++
		q.mu.Unlock()

		if q.onSent != nil {
			q.onSent(frame)
		}
	}
}

func (q *Queue) finishInflight() {
	q.mu.Lock()
	q.inflight = false
	q.markIdleLocked()
	q.mu.Unlock()
}
