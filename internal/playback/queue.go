package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/voice-client/internal/transport"
)

// Decoder turns one raw response chunk into a clip the sink can play.
type Decoder func(chunk []byte) ([]byte, error)

type Callbacks struct {
	OnStart   func()
	OnDrained func()
	OnError   func(err error)
}

// Queue plays response audio chunks strictly one at a time in arrival order.
type Queue struct {
	sink   transport.AudioSink
	decode Decoder
	log    *slog.Logger

	mu         sync.Mutex
	queue      [][]byte
	ctx        context.Context
	cancel     context.CancelFunc
	playing    bool
	started    bool
	generation uint64
	played     uint64
	drained    chan struct{}
	// busy is closed when the sink returns from the last Play call. A
	// cleared clip may still be playing when the next worker starts.
	busy      chan struct{}
	callbacks Callbacks
}

func New(sink transport.AudioSink, decode Decoder, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if decode == nil {
		decode = func(chunk []byte) ([]byte, error) { return chunk, nil }
	}
	drained := make(chan struct{})
	close(drained)
	busy := make(chan struct{})
	close(busy)
	return &Queue{
		sink:    sink,
		decode:  decode,
		log:     log.With("component", "playback_queue"),
		queue:   make([][]byte, 0),
		drained: drained,
		busy:    busy,
	}
}

func (q *Queue) SetCallbacks(cb Callbacks) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callbacks = cb
}

func (q *Queue) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	q.mu.Lock()
	wasIdle := len(q.queue) == 0 && !q.playing && !q.started
	q.queue = append(q.queue, chunk)

	var gen uint64
	if wasIdle {
		q.ctx, q.cancel = context.WithCancel(context.Background())
		q.started = true
		q.drained = make(chan struct{})
		gen = q.generation
	}
	q.mu.Unlock()

	if wasIdle {
		go q.processQueue(gen)
	}
}

func (q *Queue) processQueue(gen uint64) {
	q.mu.Lock()
	onStart := q.callbacks.OnStart
	q.mu.Unlock()

	if onStart != nil {
		onStart()
	}

	for {
		q.mu.Lock()
		if gen != q.generation {
			q.mu.Unlock()
			return
		}
		if len(q.queue) == 0 {
			q.finishLocked()
			onDrained := q.callbacks.OnDrained
			q.mu.Unlock()

			if onDrained != nil {
				onDrained()
			}
			return
		}

		chunk := q.queue[0]
		q.queue = q.queue[1:]
		q.playing = true
		ctx := q.ctx
		onError := q.callbacks.OnError
		q.mu.Unlock()

		clip, err := q.decode(chunk)
		if err != nil {
			q.log.Warn("dropping undecodable chunk", "bytes", len(chunk), "error", err)
			if onError != nil {
				onError(err)
			}
			q.donePlaying(gen)
			continue
		}

		q.mu.Lock()
		prev := q.busy
		done := make(chan struct{})
		q.busy = done
		q.mu.Unlock()

		<-prev
		if ctx.Err() != nil {
			close(done)
			return
		}

		err = q.sink.Play(ctx, clip)
		close(done)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("playback failed", "error", err)
			if onError != nil {
				onError(err)
			}
		}

		if ctx.Err() != nil {
			return
		}
		q.donePlaying(gen)
	}
}

func (q *Queue) donePlaying(gen uint64) {
	q.mu.Lock()
	if gen == q.generation {
		q.playing = false
		q.played++
	}
	q.mu.Unlock()
}

func (q *Queue) finishLocked() {
	q.playing = false
	q.started = false
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
}

// Clear drops every pending chunk and interrupts the clip in progress.
func (q *Queue) Clear() int {
	q.mu.Lock()
	wasStarted := q.started
	n := len(q.queue)
	q.queue = nil
	q.generation++
	q.finishLocked()
	onDrained := q.callbacks.OnDrained
	q.mu.Unlock()

	if wasStarted && onDrained != nil {
		onDrained()
	}
	return n
}

func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.playing && !q.started && len(q.queue) == 0
}

func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.queue)
	if q.playing {
		n++
	}
	return n
}

func (q *Queue) Played() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played
}

func (q *Queue) WaitDrained(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
