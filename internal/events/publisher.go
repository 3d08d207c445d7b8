package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "voice-client:events"

	defaultBuffer  = 256
	publishTimeout = 2 * time.Second
)

type Type string

const (
	TypeTranscript Type = "transcript"
	TypeResponse   Type = "response"
	TypeError      Type = "error"
	TypePhase      Type = "phase"
)

type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher fans session events out over a Redis channel. Publish never blocks
// the caller; events are written by a background worker.
type Publisher struct {
	redis   *redis.Client
	channel string
	logger  *slog.Logger

	queue  chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
	closed  bool
}

func NewPublisher(redisClient *redis.Client, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		redis:   redisClient,
		channel: channel,
		logger:  logger.With("component", "events"),
		queue:   make(chan Event, defaultBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) Channel() string {
	return p.channel
}

func (p *Publisher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.dropped++
		p.logger.Warn("event queue full, dropping event", "type", ev.Type, "dropped", p.dropped)
	}
}

func (p *Publisher) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.drain()
			return
		case ev := <-p.queue:
			p.send(ev)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		default:
			return
		}
	}
}

func (p *Publisher) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshal event", "error", err, "type", ev.Type)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.redis.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Error("publish event", "error", err, "type", ev.Type, "channel", p.channel)
		return
	}
	p.logger.Debug("published event", "type", ev.Type, "session_id", ev.SessionID)
}

// Subscribe delivers events from the channel to fn until ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context, fn func(Event)) error {
	pubsub := p.redis.Subscribe(ctx, p.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn("unmarshal event", "error", err)
				continue
			}
			fn(ev)
		}
	}
}

// Close flushes queued events and stops the worker.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return nil
}
