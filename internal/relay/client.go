package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024

	defaultDialTimeout = 10 * time.Second
	defaultSendBuffer  = 256
	defaultEventBuffer = 256
)

type EventType int

const (
	EventMessage EventType = iota
	EventClosed
)

type Event struct {
	Type EventType
	Link uint64
	Data []byte
	Err  error
}

type Config struct {
	URL         string
	TokenSource oauth2.TokenSource
	Header      http.Header
	DialTimeout time.Duration
	SendBuffer  int
	EventBuffer int
	PingPeriod  time.Duration
	PongWait    time.Duration
}

// Client owns the relay websocket. Each successful Open creates a new link;
// events from every link are delivered on a single channel tagged with the link id.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger
	events chan Event

	nextLink atomic.Uint64

	mu     sync.RWMutex
	link   *link
	closed bool
	done   chan struct{}
}

type link struct {
	id        uint64
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: relay url is required", shared.ErrConfiguration)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = pongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}

	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: logger.With("component", "relay"),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}, nil
}

func (c *Client) Events() <-chan Event {
	return c.events
}

// Open dials the relay and asks it to bring up its upstream hop. It is a no-op
// when a link is already open.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return shared.ErrClosed
	}
	if c.link != nil {
		return nil
	}

	header, err := c.header()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial %s: %v (status %d)", shared.ErrTransport, c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("%w: dial %s: %v", shared.ErrTransport, c.cfg.URL, err)
	}

	l := &link{
		id:   c.nextLink.Add(1),
		ws:   ws,
		send: make(chan []byte, c.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	c.link = l

	go c.writePump(l)
	go c.readPump(l)

	data, _ := json.Marshal(struct {
		Type transport.MessageType `json:"type"`
	}{Type: transport.MessageTypeConnect})
	l.send <- data

	c.logger.Info("relay link open", "link", l.id, "url", c.cfg.URL)
	return nil
}

func (c *Client) header() (http.Header, error) {
	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if c.cfg.TokenSource == nil {
		return header, nil
	}
	tok, err := c.cfg.TokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: relay token: %v", shared.ErrConfiguration, err)
	}
	header.Set("Authorization", tok.Type()+" "+tok.AccessToken)
	return header, nil
}

func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link != nil
}

func (c *Client) LinkID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return 0
	}
	return c.link.id
}

func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	l := c.link
	c.mu.RUnlock()

	if l == nil {
		return shared.ErrNotConnected
	}

	select {
	case <-l.done:
		return shared.ErrNotConnected
	default:
	}

	select {
	case l.send <- data:
		return nil
	case <-l.done:
		return shared.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) SendJSON(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal relay message: %w", err)
	}
	return c.Send(ctx, data)
}

// Close tears down the current link without emitting EventClosed. The client
// can be reopened afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	l := c.link
	c.link = nil
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	c.logger.Info("relay link closed", "link", l.id)
	return l.close(true)
}

// Shutdown closes the current link and stops event delivery for good.
func (c *Client) Shutdown() error {
	err := c.Close()
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
	return err
}

func (l *link) close(graceful bool) error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = l.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		err = l.ws.Close()
	})
	return err
}

// drop is called from the pumps on unexpected failure. It detaches the link
// and reports the closure once.
func (c *Client) drop(l *link, cause error) {
	c.mu.Lock()
	current := c.link == l
	if current {
		c.link = nil
	}
	c.mu.Unlock()

	_ = l.close(false)

	if !current {
		return
	}

	c.logger.Warn("relay link lost", "link", l.id, "error", cause)
	c.emit(Event{Type: EventClosed, Link: l.id, Err: fmt.Errorf("%w: %v", shared.ErrTransport, cause)})
}

func (c *Client) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) readPump(l *link) {
	l.ws.SetReadLimit(maxMessageSize)
	_ = l.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	l.ws.SetPongHandler(func(string) error {
		_ = l.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := l.ws.ReadMessage()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("relay closed the connection")
			}
			c.drop(l, err)
			return
		}

		select {
		case <-l.done:
			return
		default:
		}

		if !c.emit(Event{Type: EventMessage, Link: l.id, Data: message}) {
			return
		}
	}
}

func (c *Client) writePump(l *link) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case msg := <-l.send:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.drop(l, err)
				return
			}
		case <-ticker.C:
			_ = l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.drop(l, err)
				return
			}
		}
	}
}
