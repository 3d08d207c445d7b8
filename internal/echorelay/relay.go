package echorelay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	// AutoAck sends "connected" as soon as the socket is upgraded.
	AutoAck bool
	// AutoLink answers "connect" with connection_status true.
	AutoLink bool
	// AutoSession answers session.update with session.created/updated.
	AutoSession bool
	// Echo answers committed audio and user text with a synthetic response.
	Echo bool
	// GA selects the generally available event names for responses.
	GA bool
	// ChunkBytes caps the size of each echoed audio delta.
	ChunkBytes int
	// Token, when set, is required as a bearer token.
	Token string
}

func DefaultOptions() Options {
	return Options{AutoAck: true, AutoLink: true, AutoSession: true, Echo: true, ChunkBytes: 4800}
}

type Received struct {
	Type string
	Raw  []byte
}

// Relay emulates the voice relay and the upstream realtime service behind it.
type Relay struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	conns    []*session
	received []Received
	notify   chan struct{}
}

type session struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	sessionID string
	appended  []byte
	committed []byte
	userText  string
}

func New(opts Options, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 4800
	}
	return &Relay{
		opts:   opts,
		logger: logger.With("component", "echo_relay"),
		notify: make(chan struct{}),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.opts.Token != "" && req.Header.Get("Authorization") != "Bearer "+r.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &session{ws: ws, sessionID: shared.NewID("sess_")}
	r.mu.Lock()
	r.conns = append(r.conns, s)
	r.mu.Unlock()

	r.logger.Info("client connected", "session_id", s.sessionID)

	if r.opts.AutoAck {
		_ = s.write(map[string]any{"type": "connected"})
	}

	r.serve(s)
	r.logger.Info("client disconnected", "session_id", s.sessionID)
}

func (r *Relay) serve(s *session) {
	defer s.ws.Close()

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Type  string `json:"type"`
			Audio string `json:"audio"`
			Item  struct {
				Content []struct {
					Text string `json:"text"`
				} `json:"content"`
			} `json:"item"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Warn("failed to unmarshal message", "error", err)
			continue
		}

		r.record(Received{Type: msg.Type, Raw: data})

		switch msg.Type {
		case "connect":
			if r.opts.AutoLink {
				_ = s.write(map[string]any{"type": "connection_status", "connected": true})
			}
		case "session.update":
			if r.opts.AutoSession {
				_ = s.write(map[string]any{"type": "session.created", "session": map[string]any{"id": s.sessionID}})
				_ = s.write(map[string]any{"type": "session.updated", "session": map[string]any{"id": s.sessionID}})
			}
		case "input_audio_buffer.append":
			pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				_ = s.writeError("invalid_value", "Invalid 'audio'. Expected base64-encoded audio bytes")
				continue
			}
			s.appended = append(s.appended, pcm...)
		case "input_audio_buffer.commit":
			r.commit(s)
		case "conversation.item.create":
			for _, c := range msg.Item.Content {
				s.userText += c.Text
			}
		case "response.create":
			if r.opts.Echo {
				r.respond(s)
			}
		}
	}
}

func (r *Relay) commit(s *session) {
	if len(s.appended) == 0 {
		_ = s.writeError("input_audio_buffer_commit_empty", "Error committing input audio buffer: buffer too small. Expected at least 100ms of audio, but buffer only has 0.00ms of audio.")
		return
	}
	s.committed = s.appended
	s.appended = nil
	_ = s.write(map[string]any{"type": "input_audio_buffer.committed"})
	if r.opts.Echo {
		_ = s.write(map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": fmt.Sprintf("%d bytes of audio", len(s.committed)),
		})
	}
}

func (r *Relay) respond(s *session) {
	textType, audioType := "response.audio_transcript.delta", "response.audio.delta"
	if r.opts.GA {
		textType, audioType = "response.output_audio_transcript.delta", "response.output_audio.delta"
	}

	_ = s.write(map[string]any{"type": "response.created"})

	switch {
	case s.userText != "":
		_ = s.write(map[string]any{"type": textType, "delta": "You said: " + s.userText})
		s.userText = ""
	case len(s.committed) > 0:
		_ = s.write(map[string]any{"type": textType, "delta": "Echoing your audio"})
		for off := 0; off < len(s.committed); off += r.opts.ChunkBytes {
			end := min(off+r.opts.ChunkBytes, len(s.committed))
			_ = s.write(map[string]any{
				"type":  audioType,
				"delta": base64.StdEncoding.EncodeToString(s.committed[off:end]),
			})
		}
		s.committed = nil
	}

	_ = s.write(map[string]any{"type": "response.done", "response": map[string]any{"status": "completed"}})
}

func (s *session) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *session) writeError(code, message string) error {
	return s.write(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    "invalid_request_error",
			"code":    code,
			"message": message,
		},
	})
}

func (r *Relay) record(m Received) {
	r.mu.Lock()
	r.received = append(r.received, m)
	close(r.notify)
	r.notify = make(chan struct{})
	r.mu.Unlock()
}

// Received returns every client message seen so far, in arrival order.
func (r *Relay) Received() []Received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Received(nil), r.received...)
}

func (r *Relay) Count(msgType string) int {
	n := 0
	for _, m := range r.Received() {
		if m.Type == msgType {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n messages of msgType arrived or the timeout passes.
func (r *Relay) WaitFor(msgType string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		count := 0
		for _, m := range r.received {
			if m.Type == msgType {
				count++
			}
		}
		notify := r.notify
		r.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-notify:
		case <-deadline.C:
			return false
		}
	}
}

// Push sends a raw server message to the most recent client.
func (r *Relay) Push(msg any) error {
	s := r.latest()
	if s == nil {
		return fmt.Errorf("no client connected")
	}
	return s.write(msg)
}

// Drop abruptly closes the most recent client connection.
func (r *Relay) Drop() {
	if s := r.latest(); s != nil {
		_ = s.ws.Close()
	}
}

func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Relay) latest() *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}
