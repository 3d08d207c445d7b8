package upstream

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
)

// ErrBadAudio marks a response audio chunk whose payload could not be decoded.
var ErrBadAudio = errors.New("bad audio payload")

type EventKind int

const (
	KindUnknown EventKind = iota
	KindIgnored
	KindSessionNegotiated
	KindTranscript
	KindResponseText
	KindResponseAudio
	KindSpeechStarted
	KindResponseDone
	KindError
)

var kindNames = map[EventKind]string{
	KindUnknown:           "unknown",
	KindIgnored:           "ignored",
	KindSessionNegotiated: "session_negotiated",
	KindTranscript:        "transcript",
	KindResponseText:      "response_text",
	KindResponseAudio:     "response_audio",
	KindSpeechStarted:     "speech_started",
	KindResponseDone:      "response_done",
	KindError:             "error",
}

func (k EventKind) String() string {
	return kindNames[k]
}

type Event struct {
	Kind      EventKind
	Type      string
	Text      string
	Final     bool
	Audio     []byte
	SessionID string
	Err       *shared.UpstreamError
}

type SessionConfig struct {
	Modalities         []string
	InputFormat        transport.AudioFormat
	OutputFormat       transport.AudioFormat
	Voice              string
	Instructions       string
	TranscriptionModel string
	ServerVAD          bool
}

// Adapter speaks one upstream vendor dialect. Implementations are stateless.
type Adapter interface {
	Name() string
	NegotiateSession(cfg SessionConfig) any
	AppendAudio(pcm []byte) any
	Commit() any
	CreateResponse(modalities []string) any
	UserText(text string) any
	Decode(env transport.Envelope) (Event, error)
}

type factory func() Adapter

var registry = map[string]factory{
	BetaName: func() Adapter { return NewBeta() },
	GAName:   func() Adapter { return NewGA() },
}

func New(name string) (Adapter, error) {
	if name == "" {
		name = BetaName
	}
	f, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown upstream adapter %q (have %s)", shared.ErrConfiguration, name, strings.Join(Names(), ", "))
	}
	return f(), nil
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func eventID() string {
	return shared.NewID("evt_")
}

type baseMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
}

type appendMessage struct {
	baseMessage
	Audio string `json:"audio"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type itemCreateMessage struct {
	baseMessage
	Item conversationItem `json:"item"`
}

func newAppend(pcm []byte) appendMessage {
	return appendMessage{
		baseMessage: baseMessage{Type: "input_audio_buffer.append", EventID: eventID()},
		Audio:       base64.StdEncoding.EncodeToString(pcm),
	}
}

func newCommit() baseMessage {
	return baseMessage{Type: "input_audio_buffer.commit", EventID: eventID()}
}

func newUserText(text string) itemCreateMessage {
	return itemCreateMessage{
		baseMessage: baseMessage{Type: "conversation.item.create", EventID: eventID()},
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

type inboundPayload struct {
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Session    struct {
		ID string `json:"id"`
	} `json:"session"`
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// decode maps an envelope onto a canonical event using a dialect's type table.
func decode(env transport.Envelope, kinds map[string]EventKind) (Event, error) {
	kind, ok := kinds[env.Type]
	if !ok {
		return Event{Kind: KindUnknown, Type: env.Type}, nil
	}

	ev := Event{Kind: kind, Type: env.Type}
	if kind == KindIgnored || kind == KindSpeechStarted || kind == KindResponseDone {
		return ev, nil
	}

	var p inboundPayload
	if err := json.Unmarshal(env.Raw, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", shared.ErrProtocol, env.Type, err)
	}

	switch kind {
	case KindSessionNegotiated:
		ev.SessionID = p.Session.ID
	case KindTranscript:
		ev.Final = strings.HasSuffix(env.Type, ".completed")
		ev.Text = p.Delta
		if ev.Final {
			ev.Text = p.Transcript
		}
	case KindResponseText:
		ev.Text = p.Delta
	case KindResponseAudio:
		audio, err := base64.StdEncoding.DecodeString(p.Delta)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %s: %w: %v", shared.ErrProtocol, env.Type, ErrBadAudio, err)
		}
		ev.Audio = audio
	case KindError:
		ev.Err = decodeError(p)
	}
	return ev, nil
}

func decodeError(p inboundPayload) *shared.UpstreamError {
	upErr := &shared.UpstreamError{Message: p.Message}
	if len(p.Error) == 0 {
		return upErr
	}

	var detail struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Error, &detail); err == nil {
		upErr.Type = detail.Type
		upErr.Code = detail.Code
		if detail.Message != "" {
			upErr.Message = detail.Message
		}
		return upErr
	}

	var text string
	if err := json.Unmarshal(p.Error, &text); err == nil && text != "" {
		upErr.Message = text
	}
	return upErr
}
