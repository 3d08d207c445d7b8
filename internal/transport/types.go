package transport

import (
	"encoding/json"
	"time"
)

type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseTransportOpen
	PhaseRelayAcknowledged
	PhaseUpstreamLinked
	PhaseSessionNegotiated
	PhaseReady
)

var phaseNames = map[Phase]string{
	PhaseDisconnected:      "disconnected",
	PhaseTransportOpen:     "transport_open",
	PhaseRelayAcknowledged: "relay_acknowledged",
	PhaseUpstreamLinked:    "upstream_linked",
	PhaseSessionNegotiated: "session_negotiated",
	PhaseReady:             "ready",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

type MessageType string

// Relay-level message kinds. Upstream kinds are dialect specific and live in
// the upstream package.
const (
	MessageTypeConnect          MessageType = "connect"
	MessageTypeConnected        MessageType = "connected"
	MessageTypeConnectionStatus MessageType = "connection_status"
	MessageTypeError            MessageType = "error"
)

type Envelope struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	env.Raw = data
	return env, nil
}

type ConnectionStatusPayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type Frame struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

type AudioFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func PCM16Mono(sampleRate int) AudioFormat {
	return AudioFormat{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

func (f AudioFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// FrameBytes returns the payload size of a frame of the given duration.
func (f AudioFormat) FrameBytes(d time.Duration) int {
	blockAlign := f.Channels * f.BitsPerSample / 8
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	if blockAlign > 0 {
		n -= n % blockAlign
	}
	return n
}

func (f AudioFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}
