package upstream

import "github.com/eleven-am/voice-client/internal/transport"

const BetaName = "openai-beta"

var betaKinds = map[string]EventKind{
	"session.created": KindSessionNegotiated,
	"session.updated": KindSessionNegotiated,

	"conversation.item.input_audio_transcription.delta":     KindTranscript,
	"conversation.item.input_audio_transcription.completed": KindTranscript,
	"conversation.item.input_audio_transcription.failed":    KindError,

	"response.text.delta":             KindResponseText,
	"response.audio_transcript.delta": KindResponseText,
	"response.audio.delta":            KindResponseAudio,
	"response.done":                   KindResponseDone,

	"input_audio_buffer.speech_started": KindSpeechStarted,

	"error": KindError,

	"input_audio_buffer.committed":      KindIgnored,
	"input_audio_buffer.cleared":        KindIgnored,
	"input_audio_buffer.speech_stopped": KindIgnored,
	"conversation.created":              KindIgnored,
	"conversation.item.created":         KindIgnored,
	"response.created":                  KindIgnored,
	"response.output_item.added":        KindIgnored,
	"response.output_item.done":         KindIgnored,
	"response.content_part.added":       KindIgnored,
	"response.content_part.done":        KindIgnored,
	"response.text.done":                KindIgnored,
	"response.audio_transcript.done":    KindIgnored,
	"response.audio.done":               KindIgnored,
	"rate_limits.updated":               KindIgnored,
	"transcription_session.updated":     KindIgnored,
	"conversation.item.truncated":       KindIgnored,
	"output_audio_buffer.started":       KindIgnored,
	"output_audio_buffer.stopped":       KindIgnored,
	"output_audio_buffer.cleared":       KindIgnored,
	"conversation.item.retrieved":       KindIgnored,
}

// Beta speaks the preview realtime dialect (modalities, pcm16 format strings).
type Beta struct{}

func NewBeta() *Beta {
	return &Beta{}
}

func (a *Beta) Name() string {
	return BetaName
}

type betaTranscription struct {
	Model string `json:"model"`
}

type betaTurnDetection struct {
	Type string `json:"type"`
}

type betaSession struct {
	Modalities              []string           `json:"modalities,omitempty"`
	Instructions            string             `json:"instructions,omitempty"`
	Voice                   string             `json:"voice,omitempty"`
	InputAudioFormat        string             `json:"input_audio_format"`
	OutputAudioFormat       string             `json:"output_audio_format"`
	InputAudioTranscription *betaTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *betaTurnDetection `json:"turn_detection"`
}

type betaSessionUpdate struct {
	baseMessage
	Session betaSession `json:"session"`
}

type betaResponse struct {
	Modalities []string `json:"modalities,omitempty"`
}

type betaResponseCreate struct {
	baseMessage
	Response betaResponse `json:"response"`
}

func (a *Beta) NegotiateSession(cfg SessionConfig) any {
	s := betaSession{
		Modalities:        cfg.Modalities,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.TranscriptionModel != "" {
		s.InputAudioTranscription = &betaTranscription{Model: cfg.TranscriptionModel}
	}
	if cfg.ServerVAD {
		s.TurnDetection = &betaTurnDetection{Type: "server_vad"}
	}
	return betaSessionUpdate{
		baseMessage: baseMessage{Type: "session.update", EventID: eventID()},
		Session:     s,
	}
}

func (a *Beta) AppendAudio(pcm []byte) any {
	return newAppend(pcm)
}

func (a *Beta) Commit() any {
	return newCommit()
}

func (a *Beta) CreateResponse(modalities []string) any {
	return betaResponseCreate{
		baseMessage: baseMessage{Type: "response.create", EventID: eventID()},
		Response:    betaResponse{Modalities: modalities},
	}
}

func (a *Beta) UserText(text string) any {
	return newUserText(text)
}

func (a *Beta) Decode(env transport.Envelope) (Event, error) {
	return decode(env, betaKinds)
}
