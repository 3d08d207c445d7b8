package upstream

import "github.com/eleven-am/voice-client/internal/transport"

const GAName = "openai"

var gaKinds = map[string]EventKind{
	"session.created": KindSessionNegotiated,
	"session.updated": KindSessionNegotiated,

	"conversation.item.input_audio_transcription.delta":     KindTranscript,
	"conversation.item.input_audio_transcription.completed": KindTranscript,
	"conversation.item.input_audio_transcription.failed":    KindError,

	"response.output_text.delta":             KindResponseText,
	"response.output_audio_transcript.delta": KindResponseText,
	"response.output_audio.delta":            KindResponseAudio,
	"response.done":                          KindResponseDone,

	"input_audio_buffer.speech_started": KindSpeechStarted,

	"error": KindError,

	"input_audio_buffer.committed":          KindIgnored,
	"input_audio_buffer.cleared":            KindIgnored,
	"input_audio_buffer.speech_stopped":     KindIgnored,
	"conversation.item.added":               KindIgnored,
	"conversation.item.done":                KindIgnored,
	"conversation.item.created":             KindIgnored,
	"response.created":                      KindIgnored,
	"response.output_item.added":            KindIgnored,
	"response.output_item.done":             KindIgnored,
	"response.content_part.added":           KindIgnored,
	"response.content_part.done":            KindIgnored,
	"response.output_text.done":             KindIgnored,
	"response.output_audio_transcript.done": KindIgnored,
	"response.output_audio.done":            KindIgnored,
	"rate_limits.updated":                   KindIgnored,
	"output_audio_buffer.started":           KindIgnored,
	"output_audio_buffer.stopped":           KindIgnored,
	"output_audio_buffer.cleared":           KindIgnored,
}

// GA speaks the generally available realtime dialect, which nests audio
// settings and renames the output events.
type GA struct{}

func NewGA() *GA {
	return &GA{}
}

func (a *GA) Name() string {
	return GAName
}

type gaFormat struct {
	Type string `json:"type"`
	Rate int    `json:"rate,omitempty"`
}

type gaTranscription struct {
	Model string `json:"model"`
}

type gaTurnDetection struct {
	Type string `json:"type"`
}

type gaAudioInput struct {
	Format        gaFormat         `json:"format"`
	Transcription *gaTranscription `json:"transcription,omitempty"`
	TurnDetection *gaTurnDetection `json:"turn_detection"`
}

type gaAudioOutput struct {
	Format gaFormat `json:"format"`
	Voice  string   `json:"voice,omitempty"`
}

type gaAudio struct {
	Input  gaAudioInput  `json:"input"`
	Output gaAudioOutput `json:"output"`
}

type gaSession struct {
	Type             string   `json:"type"`
	OutputModalities []string `json:"output_modalities,omitempty"`
	Instructions     string   `json:"instructions,omitempty"`
	Audio            gaAudio  `json:"audio"`
}

type gaSessionUpdate struct {
	baseMessage
	Session gaSession `json:"session"`
}

type gaResponse struct {
	OutputModalities []string `json:"output_modalities,omitempty"`
}

type gaResponseCreate struct {
	baseMessage
	Response gaResponse `json:"response"`
}

func (a *GA) NegotiateSession(cfg SessionConfig) any {
	input := gaAudioInput{
		Format: gaFormat{Type: "audio/pcm", Rate: cfg.InputFormat.SampleRate},
	}
	if cfg.TranscriptionModel != "" {
		input.Transcription = &gaTranscription{Model: cfg.TranscriptionModel}
	}
	if cfg.ServerVAD {
		input.TurnDetection = &gaTurnDetection{Type: "server_vad"}
	}

	return gaSessionUpdate{
		baseMessage: baseMessage{Type: "session.update", EventID: eventID()},
		Session: gaSession{
			Type:             "realtime",
			OutputModalities: gaModalities(cfg.Modalities),
			Instructions:     cfg.Instructions,
			Audio: gaAudio{
				Input: input,
				Output: gaAudioOutput{
					Format: gaFormat{Type: "audio/pcm", Rate: cfg.OutputFormat.SampleRate},
					Voice:  cfg.Voice,
				},
			},
		},
	}
}

func (a *GA) AppendAudio(pcm []byte) any {
	return newAppend(pcm)
}

func (a *GA) Commit() any {
	return newCommit()
}

func (a *GA) CreateResponse(modalities []string) any {
	return gaResponseCreate{
		baseMessage: baseMessage{Type: "response.create", EventID: eventID()},
		Response:    gaResponse{OutputModalities: gaModalities(modalities)},
	}
}

func (a *GA) UserText(text string) any {
	return newUserText(text)
}

func (a *GA) Decode(env transport.Envelope) (Event, error) {
	return decode(env, gaKinds)
}

// The GA service accepts a single output modality; audio responses carry
// their transcript anyway.
func gaModalities(modalities []string) []string {
	for _, m := range modalities {
		if m == "audio" {
			return []string{"audio"}
		}
	}
	if len(modalities) == 0 {
		return nil
	}
	return []string{modalities[0]}
}
