package transport

import "context"

// CaptureSource produces PCM frames on its own goroutine until stopped.
type CaptureSource interface {
	Start(ctx context.Context, onFrame func(frame []byte)) error
	Stop() error
}

// AudioSink plays one decodable clip. Play returns once playback has finished.
type AudioSink interface {
	Play(ctx context.Context, clip []byte) error
}

type Sender interface {
	SendFrame(ctx context.Context, frame Frame) error
}

type SenderFunc func(ctx context.Context, frame Frame) error

func (f SenderFunc) SendFrame(ctx context.Context, frame Frame) error {
	return f(ctx, frame)
}
