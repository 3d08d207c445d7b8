package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes each clip to its own WAV file. With Realtime set, Play also
// blocks for the clip's duration so completion matches audible playback.
type FileSink struct {
	dir      string
	prefix   string
	realtime bool

	mu    sync.Mutex
	count int
	files []string
}

func NewFileSink(dir, prefix string, realtime bool) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if prefix == "" {
		prefix = "reply"
	}
	return &FileSink{dir: dir, prefix: prefix, realtime: realtime}, nil
}

func (s *FileSink) Play(ctx context.Context, clip []byte) error {
	pcm, format, err := DecodeWAV(clip)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.count++
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%04d.wav", s.prefix, s.count))
	s.files = append(s.files, path)
	s.mu.Unlock()

	if err := os.WriteFile(path, clip, 0o644); err != nil {
		return fmt.Errorf("write clip: %w", err)
	}

	if !s.realtime {
		return nil
	}

	timer := time.NewTimer(format.Duration(len(pcm)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *FileSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}
