package voicesession

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/voice-client/internal/audio"
	"github.com/eleven-am/voice-client/internal/echorelay"
	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/eleven-am/voice-client/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type phaseLog struct {
	mu     sync.Mutex
	phases []transport.Phase
}

func (l *phaseLog) record(p transport.Phase) {
	l.mu.Lock()
	l.phases = append(l.phases, p)
	l.mu.Unlock()
}

func (l *phaseLog) snapshot() []transport.Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Phase(nil), l.phases...)
}

type fakeSink struct {
	mu      sync.Mutex
	clips   [][]byte
	active  int32
	overlap int32
	delay   time.Duration
	played  chan struct{}
}

func newFakeSink(delay time.Duration) *fakeSink {
	return &fakeSink{delay: delay, played: make(chan struct{}, 64)}
}

func (s *fakeSink) Play(ctx context.Context, clip []byte) error {
	if atomic.AddInt32(&s.active, 1) > 1 {
		atomic.StoreInt32(&s.overlap, 1)
	}
	defer atomic.AddInt32(&s.active, -1)

	s.mu.Lock()
	s.clips = append(s.clips, clip)
	delay := s.delay
	s.mu.Unlock()
	s.played <- struct{}{}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.clips...)
}

type fakeCapture struct {
	frames  [][]byte
	started atomic.Bool
	stopped atomic.Bool
}

func (c *fakeCapture) Start(_ context.Context, onFrame func([]byte)) error {
	c.started.Store(true)
	for _, f := range c.frames {
		onFrame(f)
	}
	return nil
}

func (c *fakeCapture) Stop() error {
	c.stopped.Store(true)
	return nil
}

type countingRecorder struct {
	commits   atomic.Int32
	skipped   atomic.Int32
	frames    atomic.Int32
	chunks    atomic.Int32
	transient atomic.Int32
	bargeIns  atomic.Int32
}

func (r *countingRecorder) Phase(transport.Phase) {}
func (r *countingRecorder) FrameSent(int)         { r.frames.Add(1) }
func (r *countingRecorder) ChunkReceived()        { r.chunks.Add(1) }
func (r *countingRecorder) BargeIn()              { r.bargeIns.Add(1) }

func (r *countingRecorder) Commit(sent bool) {
	if sent {
		r.commits.Add(1)
		return
	}
	r.skipped.Add(1)
}

func (r *countingRecorder) UpstreamError(transient bool) {
	if transient {
		r.transient.Add(1)
	}
}

type harness struct {
	session *Session
	relay   *echorelay.Relay
	phases  *phaseLog
}

func newHarness(t *testing.T, opts echorelay.Options, deps Dependencies, mutate func(*Config)) *harness {
	t.Helper()

	relay := echorelay.New(opts, testLogger())
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.SettleDelay = 20 * time.Millisecond
	cfg.FlushPacing = time.Millisecond
	cfg.SessionWaitTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	phases := &phaseLog{}
	onPhase := deps.Callbacks.OnPhase
	deps.Callbacks.OnPhase = func(p transport.Phase) {
		phases.record(p)
		if onPhase != nil {
			onPhase(p)
		}
	}

	s, err := New(cfg, deps, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Cleanup)

	return &harness{session: s, relay: relay, phases: phases}
}

func (h *harness) connectReady(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.session.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !h.session.WaitForSession(ctx) {
		t.Fatalf("session not ready, phase %s", h.session.Phase())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func appendedAudio(t *testing.T, relay *echorelay.Relay) [][]byte {
	t.Helper()
	var out [][]byte
	for _, m := range relay.Received() {
		if m.Type != "input_audio_buffer.append" {
			continue
		}
		var msg struct {
			Audio string `json:"audio"`
		}
		if err := json.Unmarshal(m.Raw, &msg); err != nil {
			t.Fatalf("unmarshal append: %v", err)
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("decode append: %v", err)
		}
		out = append(out, pcm)
	}
	return out
}

func frameData(i int) []byte {
	return []byte{byte(i), byte(i >> 8), byte(i), byte(i >> 8)}
}

func TestNew_MissingRelayURL(t *testing.T) {
	_, err := New(Config{}, Dependencies{}, testLogger())
	if !errors.Is(err, shared.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNew_UnknownAdapter(t *testing.T) {
	cfg := DefaultConfig("ws://localhost:1")
	cfg.Adapter = "nope"
	_, err := New(cfg, Dependencies{}, testLogger())
	if !errors.Is(err, shared.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNew_Defaults(t *testing.T) {
	cfg := DefaultConfig("ws://localhost:1")
	cfg.SettleDelay = 0
	cfg.SessionWaitTimeout = 0
	s, err := New(cfg, Dependencies{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Cleanup()

	if s.Phase() != transport.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", s.Phase())
	}
	if s.Adapter() != upstream.BetaName {
		t.Errorf("expected default adapter %s, got %s", upstream.BetaName, s.Adapter())
	}
	if s.cfg.SessionWaitTimeout != DefaultSessionWaitTimeout {
		t.Errorf("expected default wait timeout, got %v", s.cfg.SessionWaitTimeout)
	}
	if !strings.HasPrefix(s.ID(), "vc_") {
		t.Errorf("unexpected session id %q", s.ID())
	}
}

func TestSession_FramesBufferedUntilReadyFlushInOrder(t *testing.T) {
	h := newHarness(t, echorelay.Options{AutoAck: true, AutoLink: true, AutoSession: true}, Dependencies{}, func(c *Config) {
		c.SettleDelay = 200 * time.Millisecond
	})
	s := h.session

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if s.Phase() >= transport.PhaseReady {
		t.Fatal("session became ready before frames could be buffered")
	}

	const n = 8
	for i := 1; i <= n; i++ {
		s.Feed(frameData(i))
	}
	if got := s.BufferedFrames(); got != n {
		t.Fatalf("expected %d buffered frames, got %d", n, got)
	}
	if h.relay.Count("input_audio_buffer.append") != 0 {
		t.Fatal("frames transmitted before ready")
	}

	if !s.WaitForSession(context.Background()) {
		t.Fatal("session never became ready")
	}
	if !h.relay.WaitFor("input_audio_buffer.append", n, 2*time.Second) {
		t.Fatalf("expected %d appends, got %d", n, h.relay.Count("input_audio_buffer.append"))
	}

	got := appendedAudio(t, h.relay)
	for i, pcm := range got {
		if !bytes.Equal(pcm, frameData(i+1)) {
			t.Fatalf("frame %d out of order: %v", i, pcm)
		}
	}

	received := h.relay.Received()
	if received[0].Type != "connect" {
		t.Errorf("expected connect first, got %s", received[0].Type)
	}
	updateIdx, firstAppend := -1, -1
	for i, m := range received {
		if m.Type == "session.update" && updateIdx < 0 {
			updateIdx = i
		}
		if m.Type == "input_audio_buffer.append" && firstAppend < 0 {
			firstAppend = i
		}
	}
	if updateIdx < 0 || updateIdx > firstAppend {
		t.Errorf("session.update (%d) should precede audio (%d)", updateIdx, firstAppend)
	}

	want := []transport.Phase{
		transport.PhaseTransportOpen,
		transport.PhaseRelayAcknowledged,
		transport.PhaseUpstreamLinked,
		transport.PhaseSessionNegotiated,
		transport.PhaseReady,
	}
	phases := h.phases.snapshot()
	if len(phases) != len(want) {
		t.Fatalf("expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("expected phases %v, got %v", want, phases)
		}
	}
}

func TestSession_StopWithoutFramesSkipsCommit(t *testing.T) {
	capture := &fakeCapture{}
	rec := &countingRecorder{}
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		NewCapture: func() (transport.CaptureSource, error) { return capture, nil },
		Recorder:   rec,
	}, nil)
	s := h.session
	h.connectReady(t)

	ctx := context.Background()
	if err := s.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !capture.started.Load() {
		t.Fatal("capture should start immediately when ready")
	}
	if err := s.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if !capture.stopped.Load() {
		t.Error("capture was not stopped")
	}

	if err := s.SendText(ctx, "marker"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if !h.relay.WaitFor("conversation.item.create", 1, 2*time.Second) {
		t.Fatal("marker text never arrived")
	}

	if got := h.relay.Count("input_audio_buffer.commit"); got != 0 {
		t.Errorf("expected no commit, got %d", got)
	}
	if got := h.relay.Count("response.create"); got != 1 {
		t.Errorf("expected only the text response request, got %d", got)
	}
	if rec.skipped.Load() != 1 || rec.commits.Load() != 0 {
		t.Errorf("unexpected commit counters: skipped=%d sent=%d", rec.skipped.Load(), rec.commits.Load())
	}
}

func TestSession_StopRecordingIsIdempotent(t *testing.T) {
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{}, nil)
	if err := h.session.StopRecording(context.Background()); err != nil {
		t.Errorf("StopRecording without recording: %v", err)
	}
	if err := h.session.StopRecording(context.Background()); err != nil {
		t.Errorf("second StopRecording: %v", err)
	}
}

func TestSession_StartRecordingRequiresTransport(t *testing.T) {
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{}, nil)
	err := h.session.StartRecording(context.Background())
	if !errors.Is(err, shared.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSession_RecordCommitAndEcho(t *testing.T) {
	format := transport.PCM16Mono(DefaultSampleRate)
	pcm := make([]byte, format.FrameBytes(200*time.Millisecond))
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}

	var source *audio.ReaderSource
	var capturePhase atomic.Int32
	sink := newFakeSink(0)
	rec := &countingRecorder{}

	var mu sync.Mutex
	var transcripts, responses []string
	transcriptDone := make(chan struct{}, 1)

	var h *harness
	h = newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Sink:     sink,
		Recorder: rec,
		NewCapture: func() (transport.CaptureSource, error) {
			phase := h.session.Phase()
			source = audio.NewReaderSource(bytes.NewReader(pcm), format, 20*time.Millisecond, false)
			capturePhase.Store(int32(phase))
			return source, nil
		},
		Callbacks: Callbacks{
			OnTranscript: func(text string, final bool) {
				mu.Lock()
				transcripts = append(transcripts, text)
				mu.Unlock()
				if final {
					transcriptDone <- struct{}{}
				}
			},
			OnResponse: func(text string) {
				mu.Lock()
				responses = append(responses, text)
				mu.Unlock()
			},
		},
	}, func(c *Config) {
		c.SettleDelay = 100 * time.Millisecond
	})
	s := h.session
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !s.Recording() {
		t.Fatal("expected recording intent to be recorded")
	}

	eventually(t, "deferred capture", func() bool { return capturePhase.Load() != 0 })
	if transport.Phase(capturePhase.Load()) != transport.PhaseReady {
		t.Fatalf("capture created at phase %s", transport.Phase(capturePhase.Load()))
	}

	<-source.Done()
	if err := s.StopRecording(ctx); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	if !h.relay.WaitFor("input_audio_buffer.commit", 1, 2*time.Second) {
		t.Fatal("commit never sent")
	}
	if !h.relay.WaitFor("response.create", 1, 2*time.Second) {
		t.Fatal("response.create never sent")
	}

	var total []byte
	for _, chunk := range appendedAudio(t, h.relay) {
		total = append(total, chunk...)
	}
	if !bytes.Equal(total, pcm) {
		t.Fatalf("transmitted audio differs: got %d bytes, want %d", len(total), len(pcm))
	}

	select {
	case <-transcriptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("no final transcript")
	}

	expectedChunks := (len(pcm) + 4799) / 4800
	eventually(t, "echoed playback", func() bool { return len(sink.snapshot()) == expectedChunks })
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.WaitPlayback(waitCtx); err != nil {
		t.Fatalf("WaitPlayback: %v", err)
	}

	var played []byte
	for _, clip := range sink.snapshot() {
		data, _, err := audio.DecodeWAV(clip)
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		played = append(played, data...)
	}
	if !bytes.Equal(played, pcm) {
		t.Error("played audio differs from echoed audio")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transcripts) != 1 || !strings.Contains(transcripts[0], "bytes of audio") {
		t.Errorf("unexpected transcripts: %v", transcripts)
	}
	if len(responses) != 1 || responses[0] != "Echoing your audio" {
		t.Errorf("unexpected responses: %v", responses)
	}
	if rec.commits.Load() != 1 {
		t.Errorf("expected one commit, got %d", rec.commits.Load())
	}
	if int(rec.chunks.Load()) != expectedChunks {
		t.Errorf("expected %d chunks, got %d", expectedChunks, rec.chunks.Load())
	}
}

func TestSession_UpstreamLossRevertsToBuffering(t *testing.T) {
	h := newHarness(t, echorelay.Options{AutoAck: true, AutoLink: true, AutoSession: true}, Dependencies{}, nil)
	s := h.session
	h.connectReady(t)

	s.Feed(frameData(1))
	if !h.relay.WaitFor("input_audio_buffer.append", 1, 2*time.Second) {
		t.Fatal("live frame not transmitted")
	}

	if err := h.relay.Push(map[string]any{"type": "connection_status", "connected": false}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	eventually(t, "phase regression", func() bool { return s.Phase() == transport.PhaseRelayAcknowledged })

	s.Feed(frameData(2))
	s.Feed(frameData(3))
	time.Sleep(100 * time.Millisecond)
	if got := h.relay.Count("input_audio_buffer.append"); got != 1 {
		t.Fatalf("frames transmitted while upstream was down: %d", got)
	}
	if s.BufferedFrames() != 2 {
		t.Fatalf("expected 2 buffered frames, got %d", s.BufferedFrames())
	}

	if err := h.relay.Push(map[string]any{"type": "connection_status", "connected": true}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !s.WaitForSession(context.Background()) {
		t.Fatal("session did not become ready again")
	}
	if !h.relay.WaitFor("input_audio_buffer.append", 3, 2*time.Second) {
		t.Fatal("buffered frames not flushed after recovery")
	}
	if h.relay.Count("session.update") != 2 {
		t.Errorf("expected renegotiation, got %d session.update", h.relay.Count("session.update"))
	}

	got := appendedAudio(t, h.relay)
	for i, pcm := range got {
		if !bytes.Equal(pcm, frameData(i+1)) {
			t.Fatalf("frame %d out of order after recovery", i)
		}
	}

	phases := h.phases.snapshot()
	var regressed bool
	for i := 1; i < len(phases); i++ {
		if phases[i] < phases[i-1] {
			if phases[i] != transport.PhaseRelayAcknowledged {
				t.Errorf("unexpected regression to %s", phases[i])
			}
			regressed = true
		}
	}
	if !regressed {
		t.Errorf("expected a phase regression in %v", phases)
	}
}

func TestSession_UnknownMessageIgnored(t *testing.T) {
	var errorsSeen, responses atomic.Int32
	transcripts := make(chan string, 4)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Callbacks: Callbacks{
			OnError:      func(string) { errorsSeen.Add(1) },
			OnResponse:   func(string) { responses.Add(1) },
			OnTranscript: func(text string, _ bool) { transcripts <- text },
		},
	}, nil)
	s := h.session
	h.connectReady(t)
	before := len(h.phases.snapshot())

	if err := h.relay.Push(map[string]any{"type": "some.future.event", "payload": 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := h.relay.Push(map[string]any{"type": "conversation.item.reaction"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := h.relay.Push(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "after",
	}); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case text := <-transcripts:
		if text != "after" {
			t.Errorf("unexpected transcript %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session stopped handling messages")
	}

	if errorsSeen.Load() != 0 || responses.Load() != 0 {
		t.Errorf("unknown message fired callbacks: errors=%d responses=%d", errorsSeen.Load(), responses.Load())
	}
	if s.Phase() != transport.PhaseReady {
		t.Errorf("phase changed to %s", s.Phase())
	}
	if after := len(h.phases.snapshot()); after != before {
		t.Errorf("unexpected phase notifications: %v", h.phases.snapshot())
	}
}

func TestSession_PlaybackIsSequential(t *testing.T) {
	sink := newFakeSink(30 * time.Millisecond)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{Sink: sink}, nil)
	h.connectReady(t)

	chunks := [][]byte{{1, 0, 1, 0}, {2, 0, 2, 0}, {3, 0, 3, 0}}
	for _, c := range chunks {
		if err := h.relay.Push(map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(c),
		}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	eventually(t, "three clips", func() bool { return len(sink.snapshot()) == 3 })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.session.WaitPlayback(ctx); err != nil {
		t.Fatalf("WaitPlayback: %v", err)
	}

	if atomic.LoadInt32(&sink.overlap) != 0 {
		t.Error("clips overlapped")
	}
	for i, clip := range sink.snapshot() {
		pcm, _, err := audio.DecodeWAV(clip)
		if err != nil {
			t.Fatalf("DecodeWAV: %v", err)
		}
		if !bytes.Equal(pcm, chunks[i]) {
			t.Errorf("clip %d out of order: %v", i, pcm)
		}
	}
}

func TestSession_TransientErrorsAreNotSurfaced(t *testing.T) {
	rec := &countingRecorder{}
	errs := make(chan string, 4)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Recorder:  rec,
		Callbacks: Callbacks{OnError: func(msg string) { errs <- msg }},
	}, nil)
	h.connectReady(t)

	_ = h.relay.Push(map[string]any{"type": "error", "message": "Upstream unavailable, reconnecting"})
	_ = h.relay.Push(map[string]any{"type": "error", "error": map[string]any{"type": "invalid_request_error", "message": "Invalid value for voice"}})

	select {
	case msg := <-errs:
		if msg != "Invalid value for voice" {
			t.Errorf("unexpected error surfaced: %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream error not surfaced")
	}

	select {
	case msg := <-errs:
		t.Errorf("unexpected second error: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
	if rec.transient.Load() != 1 {
		t.Errorf("expected one transient error, got %d", rec.transient.Load())
	}
}

func TestSession_TransportLossAndReconnect(t *testing.T) {
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{}, nil)
	s := h.session
	h.connectReady(t)

	h.relay.Drop()
	eventually(t, "disconnect", func() bool { return s.Phase() == transport.PhaseDisconnected })

	s.Feed(frameData(9))
	if s.BufferedFrames() != 1 {
		t.Errorf("expected frame to be buffered while disconnected, got %d", s.BufferedFrames())
	}

	h.connectReady(t)
	if h.relay.Connections() != 2 {
		t.Errorf("expected a second connection, got %d", h.relay.Connections())
	}
	if !h.relay.WaitFor("input_audio_buffer.append", 1, 2*time.Second) {
		t.Error("buffered frame not sent after reconnect")
	}
}

func TestSession_ConnectIdempotent(t *testing.T) {
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{}, nil)
	h.connectReady(t)

	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if h.relay.Connections() != 1 {
		t.Errorf("expected one connection, got %d", h.relay.Connections())
	}
	if h.relay.Count("connect") != 1 {
		t.Errorf("expected one connect request, got %d", h.relay.Count("connect"))
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	cfg := DefaultConfig("ws://127.0.0.1:1")
	s, err := New(cfg, Dependencies{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Cleanup()

	err = s.Connect(context.Background())
	if !errors.Is(err, shared.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if s.Phase() != transport.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", s.Phase())
	}
}

func TestSession_WaitForSessionTimesOut(t *testing.T) {
	h := newHarness(t, echorelay.Options{AutoAck: true}, Dependencies{}, func(c *Config) {
		c.SessionWaitTimeout = 50 * time.Millisecond
	})
	if err := h.session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if h.session.WaitForSession(context.Background()) {
		t.Fatal("expected WaitForSession to give up")
	}
	eventually(t, "relay ack", func() bool { return h.session.Phase() == transport.PhaseRelayAcknowledged })
}

func TestSession_SendText(t *testing.T) {
	responses := make(chan string, 4)
	done := make(chan struct{}, 1)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Callbacks: Callbacks{
			OnResponse:     func(text string) { responses <- text },
			OnResponseDone: func() { done <- struct{}{} },
		},
	}, nil)
	ctx := context.Background()
	if err := h.session.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := h.session.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case text := <-responses:
		if text != "You said: hello" {
			t.Errorf("unexpected response %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("response.done not reported")
	}
	if h.relay.Count("input_audio_buffer.append") != 0 {
		t.Error("text turn should not touch the audio queue")
	}
}

func TestSession_GADialect(t *testing.T) {
	opts := echorelay.DefaultOptions()
	opts.GA = true
	responses := make(chan string, 4)
	h := newHarness(t, opts, Dependencies{
		Callbacks: Callbacks{OnResponse: func(text string) { responses <- text }},
	}, func(c *Config) {
		c.Adapter = upstream.GAName
	})
	h.connectReady(t)

	if err := h.session.SendText(context.Background(), "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case text := <-responses:
		if text != "You said: hi" {
			t.Errorf("unexpected response %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}

	received := h.relay.Received()
	for _, m := range received {
		if m.Type != "response.create" {
			continue
		}
		if !bytes.Contains(m.Raw, []byte("output_modalities")) {
			t.Errorf("GA response.create should carry output_modalities: %s", m.Raw)
		}
	}
	if h.session.UpstreamSessionID() == "" {
		t.Error("upstream session id not recorded")
	}
}

func TestSession_BargeInClearsPlayback(t *testing.T) {
	sink := newFakeSink(2 * time.Second)
	rec := &countingRecorder{}
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{Sink: sink, Recorder: rec}, nil)
	s := h.session
	h.connectReady(t)

	delta := func(b byte) map[string]any {
		return map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{b, 0, b, 0}),
		}
	}

	_ = h.relay.Push(delta(1))
	_ = h.relay.Push(delta(2))
	select {
	case <-sink.played:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
	}

	_ = h.relay.Push(map[string]any{"type": "input_audio_buffer.speech_started"})
	eventually(t, "barge-in", func() bool { return rec.bargeIns.Load() == 1 })

	_ = h.relay.Push(delta(3))
	_ = h.relay.Push(map[string]any{"type": "response.done"})
	sink.mu.Lock()
	sink.delay = 0
	sink.mu.Unlock()
	_ = h.relay.Push(delta(4))

	eventually(t, "next response playback", func() bool { return len(sink.snapshot()) == 2 })

	clips := sink.snapshot()
	last, _, err := audio.DecodeWAV(clips[1])
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if last[0] != 4 {
		t.Errorf("expected audio after response.done to play, got %v", last)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.snapshot()); got != 2 {
		t.Errorf("interrupted response audio was played: %d clips", got)
	}
	if s.SpeechState() == StateInterrupted {
		t.Error("speech state should leave interrupted once playback drains")
	}
}

func TestSession_BargeInDisabled(t *testing.T) {
	sink := newFakeSink(50 * time.Millisecond)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{Sink: sink}, func(c *Config) {
		c.InterruptOnSpeech = false
	})
	h.connectReady(t)

	_ = h.relay.Push(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{1, 0})})
	_ = h.relay.Push(map[string]any{"type": "input_audio_buffer.speech_started"})
	_ = h.relay.Push(map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString([]byte{2, 0})})

	eventually(t, "both clips", func() bool { return len(sink.snapshot()) == 2 })
}

func TestSession_CleanupIsTerminal(t *testing.T) {
	capture := &fakeCapture{}
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		NewCapture: func() (transport.CaptureSource, error) { return capture, nil },
	}, nil)
	s := h.session
	h.connectReady(t)

	if err := s.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	s.Cleanup()
	s.Cleanup()

	if !capture.stopped.Load() {
		t.Error("cleanup should stop capture")
	}
	if s.Phase() != transport.PhaseDisconnected {
		t.Errorf("expected disconnected, got %s", s.Phase())
	}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("message loop did not exit")
	}
	if err := s.Connect(context.Background()); !errors.Is(err, shared.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.SendText(context.Background(), "x"); !errors.Is(err, shared.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := s.StopRecording(context.Background()); err != nil {
		t.Errorf("StopRecording after cleanup: %v", err)
	}

	phases := h.phases.snapshot()
	if phases[len(phases)-1] != transport.PhaseDisconnected {
		t.Errorf("expected final phase notification to be disconnected, got %v", phases)
	}
}

type failingSink struct{}

func (failingSink) Play(context.Context, []byte) error {
	return errors.New("output device gone")
}

func TestSession_CallbacksNeverOverlap(t *testing.T) {
	var inside, overlapped, responses, failures atomic.Int32
	enter := func() {
		if inside.Add(1) > 1 {
			overlapped.Store(1)
		}
		time.Sleep(2 * time.Millisecond)
		inside.Add(-1)
	}

	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Sink: failingSink{},
		Callbacks: Callbacks{
			OnResponse: func(string) {
				enter()
				responses.Add(1)
			},
			OnError: func(string) {
				enter()
				failures.Add(1)
			},
		},
	}, nil)
	h.connectReady(t)

	for i := 0; i < 10; i++ {
		_ = h.relay.Push(map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString([]byte{byte(i), 0}),
		})
		_ = h.relay.Push(map[string]any{"type": "response.text.delta", "delta": "word "})
	}

	eventually(t, "all text", func() bool { return responses.Load() == 10 })
	eventually(t, "playback errors", func() bool { return failures.Load() == 10 })
	if overlapped.Load() != 0 {
		t.Error("OnError ran concurrently with OnResponse")
	}
}

func TestSession_UndecodableAudioIsSurfaced(t *testing.T) {
	errs := make(chan string, 4)
	sink := newFakeSink(0)
	h := newHarness(t, echorelay.DefaultOptions(), Dependencies{
		Sink:      sink,
		Callbacks: Callbacks{OnError: func(msg string) { errs <- msg }},
	}, nil)
	h.connectReady(t)

	_ = h.relay.Push(map[string]any{"type": "response.audio.delta", "delta": "%%%"})

	select {
	case msg := <-errs:
		if !strings.Contains(msg, "bad audio payload") {
			t.Errorf("unexpected error %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("undecodable audio was not reported")
	}
	if got := len(sink.snapshot()); got != 0 {
		t.Errorf("expected nothing played, got %d clips", got)
	}
}

func TestSession_NegotiatesWhenLinkFollowsSessionCreated(t *testing.T) {
	opts := echorelay.DefaultOptions()
	opts.AutoLink = false
	h := newHarness(t, opts, Dependencies{}, nil)
	s := h.session

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	eventually(t, "relay ack", func() bool { return s.Phase() == transport.PhaseRelayAcknowledged })

	_ = h.relay.Push(map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_early"}})
	eventually(t, "early session", func() bool { return s.Phase() >= transport.PhaseSessionNegotiated })
	if h.relay.Count("session.update") != 0 {
		t.Fatal("negotiation sent before the upstream link")
	}

	_ = h.relay.Push(map[string]any{"type": "connection_status", "connected": true})
	if !h.relay.WaitFor("session.update", 1, 2*time.Second) {
		t.Fatal("session.update never sent after the link came up")
	}

	_ = h.relay.Push(map[string]any{"type": "connection_status", "connected": true})
	time.Sleep(50 * time.Millisecond)
	if got := h.relay.Count("session.update"); got != 1 {
		t.Errorf("duplicate link status renegotiated: %d updates", got)
	}
}
