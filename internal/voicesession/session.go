package voicesession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/voice-client/internal/audio"
	"github.com/eleven-am/voice-client/internal/outbound"
	"github.com/eleven-am/voice-client/internal/playback"
	"github.com/eleven-am/voice-client/internal/relay"
	"github.com/eleven-am/voice-client/internal/shared"
	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/eleven-am/voice-client/internal/upstream"
)

const (
	DefaultSettleDelay        = 300 * time.Millisecond
	DefaultSessionWaitTimeout = 10 * time.Second
	DefaultFlushTimeout       = 2 * time.Second
	DefaultSampleRate         = 24000

	controlWriteTimeout = 5 * time.Second
)

type Callbacks struct {
	OnTranscript   func(text string, final bool)
	OnResponse     func(text string)
	OnResponseDone func()
	OnError        func(message string)
	OnPhase        func(phase transport.Phase)
}

// Recorder receives session measurements. metrics.Metrics implements it.
type Recorder interface {
	Phase(p transport.Phase)
	FrameSent(bytes int)
	Commit(sent bool)
	ChunkReceived()
	UpstreamError(transient bool)
	BargeIn()
}

type nopRecorder struct{}

func (nopRecorder) Phase(transport.Phase) {}
func (nopRecorder) FrameSent(int)         {}
func (nopRecorder) Commit(bool)           {}
func (nopRecorder) ChunkReceived()        {}
func (nopRecorder) UpstreamError(bool)    {}
func (nopRecorder) BargeIn()              {}

type Config struct {
	Relay   relay.Config
	Adapter string
	Session upstream.SessionConfig

	// CaptureSampleRate is the rate frames arrive at from the capture source.
	CaptureSampleRate int
	// PlaybackSampleRate is the rate clips are handed to the sink at.
	PlaybackSampleRate int

	SettleDelay        time.Duration
	SessionWaitTimeout time.Duration
	FlushTimeout       time.Duration
	FlushPacing        time.Duration
	InterruptOnSpeech  bool
}

func DefaultConfig(relayURL string) Config {
	return Config{
		Relay:   relay.Config{URL: relayURL},
		Adapter: upstream.BetaName,
		Session: upstream.SessionConfig{
			Modalities:   []string{"text", "audio"},
			InputFormat:  transport.PCM16Mono(DefaultSampleRate),
			OutputFormat: transport.PCM16Mono(DefaultSampleRate),
		},
		SettleDelay:        DefaultSettleDelay,
		SessionWaitTimeout: DefaultSessionWaitTimeout,
		FlushTimeout:       DefaultFlushTimeout,
		InterruptOnSpeech:  true,
	}
}

type Dependencies struct {
	Sink       transport.AudioSink
	NewCapture func() (transport.CaptureSource, error)
	Callbacks  Callbacks
	Recorder   Recorder
}

// Session drives one conversation: it owns the relay link, both audio queues
// and the phase, and turns inbound relay traffic into callbacks.
type Session struct {
	id     string
	cfg    Config
	log    *slog.Logger
	client *relay.Client

	adapter   upstream.Adapter
	inCodec   *audio.Codec
	outCodec  *audio.Codec
	outbound  *outbound.Queue
	playback  *playback.Queue
	speech    *SpeechController
	phase     *phaseTracker
	callbacks Callbacks
	recorder  Recorder

	newCapture func() (transport.CaptureSource, error)

	mu          sync.Mutex
	link        uint64
	connecting  bool
	settleTimer *time.Timer
	settleEpoch uint64
	upstreamID  string
	// linked is the last upstream link status seen on the current link.
	linked bool

	// interrupted drops the rest of a response after a barge-in. Loop only.
	interrupted bool

	recMu       sync.Mutex
	recording   bool
	wantCapture bool
	capture     transport.CaptureSource

	pending atomic.Int64
	seq     atomic.Uint64
	closed  atomic.Bool
	readies atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	cmds      chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, deps Dependencies, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}

	adapter, err := upstream.New(cfg.Adapter)
	if err != nil {
		return nil, err
	}

	client, err := relay.NewClient(cfg.Relay, log)
	if err != nil {
		return nil, err
	}

	if cfg.Session.InputFormat.SampleRate == 0 {
		cfg.Session.InputFormat = transport.PCM16Mono(DefaultSampleRate)
	}
	if cfg.Session.OutputFormat.SampleRate == 0 {
		cfg.Session.OutputFormat = transport.PCM16Mono(DefaultSampleRate)
	}
	if cfg.CaptureSampleRate == 0 {
		cfg.CaptureSampleRate = cfg.Session.InputFormat.SampleRate
	}
	if cfg.PlaybackSampleRate == 0 {
		cfg.PlaybackSampleRate = cfg.Session.OutputFormat.SampleRate
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.SessionWaitTimeout <= 0 {
		cfg.SessionWaitTimeout = DefaultSessionWaitTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	id := shared.NewID("vc_")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:         id,
		cfg:        cfg,
		log:        log.With("component", "voice_session", "session_id", id),
		client:     client,
		adapter:    adapter,
		inCodec:    audio.NewCodec(cfg.Session.InputFormat, cfg.Session.InputFormat),
		outCodec:   audio.NewCodec(cfg.Session.OutputFormat, transport.PCM16Mono(cfg.PlaybackSampleRate)),
		speech:     NewSpeechController(BargeInPolicy{AllowWhileSpeaking: cfg.InterruptOnSpeech}),
		phase:      newPhaseTracker(),
		callbacks:  deps.Callbacks,
		recorder:   recorder,
		newCapture: deps.NewCapture,
		ctx:        ctx,
		cancel:     cancel,
		cmds:       make(chan func()),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}

	s.outbound = outbound.New(transport.SenderFunc(s.sendFrame), outbound.Config{
		Pacing: cfg.FlushPacing,
		OnSent: func(f transport.Frame) { s.recorder.FrameSent(len(f.Data)) },
	}, log)

	sink := deps.Sink
	if sink == nil {
		sink = discardSink{}
	}
	s.playback = playback.New(sink, s.outCodec.Clip, log)
	s.playback.SetCallbacks(playback.Callbacks{
		OnStart:   s.speech.OnPlaybackStart,
		OnDrained: s.speech.OnPlaybackEnd,
		OnError: func(err error) {
			message := fmt.Sprintf("playback: %v", err)
			s.post(func() { s.emitError(message) })
		},
	})

	go s.run()
	return s, nil
}

type discardSink struct{}

func (discardSink) Play(context.Context, []byte) error { return nil }

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Phase() transport.Phase {
	return s.phase.get()
}

func (s *Session) UpstreamSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstreamID
}

func (s *Session) Adapter() string {
	return s.adapter.Name()
}

func (s *Session) BufferedFrames() int {
	return s.outbound.Len()
}

func (s *Session) PendingPlayback() int {
	return s.playback.Pending()
}

func (s *Session) PendingSends() int64 {
	return s.pending.Load()
}

func (s *Session) Recording() bool {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return s.recording
}

func (s *Session) SpeechState() SpeechState {
	return s.speech.State()
}

// Connect opens the relay link. It returns once the transport is open and does
// not wait for the upstream session.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return shared.ErrClosed
	}

	s.mu.Lock()
	if s.connecting {
		s.mu.Unlock()
		return nil
	}
	if s.client.IsOpen() && s.link == s.client.LinkID() && s.phase.get() >= transport.PhaseTransportOpen {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
	}()

	if err := s.client.Open(ctx); err != nil {
		s.log.Error("relay connect failed", "error", err)
		return err
	}

	s.mu.Lock()
	s.adoptLocked(s.client.LinkID())
	s.mu.Unlock()
	s.flushPhases()
	return nil
}

// WaitForSession blocks until the session is ready or the wait timeout passes.
// A false result lets the caller carry on optimistically.
func (s *Session) WaitForSession(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SessionWaitTimeout)
	defer cancel()
	if err := s.phase.wait(ctx, transport.PhaseReady); err != nil {
		s.log.Warn("session not ready in time, proceeding", "phase", s.phase.get().String(), "error", err)
		return false
	}
	return true
}

func (s *Session) StartRecording(ctx context.Context) error {
	if s.closed.Load() {
		return shared.ErrClosed
	}
	if s.phase.get() < transport.PhaseTransportOpen {
		return shared.ErrNotConnected
	}

	s.recMu.Lock()
	defer s.recMu.Unlock()

	if s.recording {
		return nil
	}
	s.recording = true
	s.pending.Store(0)

	if s.phase.get() < transport.PhaseReady {
		s.wantCapture = true
		s.log.Info("recording requested, capture deferred until ready", "phase", s.phase.get().String())
		return nil
	}
	if err := s.startCaptureLocked(); err != nil {
		s.recording = false
		return err
	}
	return nil
}

func (s *Session) startCaptureLocked() error {
	s.wantCapture = false
	if s.capture != nil {
		return nil
	}
	if s.newCapture == nil {
		return fmt.Errorf("%w: no capture source configured", shared.ErrConfiguration)
	}

	src, err := s.newCapture()
	if err != nil {
		return fmt.Errorf("create capture source: %w", err)
	}
	if err := src.Start(s.ctx, s.Feed); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	s.capture = src
	s.log.Info("capture started")
	return nil
}

func (s *Session) startDeferredCapture() {
	s.recMu.Lock()
	if !s.recording || !s.wantCapture {
		s.recMu.Unlock()
		return
	}
	err := s.startCaptureLocked()
	if err != nil {
		s.recording = false
	}
	s.recMu.Unlock()

	if err != nil {
		s.log.Error("deferred capture start failed", "error", err)
		s.emitError(err.Error())
	}
}

// Feed hands one captured PCM frame to the outbound queue. It is safe to call
// from any goroutine.
func (s *Session) Feed(pcm []byte) {
	if s.closed.Load() || len(pcm) == 0 {
		return
	}
	data := s.inCodec.Capture(pcm, s.cfg.CaptureSampleRate)
	if len(data) == 0 {
		return
	}
	s.outbound.Enqueue(transport.Frame{
		Seq:        s.seq.Add(1),
		Data:       data,
		CapturedAt: time.Now(),
	})
}

func (s *Session) sendFrame(ctx context.Context, frame transport.Frame) error {
	if err := s.client.SendJSON(ctx, s.adapter.AppendAudio(frame.Data)); err != nil {
		return err
	}
	s.pending.Add(1)
	return nil
}

// StopRecording ends the utterance. The commit is only sent when at least one
// frame was transmitted since recording started.
func (s *Session) StopRecording(ctx context.Context) error {
	s.recMu.Lock()
	if !s.recording {
		s.recMu.Unlock()
		return nil
	}
	s.recording = false
	s.wantCapture = false
	src := s.capture
	s.capture = nil
	s.recMu.Unlock()

	if src != nil {
		if err := src.Stop(); err != nil {
			s.log.Warn("capture stop failed", "error", err)
		}
	}

	if s.outbound.Len() > 0 && s.phase.get() < transport.PhaseReady {
		s.WaitForSession(ctx)
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushTimeout)
	err := s.outbound.WaitIdle(flushCtx)
	cancel()
	if err != nil {
		s.log.Warn("outbound queue did not drain before commit", "buffered", s.outbound.Len(), "error", err)
	}

	sent := s.pending.Swap(0)
	if sent == 0 {
		s.recorder.Commit(false)
		s.log.Info("skipping commit", "error", shared.ErrEmptyCommit)
		return nil
	}

	if err := s.sendControl(ctx, s.adapter.Commit()); err != nil {
		return fmt.Errorf("send commit: %w", err)
	}
	if err := s.sendControl(ctx, s.adapter.CreateResponse(s.cfg.Session.Modalities)); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	s.recorder.Commit(true)
	s.log.Info("utterance committed", "frames", sent)
	return nil
}

// SendText sends a typed user turn and asks for a response. It bypasses the
// audio queue.
func (s *Session) SendText(ctx context.Context, text string) error {
	if s.closed.Load() {
		return shared.ErrClosed
	}
	if text == "" {
		return nil
	}
	if s.phase.get() < transport.PhaseReady {
		s.WaitForSession(ctx)
	}

	if err := s.sendControl(ctx, s.adapter.UserText(text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if err := s.sendControl(ctx, s.adapter.CreateResponse(s.cfg.Session.Modalities)); err != nil {
		return fmt.Errorf("request response: %w", err)
	}
	return nil
}

// WaitPlayback blocks until every received audio chunk has been played.
func (s *Session) WaitPlayback(ctx context.Context) error {
	return s.playback.WaitDrained(ctx)
}

// Cleanup tears the session down for good. It is safe to call from any phase
// and more than once.
func (s *Session) Cleanup() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.recMu.Lock()
		src := s.capture
		s.capture = nil
		s.recording = false
		s.wantCapture = false
		s.recMu.Unlock()
		if src != nil {
			if err := src.Stop(); err != nil {
				s.log.Warn("capture stop failed", "error", err)
			}
		}

		close(s.quit)
		s.cancel()

		s.mu.Lock()
		s.cancelSettleLocked()
		s.link = 0
		s.mu.Unlock()

		s.outbound.Close()
		dropped := s.playback.Clear()
		if err := s.client.Shutdown(); err != nil {
			s.log.Debug("relay shutdown", "error", err)
		}

		s.phase.finish()
		s.flushPhases()
		s.log.Info("session cleaned up", "dropped_chunks", dropped)
	})
}

// Done is closed once the message loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.loopDone
}

func (s *Session) run() {
	defer close(s.loopDone)
	events := s.client.Events()

	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.cmds:
			fn()
		case ev := <-events:
			s.handleEvent(ev)
		}
	}
}

// post runs fn on the message loop.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	}
}

func (s *Session) handleEvent(ev relay.Event) {
	s.mu.Lock()
	if ev.Type == relay.EventClosed && ev.Link == s.link && s.link != 0 {
		s.link = 0
		s.cancelSettleLocked()
		s.mu.Unlock()
		s.transportLost(ev.Err)
		return
	}

	current := s.client.LinkID()
	if current == 0 || ev.Link != current {
		s.mu.Unlock()
		s.log.Debug("ignoring event from stale link", "link", ev.Link, "current", current)
		return
	}

	if ev.Link != s.link {
		s.adoptLocked(ev.Link)
	}
	s.mu.Unlock()
	s.flushPhases()

	if ev.Type == relay.EventMessage {
		s.handleMessage(ev.Data)
	}
}

// adoptLocked makes link the session's current link. A previous link's
// progress does not carry over.
func (s *Session) adoptLocked(link uint64) {
	if link == 0 || link == s.link {
		return
	}
	s.link = link
	s.linked = false
	s.cancelSettleLocked()

	if s.phase.get() > transport.PhaseDisconnected {
		s.outbound.NotifyNotReady()
		s.phase.set(transport.PhaseDisconnected)
	}
	s.phase.advance(transport.PhaseTransportOpen)
}

func (s *Session) transportLost(cause error) {
	s.mu.Lock()
	s.linked = false
	s.mu.Unlock()
	s.outbound.NotifyNotReady()
	s.phase.set(transport.PhaseDisconnected)
	s.flushPhases()
	s.log.Warn("relay transport lost", "error", cause, "buffered", s.outbound.Len())
}

func (s *Session) handleMessage(data []byte) {
	env, err := transport.ParseEnvelope(data)
	if err != nil {
		s.log.Warn("dropping malformed message", "error", fmt.Errorf("%w: %v", shared.ErrProtocol, err))
		return
	}

	switch transport.MessageType(env.Type) {
	case transport.MessageTypeConnected:
		s.advance(transport.PhaseRelayAcknowledged)
		return
	case transport.MessageTypeConnectionStatus:
		var status transport.ConnectionStatusPayload
		if err := json.Unmarshal(env.Raw, &status); err != nil {
			s.log.Warn("dropping malformed connection status", "error", fmt.Errorf("%w: %v", shared.ErrProtocol, err))
			return
		}
		s.upstreamStatus(status)
		return
	}

	ev, err := s.adapter.Decode(env)
	if err != nil {
		s.log.Warn("dropping undecodable message", "type", env.Type, "error", err)
		if errors.Is(err, upstream.ErrBadAudio) {
			s.emitError(fmt.Sprintf("playback: %v", err))
		}
		return
	}
	s.dispatch(ev)
}

func (s *Session) upstreamStatus(status transport.ConnectionStatusPayload) {
	current := s.phase.get()

	s.mu.Lock()
	wasLinked := s.linked
	s.linked = status.Connected
	s.mu.Unlock()

	if status.Connected {
		if wasLinked {
			s.log.Debug("duplicate upstream link status", "phase", current.String())
			return
		}
		s.advance(transport.PhaseUpstreamLinked)
		if err := s.sendControl(s.ctx, s.adapter.NegotiateSession(s.cfg.Session)); err != nil {
			s.log.Error("session negotiation failed", "error", err)
			return
		}
		s.log.Info("upstream linked, negotiating session", "adapter", s.adapter.Name())
		return
	}

	if !wasLinked && current < transport.PhaseUpstreamLinked {
		s.log.Debug("upstream not linked", "reason", status.Reason)
		return
	}

	s.mu.Lock()
	s.cancelSettleLocked()
	s.mu.Unlock()
	s.outbound.NotifyNotReady()
	s.phase.set(transport.PhaseRelayAcknowledged)
	s.flushPhases()
	s.log.Warn("upstream link lost, buffering audio", "reason", status.Reason, "buffered", s.outbound.Len())
}

func (s *Session) dispatch(ev upstream.Event) {
	switch ev.Kind {
	case upstream.KindSessionNegotiated:
		s.sessionNegotiated(ev)
	case upstream.KindTranscript:
		if ev.Text != "" && s.callbacks.OnTranscript != nil {
			s.callbacks.OnTranscript(ev.Text, ev.Final)
		}
	case upstream.KindResponseText:
		s.speech.OnResponseStart()
		if ev.Text != "" && s.callbacks.OnResponse != nil {
			s.callbacks.OnResponse(ev.Text)
		}
	case upstream.KindResponseAudio:
		s.recorder.ChunkReceived()
		if s.interrupted {
			return
		}
		s.speech.OnResponseStart()
		s.playback.Enqueue(ev.Audio)
	case upstream.KindSpeechStarted:
		s.bargeIn()
	case upstream.KindResponseDone:
		s.interrupted = false
		s.log.Debug("response done")
		if s.callbacks.OnResponseDone != nil {
			s.callbacks.OnResponseDone()
		}
	case upstream.KindError:
		s.upstreamError(ev.Err)
	case upstream.KindIgnored:
	default:
		s.log.Debug("ignoring unrecognized message", "type", ev.Type)
	}
}

func (s *Session) sessionNegotiated(ev upstream.Event) {
	if ev.SessionID != "" {
		s.mu.Lock()
		s.upstreamID = ev.SessionID
		s.mu.Unlock()
	}

	if !s.advance(transport.PhaseSessionNegotiated) {
		return
	}

	s.mu.Lock()
	s.cancelSettleLocked()
	epoch := s.settleEpoch
	s.settleTimer = time.AfterFunc(s.cfg.SettleDelay, func() {
		s.post(func() { s.settled(epoch) })
	})
	s.mu.Unlock()

	s.log.Info("session negotiated", "upstream_session_id", ev.SessionID, "settle_delay", s.cfg.SettleDelay)
}

func (s *Session) settled(epoch uint64) {
	s.mu.Lock()
	if epoch != s.settleEpoch {
		s.mu.Unlock()
		return
	}
	s.settleTimer = nil
	s.mu.Unlock()

	if s.phase.get() != transport.PhaseSessionNegotiated {
		return
	}
	s.advance(transport.PhaseReady)
	s.readies.Add(1)
	s.outbound.NotifyReady()
	s.startDeferredCapture()
	s.log.Info("session ready", "buffered", s.outbound.Len())
}

func (s *Session) cancelSettleLocked() {
	s.settleEpoch++
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
}

func (s *Session) bargeIn() {
	actions := s.speech.OnUserSpeechStart(time.Now())
	for _, action := range actions {
		switch action.Type {
		case ActionStopPlayback:
			dropped := s.playback.Clear()
			s.interrupted = true
			s.recorder.BargeIn()
			s.log.Info("user barged in, playback cleared", "dropped_chunks", dropped)
		}
	}
}

func (s *Session) upstreamError(uerr *shared.UpstreamError) {
	if uerr == nil {
		uerr = &shared.UpstreamError{Message: "unknown upstream error"}
	}
	transient := shared.IsTransientConnectivity(uerr.Message)
	s.recorder.UpstreamError(transient)
	if transient {
		s.log.Warn("transient upstream error", "error", uerr)
		return
	}
	s.log.Error("upstream error", "error", uerr)
	s.emitError(uerr.Message)
}

func (s *Session) emitError(message string) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(message)
	}
}

func (s *Session) advance(p transport.Phase) bool {
	changed := s.phase.advance(p)
	s.flushPhases()
	return changed
}

func (s *Session) flushPhases() {
	s.phase.dispatch(func(p transport.Phase) {
		s.log.Debug("phase changed", "phase", p.String())
		s.recorder.Phase(p)
		if s.callbacks.OnPhase != nil {
			s.callbacks.OnPhase(p)
		}
	})
}

func (s *Session) sendControl(ctx context.Context, msg any) error {
	ctx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	err := s.client.SendJSON(ctx, msg)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: relay send timed out", shared.ErrTransport)
	}
	return err
}
