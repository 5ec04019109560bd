package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrSessionActive is returned when a session is started while another
	// one is still running.
	ErrSessionActive = errors.New("stt: session already active")
	// ErrNoSession is returned when audio or a stop request has no matching
	// active session.
	ErrNoSession = errors.New("stt: no active session")
)

const (
	ModeChunked   = "chunked"
	ModeStreaming = "streaming"
)

// Timeline receives session lifecycle records.
type Timeline interface {
	SessionStarted(ctx context.Context, sessionID string, p eventstore.SessionPayload) error
	SessionStopped(ctx context.Context, sessionID string, p eventstore.SessionPayload) error
	FinalTranscript(ctx context.Context, sessionID, text string) error
}

// Status describes the service for the HTTP API.
type Status struct {
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"state"`
	Model      string `json:"model"`
	Mode       string `json:"mode,omitempty"`
	Confirmed  string `json:"confirmed"`
	Hypothesis string `json:"hypothesis"`
}

// Service owns the model lifecycle and at most one recording session. Audio
// arrives on the bus or through PushAudio; transcripts are published back to
// the bus and recorded in the timeline.
type Service struct {
	cfg      config.STTConfig
	bus      *bus.Client
	timeline Timeline
	log      *slog.Logger
	metrics  *Metrics
	tracker  *session.Tracker
	backend  Backend
	guard    *Guard

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool

	loadMu      sync.Mutex
	lifecycleMu sync.Mutex

	mu     sync.Mutex
	engine *StreamingEngine
	mode   string
	active *activeSession
	last   lastSession
}

type activeSession struct {
	id      string
	mode    string
	buffer  *audio.Buffer
	loop    Loop
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

type lastSession struct {
	id     string
	update transcript.Update
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, backend Backend, timeline Timeline, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With(slog.String("component", "stt"))
	metrics, err := NewMetrics(nil)
	if err != nil {
		log.Warn("stt metrics unavailable", slogError(err))
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		timeline: timeline,
		log:      log,
		metrics:  metrics,
		tracker:  session.NewTracker(),
		backend:  backend,
		guard:    NewGuard(backend),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus != nil {
		subject := protocol.SubjectAudioFramePrefix + ".>"
		sub, err := s.bus.Subscribe(subject, s.handleFrame)
		if err != nil {
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
		s.sub = sub
	}
	s.ready.Store(true)
	return nil
}

// Close stops any active session, then releases and unloads the model.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout()+s.joinTimeout())
	defer cancel()
	if _, err := s.StopSession(stopCtx); err != nil && !errors.Is(err, ErrNoSession) {
		s.log.Warn("stop session on close failed", slogError(err))
	}
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()
	if engine != nil {
		engine.Stop(s.joinTimeout())
	}
	if err := s.guard.Release(); err != nil {
		s.log.Warn("release backend failed", slogError(err))
	}
	if m := s.tracker.Model(); m == session.ModelLoaded || m == session.ModelError {
		if err := s.tracker.TransitionModel(session.ModelUnloaded); err != nil {
			s.log.Warn("model state update failed", slogError(err))
		}
	}
	if err := s.metrics.Close(); err != nil {
		s.log.Warn("unregister stt metrics failed", slogError(err))
	}
	s.ready.Store(false)
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

// ModelLoaded reports whether sessions can be started.
func (s *Service) ModelLoaded() bool {
	return s.tracker.Model() == session.ModelLoaded
}

// MarkDownloading records that the model file is being fetched. Loads are
// rejected until LoadModel or MarkDownloadFailed is called.
func (s *Service) MarkDownloading() error {
	return s.tracker.BeginDownload()
}

// MarkDownloadFailed moves a downloading model to the error state.
func (s *Service) MarkDownloadFailed() error {
	return s.tracker.TransitionModel(session.ModelError)
}

// LoadModel loads path into the backend, replacing any previous model. The
// inference strategy is fixed here: streaming backends get a decode worker,
// everything else runs the chunked loop.
func (s *Service) LoadModel(ctx context.Context, path string) error {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if err := s.tracker.BeginLoad(); err != nil {
		return err
	}
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "stt.model.load")
	defer span.End()
	span.SetAttributes(attribute.String("path", path))

	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mode = ""
	s.mu.Unlock()
	if engine != nil {
		engine.Stop(s.joinTimeout())
	}
	if err := s.guard.Release(); err != nil {
		s.log.Warn("release previous model failed", slogError(err))
	}

	start := time.Now()
	if err := s.guard.Load(ctx, path); err != nil {
		span.RecordError(err)
		if terr := s.tracker.TransitionModel(session.ModelError); terr != nil {
			s.log.Warn("model state update failed", slogError(terr))
		}
		return fmt.Errorf("load model: %w", err)
	}

	mode := ModeChunked
	if IsStreaming(s.backend) {
		mode = ModeStreaming
		engine = NewStreamingEngine(s.guard, StreamingConfig{
			SampleRate:          s.cfg.SampleRate,
			MaxDecodeIterations: s.cfg.MaxDecodeIterations,
			DrainTimeout:        s.drainTimeout(),
		}, s.metrics, s.log)
		engine.Start()
	}
	s.mu.Lock()
	s.engine = engine
	s.mode = mode
	s.mu.Unlock()

	if err := s.tracker.TransitionModel(session.ModelLoaded); err != nil {
		return err
	}
	s.log.Info("model loaded", slog.String("path", path), slog.String("mode", mode), slog.Duration("took", time.Since(start)))
	return nil
}

// StartSession begins recording. An empty id is replaced by a generated one.
func (s *Service) StartSession(ctx context.Context, id string) (string, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.tracker.State() != session.StateIdle {
		return "", ErrSessionActive
	}
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.tracker.BeginRecording(); err != nil {
		return "", err
	}

	buf := audio.NewBuffer(s.cfg.SampleRate, s.cfg.BufferSeconds)
	hooks := Hooks{OnUpdate: func(u transcript.Update) { s.publishTranscript(id, u, false) }}

	s.mu.Lock()
	engine, mode := s.engine, s.mode
	s.mu.Unlock()

	var loop Loop
	if engine != nil {
		engine.Reset()
		loop = NewStreamingLoop(engine, buf, nil, hooks, s.metrics, s.pollInterval(), s.log)
	} else {
		window := transcript.NewWindowManager(s.cfg.SampleRate, s.cfg.ChunkSeconds)
		loop = NewChunkedLoop(ChunkedConfig{
			SampleRate:     s.cfg.SampleRate,
			ChunkSeconds:   s.cfg.ChunkSeconds,
			Threads:        s.cfg.Threads,
			Language:       s.cfg.Language,
			VADEnabled:     s.cfg.VADEnabled,
			VADThreshold:   float32(s.cfg.VADThreshold),
			SilencePreroll: s.cfg.SilencePreroll,
		}, s.guard, buf, window, hooks, s.metrics, s.log)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	sess := &activeSession{
		id:      id,
		mode:    mode,
		buffer:  buf,
		loop:    loop,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()

	if err := s.tracker.Transition(session.StateRecording); err != nil {
		cancel()
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		_ = s.tracker.Transition(session.StateIdle)
		return "", err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(sess.done)
		if err := loop.Run(runCtx); err != nil {
			s.log.Error("inference loop exited", slog.String("session_id", id), slogError(err))
		}
	}()

	s.recordStart(ctx, sess)
	s.publishSessionState(id, session.StateRecording, mode)
	s.log.Info("session started", slog.String("session_id", id), slog.String("mode", mode))
	return id, nil
}

// PushAudio appends mono samples at the configured rate to the active session.
func (s *Service) PushAudio(id string, samples []float32) error {
	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil || sess.id != id {
		return ErrNoSession
	}
	sess.buffer.Append(samples)
	return nil
}

// StopSession ends the active session and returns its final text.
func (s *Service) StopSession(ctx context.Context) (string, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		return "", ErrNoSession
	}
	if err := s.tracker.Transition(session.StateStopping); err != nil {
		return "", err
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "stt.session.stop")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.id), attribute.String("mode", sess.mode))

	sess.cancel()
	<-sess.done
	text := sess.loop.Finish(ctx)
	final := sess.loop.Current()

	s.mu.Lock()
	s.active = nil
	s.last = lastSession{id: sess.id, update: final}
	s.mu.Unlock()

	s.publishTranscript(sess.id, final, true)
	s.recordStop(ctx, sess, text)
	if err := s.tracker.Transition(session.StateIdle); err != nil {
		return text, err
	}
	s.publishSessionState(sess.id, session.StateIdle, sess.mode)
	s.log.Info("session stopped",
		slog.String("session_id", sess.id),
		slog.Int("samples", sess.buffer.SampleCount()),
		slog.Duration("duration", time.Since(sess.started)))
	return text, nil
}

// Current returns the live transcript of the active session, or the final
// transcript of the last one.
func (s *Service) Current() transcript.Update {
	s.mu.Lock()
	sess, last := s.active, s.last
	s.mu.Unlock()
	if sess != nil {
		return sess.loop.Current()
	}
	return last.update
}

// Status reports session, model and transcript state.
func (s *Service) Status() Status {
	s.mu.Lock()
	sess, last, mode := s.active, s.last, s.mode
	s.mu.Unlock()
	st := Status{
		State: s.tracker.State().String(),
		Model: s.tracker.Model().String(),
		Mode:  mode,
	}
	u := last.update
	st.SessionID = last.id
	if sess != nil {
		u = sess.loop.Current()
		st.SessionID = sess.id
	}
	st.Confirmed = u.Confirmed
	st.Hypothesis = u.Hypothesis
	return st
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if err := frame.Validate(); err != nil {
		s.log.Warn("invalid audio frame", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		s.log.Warn("dropping audio frame with unsupported sample rate",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate))
		return
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = s.cfg.Channels
	}
	samples, err := audio.PCM16ToFloat32(frame.PCM, channels)
	if err != nil {
		s.log.Warn("failed to decode pcm", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}

	s.mu.Lock()
	sess := s.active
	s.mu.Unlock()
	if sess == nil {
		if _, err := s.StartSession(s.ctx, frame.SessionID); err != nil {
			s.log.Warn("failed to start session from audio frame", slog.String("session_id", frame.SessionID), slogError(err))
			return
		}
	}
	if err := s.PushAudio(frame.SessionID, samples); err != nil {
		s.log.Warn("audio frame for inactive session", slog.String("session_id", frame.SessionID))
		return
	}
	if frame.Final {
		ctx, cancel := context.WithTimeout(s.ctx, s.drainTimeout()+s.joinTimeout())
		defer cancel()
		if _, err := s.StopSession(ctx); err != nil {
			s.log.Warn("failed to stop session", slog.String("session_id", frame.SessionID), slogError(err))
		}
	}
}

func (s *Service) publishTranscript(sessionID string, u transcript.Update, final bool) {
	if s.bus == nil {
		return
	}
	if !final && !s.cfg.PublishInterim {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       u.Text(),
		Confirmed:  u.Confirmed,
		Hypothesis: u.Hypothesis,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
	}
	s.publish(subject, msg)
}

func (s *Service) publishSessionState(sessionID string, state session.State, mode string) {
	if s.bus == nil {
		return
	}
	s.publish(protocol.SubjectSessionState, protocol.SessionEvent{
		SessionID: sessionID,
		State:     state.String(),
		Mode:      mode,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) recordStart(ctx context.Context, sess *activeSession) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.SessionStarted(ctx, sess.id, eventstore.SessionPayload{Mode: sess.mode}); err != nil {
		s.log.Warn("failed to record session start", slog.String("session_id", sess.id), slogError(err))
	}
}

func (s *Service) recordStop(ctx context.Context, sess *activeSession, text string) {
	if s.timeline == nil {
		return
	}
	if err := s.timeline.FinalTranscript(ctx, sess.id, text); err != nil {
		s.log.Warn("failed to record transcript", slog.String("session_id", sess.id), slogError(err))
	}
	payload := eventstore.SessionPayload{
		Mode:     sess.mode,
		Samples:  sess.buffer.SampleCount(),
		Duration: time.Since(sess.started).Round(time.Millisecond).String(),
	}
	if err := s.timeline.SessionStopped(ctx, sess.id, payload); err != nil {
		s.log.Warn("failed to record session stop", slog.String("session_id", sess.id), slogError(err))
	}
}

func (s *Service) pollInterval() time.Duration {
	return time.Duration(s.cfg.PollIntervalMS) * time.Millisecond
}

func (s *Service) drainTimeout() time.Duration {
	if s.cfg.DrainTimeoutMS <= 0 {
		return defaultDrainTimeout
	}
	return time.Duration(s.cfg.DrainTimeoutMS) * time.Millisecond
}

func (s *Service) joinTimeout() time.Duration {
	if s.cfg.WorkerJoinTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.cfg.WorkerJoinTimeoutMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
