// Package loop drives capture and classification: one active image source
// at a time, one current result, and stale responses discarded by session
// generation.
package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/classify"
	"github.com/teslashibe/image-insight/pkg/notify"
	"github.com/teslashibe/image-insight/pkg/settings"
)

// DefaultInterval is the pause between streaming cycles.
const DefaultInterval = 100 * time.Millisecond

var (
	// ErrSuperseded is returned when a response arrived for a session that
	// was cleared, stopped or replaced. The response was discarded.
	ErrSuperseded = errors.New("loop: session superseded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("loop: closed")
)

// EndpointSource resolves the inference endpoint. It is read before every request.
type EndpointSource interface {
	Endpoint() settings.EndpointConfig
}

// Loop is the classification state machine.
type Loop struct {
	classifier classify.Classifier
	endpoints  EndpointSource
	opener     camera.Opener
	notifier   notify.Notifier
	logger     *slog.Logger
	interval   time.Duration
	device     string
	cameraCfg  func() camera.Config

	// sessMu serializes session transitions.
	sessMu sync.Mutex
	wg     sync.WaitGroup

	mu             sync.Mutex
	gen            uint64
	version        uint64
	mode           Mode
	phase          Phase
	result         Result
	imageSrc       string
	loading        bool
	sessionID      string
	deviceName     string
	stream         *camera.Stream
	cancel         context.CancelFunc
	closed         bool
	configNotified uint64
	observers      []func(Snapshot)
	frameHooks     []func(camera.Frame)

	submitted atomic.Uint64
	applied   atomic.Uint64
	discarded atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the pause between streaming cycles.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d >= 0 {
			l.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithNotifier sets where user notifications go.
func WithNotifier(n notify.Notifier) Option {
	return func(l *Loop) { l.notifier = n }
}

// WithDefaultDevice sets the device used when StartWebcam gets an empty name.
func WithDefaultDevice(name string) Option {
	return func(l *Loop) { l.device = name }
}

// WithCameraConfig sets the camera configuration read at each session start.
func WithCameraConfig(fn func() camera.Config) Option {
	return func(l *Loop) { l.cameraCfg = fn }
}

// WithCameraManager reads the camera configuration from m.
func WithCameraManager(m *camera.Manager) Option {
	return func(l *Loop) { l.cameraCfg = m.GetConfig }
}

// New creates an idle Loop.
func New(c classify.Classifier, endpoints EndpointSource, opener camera.Opener, opts ...Option) *Loop {
	l := &Loop{
		classifier: c,
		endpoints:  endpoints,
		opener:     opener,
		interval:   DefaultInterval,
		device:     "0",
		cameraCfg:  camera.DefaultConfig,
		mode:       ModeIdle,
		phase:      PhaseIdle,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "loop")
	if l.notifier == nil {
		l.notifier = notify.Log{Logger: l.logger}
	}
	return l
}

// OnChange registers fn to receive every state change in order.
// fn runs with the state locked and must not call back into the Loop.
func (l *Loop) OnChange(fn func(Snapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// OnFrame registers fn to receive every captured streaming frame.
func (l *Loop) OnFrame(fn func(camera.Frame)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frameHooks = append(l.frameHooks, fn)
}

// Snapshot returns a copy of the current state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Result returns the current result.
func (l *Loop) Result() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.result
	r.Predictions = clonePredictions(r.Predictions)
	return r
}

// Stats returns submission counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Submitted: l.submitted.Load(),
		Applied:   l.applied.Load(),
		Discarded: l.discarded.Load(),
		Skipped:   l.skipped.Load(),
		Failed:    l.failed.Load(),
	}
}

// Interval returns the pause between streaming cycles.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

func (l *Loop) snapshotLocked() Snapshot {
	return Snapshot{
		ImageSrc:     l.imageSrc,
		Predictions:  clonePredictions(l.result.Predictions),
		IsLoading:    l.loading,
		ErrorMessage: l.result.Message,
		ErrorKind:    l.result.Kind.String(),
		Phase:        l.phase,
		Mode:         l.mode,
		Streaming:    l.stream != nil,
		Device:       l.deviceName,
		SessionID:    l.sessionID,
		Version:      l.version,
	}
}

func (l *Loop) emitLocked() {
	l.version++
	if len(l.observers) == 0 {
		return
	}
	snap := l.snapshotLocked()
	for _, fn := range l.observers {
		s := snap
		s.Predictions = clonePredictions(snap.Predictions)
		fn(s)
	}
}

// update applies fn if token is still the current generation.
func (l *Loop) update(token uint64, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token != l.gen {
		return false
	}
	fn()
	l.emitLocked()
	return true
}

func (l *Loop) current(token uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return token == l.gen
}

// resetLocked invalidates the current session and returns the stream to
// stop. The caller stops it after unlocking.
func (l *Loop) resetLocked(mode Mode) *camera.Stream {
	l.gen++
	s := l.stream
	if l.cancel != nil {
		l.cancel()
	}
	l.stream = nil
	l.cancel = nil

	l.mode = mode
	l.phase = PhaseIdle
	l.result = Result{}
	l.imageSrc = ""
	l.loading = false
	l.sessionID = ""
	l.deviceName = ""
	l.emitLocked()
	return s
}

// reset tears down the active session and resets the result to Idle.
func (l *Loop) reset(mode Mode) {
	l.mu.Lock()
	s := l.resetLocked(mode)
	l.mu.Unlock()
	l.release(s)
}

func (l *Loop) release(s *camera.Stream) {
	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		l.logger.Warn("camera release failed", "session", s.ID(), "error", err)
		return
	}
	l.logger.Info("camera released", "session", s.ID(), "device", s.Name(), "frames", s.Frames())
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Upload classifies a single image. Any active session is torn down first.
// Upload returns once the response has been applied or discarded; a
// discarded response yields ErrSuperseded.
func (l *Loop) Upload(ctx context.Context, data []byte) error {
	l.sessMu.Lock()
	if l.isClosed() {
		l.sessMu.Unlock()
		return ErrClosed
	}
	l.reset(ModeUpload)

	static, err := camera.LoadStatic(data)
	if err != nil {
		l.sessMu.Unlock()
		l.logger.Warn("upload rejected", "size", len(data), "error", err)
		l.notifier.Notify(notify.Destructive("Invalid File", "Please upload an image file."))
		return err
	}
	frame, _ := static.Next()

	l.mu.Lock()
	token := l.gen
	l.imageSrc = frame.DataURL()
	l.sessionID = uuid.New().String()
	l.emitLocked()
	l.mu.Unlock()
	l.sessMu.Unlock()

	return l.submit(ctx, token, frame.Data, false)
}

// StartWebcam tears down any active session and starts streaming from
// device. An empty device uses the default.
func (l *Loop) StartWebcam(ctx context.Context, device string) error {
	l.sessMu.Lock()
	defer l.sessMu.Unlock()

	if l.isClosed() {
		return ErrClosed
	}
	if device == "" {
		device = l.device
	}
	l.reset(ModeWebcam)

	s, err := camera.StartStream(ctx, l.opener, device, l.cameraCfg())
	if err != nil {
		l.logger.Error("webcam start failed", "device", device, "error", err)
		l.notifier.Notify(notify.Destructive("Webcam Error", "Could not access webcam. Please check permissions."))
		l.mu.Lock()
		l.mode = ModeIdle
		l.emitLocked()
		l.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	l.mu.Lock()
	token := l.gen
	l.stream = s
	l.cancel = cancel
	l.sessionID = s.ID()
	l.deviceName = device
	l.emitLocked()
	l.wg.Add(1)
	l.mu.Unlock()

	l.logger.Info("webcam started", "session", s.ID(), "device", device, "interval", l.interval)
	go l.run(runCtx, token, s)
	return nil
}

// StopWebcam stops streaming and releases the camera. The last result is
// kept; a response still in flight is discarded.
func (l *Loop) StopWebcam() {
	l.sessMu.Lock()
	defer l.sessMu.Unlock()

	l.mu.Lock()
	if l.stream == nil {
		l.mu.Unlock()
		return
	}
	l.gen++
	s := l.stream
	l.cancel()
	l.stream = nil
	l.cancel = nil
	l.loading = false
	if l.phase == PhaseAwaiting {
		l.phase = phaseFor(l.result)
	}
	l.emitLocked()
	l.mu.Unlock()

	l.release(s)
}

// Clear returns to Idle from any state, stopping any stream. It is idempotent.
func (l *Loop) Clear() {
	l.sessMu.Lock()
	defer l.sessMu.Unlock()

	l.mu.Lock()
	mode := l.mode
	l.mu.Unlock()
	l.reset(mode)
}

// SwitchMode tears down the current session, resets to Idle and enters
// mode. Entering webcam mode starts streaming from device.
func (l *Loop) SwitchMode(ctx context.Context, mode Mode, device string) error {
	if mode == ModeWebcam {
		return l.StartWebcam(ctx, device)
	}

	l.sessMu.Lock()
	defer l.sessMu.Unlock()
	if l.isClosed() {
		return ErrClosed
	}
	l.reset(mode)
	return nil
}

// Close stops any session and waits for the streaming goroutine, including
// a request it may still have in flight.
func (l *Loop) Close() {
	l.sessMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.sessMu.Unlock()
		return
	}
	l.closed = true
	s := l.resetLocked(ModeIdle)
	l.mu.Unlock()
	l.release(s)
	l.sessMu.Unlock()

	l.wg.Wait()
}

// run is the streaming cadence: check the token, capture, submit and wait,
// then pause. Frames that are not ready are skipped.
func (l *Loop) run(ctx context.Context, token uint64, s *camera.Stream) {
	defer l.wg.Done()

	timer := time.NewTimer(l.interval)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil || !l.current(token) {
			return
		}

		frame, err := s.Capture(ctx)
		switch {
		case err == nil:
			l.preview(token, frame)
			l.submit(ctx, token, frame.Data, true)
		case errors.Is(err, camera.ErrNotReady):
			l.skipped.Add(1)
		case errors.Is(err, camera.ErrStopped), ctx.Err() != nil:
			return
		default:
			l.logger.Warn("capture failed", "session", s.ID(), "error", err)
		}

		timer.Reset(l.interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

func (l *Loop) preview(token uint64, frame camera.Frame) {
	var hooks []func(camera.Frame)
	ok := l.update(token, func() {
		l.imageSrc = frame.DataURL()
		hooks = l.frameHooks
	})
	if !ok {
		return
	}
	for _, fn := range hooks {
		fn(frame)
	}
}

// submit sends one frame and applies the response if token is still current.
// The request is not cancelled with the session; a late response is
// discarded instead.
func (l *Loop) submit(ctx context.Context, token uint64, data []byte, streaming bool) error {
	ep := l.endpoints.Endpoint()
	if !ep.Configured() {
		l.configError(token)
		return classify.ErrNoEndpoint
	}

	if !l.update(token, func() {
		l.phase = PhaseAwaiting
		l.loading = true
		if l.result.Status == StatusFailure {
			l.result = Result{}
		}
	}) {
		return ErrSuperseded
	}
	l.submitted.Add(1)

	start := time.Now()
	preds, err := l.classifier.Classify(context.WithoutCancel(ctx), ep.URL, data)
	kind := classify.KindOf(err)

	applied := l.update(token, func() {
		l.loading = false
		switch {
		case err == nil:
			l.result = success(preds)
		case kind.Detection():
			l.result = failure(kind)
		}
		l.phase = phaseFor(l.result)
	})
	if !applied {
		l.discarded.Add(1)
		l.logger.Debug("discarding stale response", "kind", kind.String(), "latency", time.Since(start))
		return ErrSuperseded
	}
	l.applied.Add(1)

	switch {
	case err == nil:
		top, _ := classify.Top(preds)
		l.logger.Debug("classified", "class", top.Class, "confidence", top.Confidence, "latency", time.Since(start))
	case kind.Detection():
		l.failed.Add(1)
		l.logger.Info("classification failed", "kind", kind.String(), "error", err, "streaming", streaming)
	case kind == classify.KindConfig:
		l.failed.Add(1)
		l.configError(token)
	default:
		l.failed.Add(1)
		l.logger.Warn("classification error", "error", err, "streaming", streaming)
		if !streaming {
			l.notifier.Notify(notify.Destructive("Classification Failed", err.Error()))
		}
	}
	return err
}

// configError notifies once per session.
func (l *Loop) configError(token uint64) {
	l.mu.Lock()
	first := l.configNotified != token
	l.configNotified = token
	l.mu.Unlock()

	l.logger.Warn("inference server URL is not set")
	if first {
		l.notifier.Notify(notify.Destructive("Configuration Error", classify.UserMessage(classify.KindConfig)))
	}
}

func phaseFor(r Result) Phase {
	if r.Status == StatusPending {
		return PhaseIdle
	}
	return PhaseShowing
}
