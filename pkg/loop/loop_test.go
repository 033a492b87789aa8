package loop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teslashibe/image-insight/internal/log"
	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/classify"
	"github.com/teslashibe/image-insight/pkg/notify"
	"github.com/teslashibe/image-insight/pkg/settings"
)

var testJPEG = func() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 90, A: 255})
		}
	}
	data, err := camera.EncodeJPEG(img, 80)
	if err != nil {
		panic(err)
	}
	return data
}()

// fakeCamera counts acquire/release pairs.
type fakeCamera struct {
	opened atomic.Int32
	closed atomic.Int32
	fail   error
	ready  func() bool
}

type fakeDevice struct {
	cam    *fakeCamera
	closed atomic.Bool
}

func (f *fakeCamera) Open(ctx context.Context, name string, cfg camera.Config) (camera.Device, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.opened.Add(1)
	return &fakeDevice{cam: f}, nil
}

func (d *fakeDevice) Grab(cfg camera.Config) ([]byte, error) {
	if d.cam.ready != nil && !d.cam.ready() {
		return nil, camera.ErrNotReady
	}
	return testJPEG, nil
}

func (d *fakeDevice) Close() error {
	if !d.closed.Swap(true) {
		d.cam.closed.Add(1)
	}
	return nil
}

// history records every snapshot delivered to observers.
type history struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (h *history) add(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snaps = append(h.snaps, s)
}

func (h *history) phases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Phase, len(h.snaps))
	for i, s := range h.snaps {
		out[i] = s.Phase
	}
	return out
}

type harness struct {
	loop      *Loop
	cam       *fakeCamera
	notes     *notify.Recorder
	history   *history
	endpoints *settings.Endpoints
}

func newHarness(t *testing.T, c classify.Classifier, endpoint string) *harness {
	t.Helper()
	h := &harness{
		cam:       &fakeCamera{},
		notes:     &notify.Recorder{},
		history:   &history{},
		endpoints: settings.NewEndpoints(settings.NewMemoryStore(), endpoint),
	}
	h.loop = New(c, h.endpoints, h.cam,
		WithInterval(5*time.Millisecond),
		WithNotifier(h.notes),
		WithLogger(log.Discard()),
	)
	h.loop.OnChange(h.history.add)
	t.Cleanup(h.loop.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blockingClassifier blocks every call until release is closed.
type blockingClassifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	preds   []classify.Prediction
}

func newBlocking(preds ...classify.Prediction) *blockingClassifier {
	return &blockingClassifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		preds:   preds,
	}
}

func (b *blockingClassifier) Classify(ctx context.Context, endpoint string, image []byte) ([]classify.Prediction, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.preds, nil
}

func jsonServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var cat = classify.Prediction{Class: "cat", Confidence: 0.92, ConfidencePercent: "92%", Rank: 1}

func TestUploadCat(t *testing.T) {
	srv := jsonServer(t, http.StatusOK,
		`{"predictions":[{"class":"cat","confidence":0.92,"confidence_percent":"92%","rank":1}]}`, nil)
	h := newHarness(t, classify.NewClient(), srv.URL)

	if err := h.loop.Upload(context.Background(), testJPEG); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	snap := h.loop.Snapshot()
	if snap.Phase != PhaseShowing {
		t.Errorf("phase = %s, want %s", snap.Phase, PhaseShowing)
	}
	if len(snap.Predictions) != 1 || snap.Predictions[0] != cat {
		t.Errorf("predictions = %+v", snap.Predictions)
	}
	if snap.ErrorMessage != "" || snap.IsLoading {
		t.Errorf("unexpected error/loading: %+v", snap)
	}
	if snap.ImageSrc == "" || snap.Mode != ModeUpload {
		t.Errorf("upload should show the image: mode=%s", snap.Mode)
	}
	if r := h.loop.Result(); r.Status != StatusSuccess {
		t.Errorf("status = %s", r.Status)
	}

	phases := h.history.phases()
	if !slices.Contains(phases, PhaseAwaiting) {
		t.Errorf("expected AwaitingResult before the result, got %v", phases)
	}
}

func TestUploadHTTP500(t *testing.T) {
	srv := jsonServer(t, http.StatusInternalServerError, `{"detail":"boom"}`, nil)
	h := newHarness(t, classify.NewClient(), srv.URL)

	err := h.loop.Upload(context.Background(), testJPEG)
	var httpErr *classify.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 500 {
		t.Fatalf("expected HTTPError 500, got %v", err)
	}

	snap := h.loop.Snapshot()
	if snap.Phase != PhaseShowing {
		t.Errorf("phase = %s", snap.Phase)
	}
	if snap.ErrorMessage != classify.NoFaceMessage {
		t.Errorf("message = %q", snap.ErrorMessage)
	}
	if snap.ErrorKind != "http_error" {
		t.Errorf("kind = %q", snap.ErrorKind)
	}
	if len(snap.Predictions) != 0 || snap.Predictions == nil {
		t.Errorf("predictions should be empty, got %v", snap.Predictions)
	}
	if len(h.notes.All()) != 0 {
		t.Errorf("detection failures should not notify: %v", h.notes.Titles())
	}
}

func TestUploadNoEndpoint(t *testing.T) {
	mock := classify.NewMock(cat)
	store := settings.NewMemoryStore()
	store.Set(settings.KeyServerURL, "")

	notes := &notify.Recorder{}
	hist := &history{}
	l := New(mock, settings.NewEndpoints(store, ""), &fakeCamera{}, WithNotifier(notes))
	l.OnChange(hist.add)
	defer l.Close()

	err := l.Upload(context.Background(), testJPEG)
	if !errors.Is(err, classify.ErrNoEndpoint) {
		t.Fatalf("expected ErrNoEndpoint, got %v", err)
	}
	if slices.Contains(hist.phases(), PhaseAwaiting) {
		t.Error("loop must never reach AwaitingResult without an endpoint")
	}
	if !slices.Equal(notes.Titles(), []string{"Configuration Error"}) {
		t.Errorf("notifications = %v", notes.Titles())
	}
	if mock.CallCount() != 0 {
		t.Error("no request should be made")
	}
}

func TestUploadInvalidFile(t *testing.T) {
	mock := classify.NewMock(cat)
	h := newHarness(t, mock, "http://inference.local/predict")

	err := h.loop.Upload(context.Background(), []byte("plain text, not an image"))
	if !errors.Is(err, camera.ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
	if !slices.Equal(h.notes.Titles(), []string{"Invalid File"}) {
		t.Errorf("notifications = %v", h.notes.Titles())
	}
	if snap := h.loop.Snapshot(); snap.Phase != PhaseIdle || snap.ImageSrc != "" {
		t.Errorf("state should stay idle: %+v", snap)
	}
	if mock.CallCount() != 0 {
		t.Error("invalid file must not be submitted")
	}
}

func TestUploadUnknownError(t *testing.T) {
	mock := &classify.Mock{ClassifyFunc: func(ctx context.Context, endpoint string, image []byte) ([]classify.Prediction, error) {
		return nil, errors.New("connection reset")
	}}
	h := newHarness(t, mock, "http://inference.local/predict")

	if err := h.loop.Upload(context.Background(), testJPEG); err == nil {
		t.Fatal("expected error")
	}

	snap := h.loop.Snapshot()
	if snap.IsLoading {
		t.Error("loading should end")
	}
	if snap.Phase != PhaseIdle || snap.ErrorMessage != "" {
		t.Errorf("unknown errors leave the result untouched: %+v", snap)
	}
	if !slices.Equal(h.notes.Titles(), []string{"Classification Failed"}) {
		t.Errorf("notifications = %v", h.notes.Titles())
	}
}

func TestPredictionOrderPreserved(t *testing.T) {
	preds := []classify.Prediction{
		{Class: "dog", Confidence: 0.5, ConfidencePercent: "50%", Rank: 1},
		{Class: "cat", Confidence: 0.3, ConfidencePercent: "30%", Rank: 2},
		{Class: "fox", Confidence: 0.2, ConfidencePercent: "20%", Rank: 3},
	}
	h := newHarness(t, classify.NewMock(preds...), "http://inference.local/predict")

	if err := h.loop.Upload(context.Background(), testJPEG); err != nil {
		t.Fatal(err)
	}
	got := h.loop.Snapshot().Predictions
	if !slices.Equal(got, preds) {
		t.Errorf("predictions = %+v, want %+v", got, preds)
	}

	// Observers get copies.
	got[0].Class = "mutated"
	if h.loop.Snapshot().Predictions[0].Class != "dog" {
		t.Error("snapshot predictions must be copies")
	}
}

func TestStopDiscardsInFlightResponse(t *testing.T) {
	b := newBlocking(cat)
	h := newHarness(t, b, "http://inference.local/predict")

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	<-b.entered
	if snap := h.loop.Snapshot(); snap.Phase != PhaseAwaiting {
		t.Fatalf("phase = %s, want awaiting", snap.Phase)
	}

	h.loop.StopWebcam()
	close(b.release)

	waitFor(t, "stale response", func() bool { return h.loop.Stats().Discarded == 1 })

	if slices.Contains(h.history.phases(), PhaseShowing) {
		t.Error("stale response must never reach ShowingResult")
	}
	snap := h.loop.Snapshot()
	if snap.Streaming || snap.IsLoading || len(snap.Predictions) != 0 {
		t.Errorf("unexpected state after stop: %+v", snap)
	}
	if h.cam.opened.Load() != 1 || h.cam.closed.Load() != 1 {
		t.Errorf("opened=%d closed=%d", h.cam.opened.Load(), h.cam.closed.Load())
	}
}

func TestClearSupersedesUpload(t *testing.T) {
	b := newBlocking(cat)
	h := newHarness(t, b, "http://inference.local/predict")

	done := make(chan error, 1)
	go func() { done <- h.loop.Upload(context.Background(), testJPEG) }()

	<-b.entered
	h.loop.Clear()
	close(b.release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	snap := h.loop.Snapshot()
	if snap.Phase != PhaseIdle || snap.ImageSrc != "" || len(snap.Predictions) != 0 {
		t.Errorf("cleared state overwritten: %+v", snap)
	}
}

func TestLateUploadDoesNotOverwriteWebcam(t *testing.T) {
	b := newBlocking(cat)
	h := newHarness(t, b, "http://inference.local/predict")

	done := make(chan error, 1)
	go func() { done <- h.loop.Upload(context.Background(), testJPEG) }()
	<-b.entered

	if err := h.loop.SwitchMode(context.Background(), ModeWebcam, ""); err != nil {
		t.Fatal(err)
	}
	close(b.release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	waitFor(t, "stream result", func() bool { return h.loop.Snapshot().Phase == PhaseShowing })
	if h.loop.Snapshot().Mode != ModeWebcam {
		t.Error("mode should be webcam")
	}
}

func TestClearIdempotent(t *testing.T) {
	h := newHarness(t, classify.NewMock(cat), "http://inference.local/predict")

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first result", func() bool { return h.loop.Snapshot().Phase == PhaseShowing })

	for i := 0; i < 3; i++ {
		h.loop.Clear()
		snap := h.loop.Snapshot()
		if snap.ImageSrc != "" || len(snap.Predictions) != 0 || snap.ErrorMessage != "" {
			t.Fatalf("clear #%d left %+v", i+1, snap)
		}
		if snap.Phase != PhaseIdle || snap.Streaming {
			t.Fatalf("clear #%d: phase=%s streaming=%v", i+1, snap.Phase, snap.Streaming)
		}
	}

	if h.cam.closed.Load() != 1 {
		t.Errorf("camera released %d times, want 1", h.cam.closed.Load())
	}
}

func TestSwitchModeAcquireReleasePairs(t *testing.T) {
	h := newHarness(t, classify.NewMock(cat), "http://inference.local/predict")
	ctx := context.Background()

	steps := []Mode{ModeUpload, ModeWebcam, ModeUpload, ModeWebcam, ModeWebcam, ModeUpload}
	webcams := 0
	for _, m := range steps {
		if err := h.loop.SwitchMode(ctx, m, "0"); err != nil {
			t.Fatalf("SwitchMode(%s): %v", m, err)
		}
		if m == ModeWebcam {
			webcams++
		}
		if got := h.loop.Snapshot().Mode; got != m {
			t.Errorf("mode = %s, want %s", got, m)
		}
	}

	if int(h.cam.opened.Load()) != webcams || int(h.cam.closed.Load()) != webcams {
		t.Errorf("opened=%d closed=%d, want %d each", h.cam.opened.Load(), h.cam.closed.Load(), webcams)
	}
}

func TestStreamingContinuesAfterEmptyPredictions(t *testing.T) {
	var hits atomic.Int32
	srv := jsonServer(t, http.StatusOK, `{"predictions":[]}`, &hits)
	h := newHarness(t, classify.NewClient(), srv.URL)

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "repeated submissions", func() bool { return hits.Load() >= 3 })

	snap := h.loop.Snapshot()
	if !snap.Streaming {
		t.Error("stream should keep running")
	}
	if snap.ErrorKind != "no_detection" && snap.Phase != PhaseAwaiting {
		t.Errorf("expected no_detection failure, got %+v", snap)
	}
	if h.loop.Stats().Failed < 2 {
		t.Errorf("stats = %+v", h.loop.Stats())
	}
	if len(h.notes.All()) != 0 {
		t.Errorf("no notifications expected, got %v", h.notes.Titles())
	}
}

// pacedClassifier takes service time per call and records when each call
// started and finished and how many ran at once.
type pacedClassifier struct {
	service time.Duration

	mu       sync.Mutex
	inflight int
	maxSeen  int
	starts   []time.Time
	ends     []time.Time
}

func (c *pacedClassifier) Classify(ctx context.Context, endpoint string, image []byte) ([]classify.Prediction, error) {
	c.mu.Lock()
	c.inflight++
	c.maxSeen = max(c.maxSeen, c.inflight)
	c.starts = append(c.starts, time.Now())
	c.mu.Unlock()

	time.Sleep(c.service)

	c.mu.Lock()
	c.inflight--
	c.ends = append(c.ends, time.Now())
	c.mu.Unlock()
	return nil, classify.ErrNoDetection
}

func (c *pacedClassifier) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ends)
}

func TestStreamingCadence(t *testing.T) {
	const (
		service  = 20 * time.Millisecond
		interval = 50 * time.Millisecond
	)
	c := &pacedClassifier{service: service}
	cam := &fakeCamera{}
	l := New(c, settings.NewEndpoints(settings.NewMemoryStore(), "http://inference.local/predict"), cam,
		WithInterval(interval),
		WithNotifier(&notify.Recorder{}),
		WithLogger(log.Discard()),
	)
	t.Cleanup(l.Close)

	if err := l.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "four requests", func() bool { return c.calls() >= 4 })
	l.StopWebcam()
	l.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSeen != 1 {
		t.Errorf("max concurrent requests = %d, want 1", c.maxSeen)
	}
	for i := 1; i < len(c.starts); i++ {
		if pause := c.starts[i].Sub(c.ends[i-1]); pause < interval {
			t.Errorf("request %d started %v after the previous answer, want >= %v", i, pause, interval)
		}
		if gap := c.starts[i].Sub(c.starts[i-1]); gap < interval+service {
			t.Errorf("requests %d and %d are %v apart, want >= %v", i-1, i, gap, interval+service)
		}
	}
	// the last answer may land after StopWebcam and be discarded
	if got := l.Stats().Failed; got < 3 {
		t.Errorf("failed = %d, want every request to fail and the stream to go on", got)
	}
}

func TestStreamingSkipsNotReadyFrames(t *testing.T) {
	mock := classify.NewMock(cat)
	h := newHarness(t, mock, "http://inference.local/predict")

	var grabs atomic.Int32
	h.cam.ready = func() bool { return grabs.Add(1) > 3 }

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first result", func() bool { return h.loop.Snapshot().Phase == PhaseShowing })

	if h.loop.Stats().Skipped != 3 {
		t.Errorf("skipped = %d, want 3", h.loop.Stats().Skipped)
	}
	if h.loop.Snapshot().ImageSrc == "" {
		t.Error("captured frames should be previewed")
	}
}

func TestStreamingUnknownErrorOnlyLogs(t *testing.T) {
	mock := &classify.Mock{ClassifyFunc: func(ctx context.Context, endpoint string, image []byte) ([]classify.Prediction, error) {
		return nil, errors.New("connection refused")
	}}
	h := newHarness(t, mock, "http://inference.local/predict")

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "several attempts", func() bool { return mock.CallCount() >= 3 })
	h.loop.StopWebcam()

	if len(h.notes.All()) != 0 {
		t.Errorf("streaming should not notify unknown errors: %v", h.notes.Titles())
	}
}

func TestStreamingConfigErrorNotifiesOnce(t *testing.T) {
	mock := classify.NewMock(cat)
	h := newHarness(t, mock, "http://inference.local/predict")
	if _, err := h.endpoints.Save(""); err != nil {
		t.Fatal(err)
	}

	var grabs atomic.Int32
	h.cam.ready = func() bool { grabs.Add(1); return true }

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "several cycles", func() bool { return grabs.Load() >= 3 })
	h.loop.StopWebcam()

	if !slices.Equal(h.notes.Titles(), []string{"Configuration Error"}) {
		t.Errorf("notifications = %v", h.notes.Titles())
	}
	if mock.CallCount() != 0 {
		t.Error("no request without an endpoint")
	}
	if slices.Contains(h.history.phases(), PhaseAwaiting) {
		t.Error("loop must never reach AwaitingResult without an endpoint")
	}
}

func TestStartWebcamDeviceUnavailable(t *testing.T) {
	h := newHarness(t, classify.NewMock(cat), "http://inference.local/predict")
	h.cam.fail = errors.New("permission denied")

	err := h.loop.StartWebcam(context.Background(), "0")
	if !errors.Is(err, camera.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	snap := h.loop.Snapshot()
	if snap.Mode != ModeIdle || snap.Phase != PhaseIdle || snap.Streaming {
		t.Errorf("state should be idle: %+v", snap)
	}
	if !slices.Equal(h.notes.Titles(), []string{"Webcam Error"}) {
		t.Errorf("notifications = %v", h.notes.Titles())
	}
}

func TestEndpointReadBeforeEveryRequest(t *testing.T) {
	mock := classify.NewMock(cat)
	h := newHarness(t, mock, "http://first.local/predict")

	h.loop.Upload(context.Background(), testJPEG)
	h.endpoints.Save("http://second.local/predict")
	h.loop.Upload(context.Background(), testJPEG)

	calls := mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Endpoint != "http://first.local/predict" || calls[1].Endpoint != "http://second.local/predict" {
		t.Errorf("endpoints = %q, %q", calls[0].Endpoint, calls[1].Endpoint)
	}
}

func TestOnFrame(t *testing.T) {
	h := newHarness(t, classify.NewMock(cat), "http://inference.local/predict")

	frames := make(chan camera.Frame, 16)
	h.loop.OnFrame(func(f camera.Frame) {
		select {
		case frames <- f:
		default:
		}
	})

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-frames:
		if f.ContentType != "image/jpeg" {
			t.Errorf("content type = %s", f.ContentType)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t, classify.NewMock(cat), "http://inference.local/predict")

	if err := h.loop.StartWebcam(context.Background(), "0"); err != nil {
		t.Fatal(err)
	}
	h.loop.Close()
	h.loop.Close()

	if h.cam.closed.Load() != 1 {
		t.Errorf("camera released %d times", h.cam.closed.Load())
	}
	if err := h.loop.Upload(context.Background(), testJPEG); !errors.Is(err, ErrClosed) {
		t.Errorf("Upload after Close: %v", err)
	}
	if err := h.loop.StartWebcam(context.Background(), "0"); !errors.Is(err, ErrClosed) {
		t.Errorf("StartWebcam after Close: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"upload", "webcam", "idle"} {
		if _, ok := ParseMode(s); !ok {
			t.Errorf("ParseMode(%q) failed", s)
		}
	}
	if _, ok := ParseMode("video"); ok {
		t.Error("unknown mode accepted")
	}
}
