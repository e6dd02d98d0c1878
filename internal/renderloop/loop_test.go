package renderloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/camera/fake"
	"github.com/example/tryon/internal/geometry"
	"github.com/example/tryon/internal/landmark"
)

// manualScheduler holds at most one pending callback until the test fires it.
type manualScheduler struct {
	mu      sync.Mutex
	pending func(time.Time)
}

func (s *manualScheduler) RequestFrame(fn func(time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = fn
}

func (s *manualScheduler) fire(t *testing.T, now time.Time) {
	t.Helper()
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.mu.Unlock()
	if fn == nil {
		t.Fatal("no frame callback pending")
	}
	fn(now)
}

func (s *manualScheduler) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

type stubGate struct {
	mu         sync.Mutex
	generation uint64
	running    bool

	// beforeCommit runs ahead of the locked check in Commit.
	beforeCommit func()
}

func (g *stubGate) Commit(generation uint64, fn func()) bool {
	if g.beforeCommit != nil {
		g.beforeCommit()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.generation != generation {
		return false
	}
	fn()
	return true
}

func (g *stubGate) Current() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation, g.running
}

func (g *stubGate) set(generation uint64, running bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.generation, g.running = generation, running
}

type fixedSurface struct{ w, h int }

func (s fixedSurface) Width() int  { return s.w }
func (s fixedSurface) Height() int { return s.h }

type recordingRenderer struct {
	mu      sync.Mutex
	draws   int
	applied []landmark.OverlayTransform
}

func (r *recordingRenderer) DrawFrame(camera.Frame, geometry.ViewportMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draws++
}

func (r *recordingRenderer) Apply(t landmark.OverlayTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, t)
}

func (r *recordingRenderer) appliedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

type harness struct {
	scheduler *manualScheduler
	gate      *stubGate
	detector  *fake.Detector
	renderer  *recordingRenderer
	loop      *Loop
}

func newHarness(t *testing.T, cfg Config, surface Surface, results ...fake.Result) *harness {
	t.Helper()
	detector := fake.NewDetector(results...)
	session, err := camera.Open(context.Background(), "sess", fake.NewDevice(640, 480), detector, camera.DefaultConstraints(), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := session.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })

	h := &harness{
		scheduler: &manualScheduler{},
		gate:      &stubGate{generation: 1, running: true},
		detector:  detector,
		renderer:  &recordingRenderer{},
	}
	h.loop = New(cfg, "sess", h.scheduler, h.gate, session, surface, h.renderer, zap.NewNop())
	h.loop.Run(context.Background(), 1)
	return h
}

var (
	t0       = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	goodFace = fake.Result{Detections: []landmark.Detection{fake.Face(100, 100, 200, 100)}}
)

func TestThrottledCallbacksDoNoWork(t *testing.T) {
	h := newHarness(t, Config{TargetFPS: 30}, fixedSurface{640, 480}, goodFace)

	h.scheduler.fire(t, t0)
	if h.detector.Calls() != 1 || h.renderer.appliedCount() != 1 {
		t.Fatalf("first callback should tick: calls=%d applied=%d", h.detector.Calls(), h.renderer.appliedCount())
	}
	first, _ := h.loop.LastTransform()

	for _, dt := range []time.Duration{0, 5 * time.Millisecond, 16 * time.Millisecond, 33 * time.Millisecond} {
		h.scheduler.fire(t, t0.Add(dt))
	}
	if h.detector.Calls() != 1 {
		t.Fatalf("throttled callbacks must not call the detector, got %d calls", h.detector.Calls())
	}
	if h.renderer.appliedCount() != 1 {
		t.Fatalf("throttled callbacks must not apply, got %d", h.renderer.appliedCount())
	}
	if last, _ := h.loop.LastTransform(); last != first {
		t.Fatalf("last transform changed while throttled: %+v vs %+v", last, first)
	}

	h.scheduler.fire(t, t0.Add(34*time.Millisecond))
	if h.detector.Calls() != 2 {
		t.Fatalf("expected a tick once the interval elapsed, got %d calls", h.detector.Calls())
	}
	stats := h.loop.Stats()
	if stats.Throttled != 4 || stats.Ticks != 2 || stats.Applied != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !h.scheduler.hasPending() {
		t.Fatal("loop should keep rescheduling while running")
	}
}

func TestAppliedTransformMatchesSolver(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{1280, 960}, goodFace)
	h.scheduler.fire(t, t0)

	want, err := landmark.DefaultSolver().Solve(fake.Eye(100, 100), fake.Eye(200, 100), geometry.ViewportMapping{Scale: 2, RenderWidth: 1280, RenderHeight: 960})
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	got, ok := h.loop.LastTransform()
	if !ok || got != want {
		t.Fatalf("unexpected transform: got %+v want %+v", got, want)
	}
}

func TestStopsReschedulingWhenNotRunning(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{640, 480}, goodFace)
	h.gate.set(1, false)

	h.scheduler.fire(t, t0)
	if h.detector.Calls() != 0 {
		t.Fatalf("stopped loop must not detect, got %d calls", h.detector.Calls())
	}
	if h.scheduler.hasPending() {
		t.Fatal("stopped loop must not reschedule")
	}
	select {
	case <-h.loop.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
}

func TestStaleGenerationResultIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, Config{}, fixedSurface{640, 480},
		fake.Result{Detections: goodFace.Detections, Release: release})
	h.detector.Started = make(chan int, 1)

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		h.scheduler.fire(t, t0)
	}()

	<-h.detector.Started
	// Stop and restart while the detector is still working.
	h.gate.set(2, true)
	close(release)
	<-finished

	if h.renderer.appliedCount() != 0 {
		t.Fatalf("stale result was applied %d times", h.renderer.appliedCount())
	}
	if h.loop.Stats().Discarded != 1 {
		t.Fatalf("expected one discarded result, got %+v", h.loop.Stats())
	}
	if h.scheduler.hasPending() {
		t.Fatal("loop bound to an old generation must not reschedule")
	}
	if _, ok := h.loop.LastTransform(); ok {
		t.Fatal("no transform should be recorded")
	}
}

func TestStopBeforeApplyDiscardsResult(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{640, 480}, goodFace)
	h.gate.beforeCommit = func() { h.gate.set(1, false) }

	h.scheduler.fire(t, t0)

	if h.renderer.appliedCount() != 0 {
		t.Fatalf("result of a stopped session was applied %d times", h.renderer.appliedCount())
	}
	if stats := h.loop.Stats(); stats.Discarded != 1 || stats.Applied != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if h.scheduler.hasPending() {
		t.Fatal("stopped loop must not reschedule")
	}
}

func TestDetectionFailuresKeepLastPoseAndKeepTicking(t *testing.T) {
	boom := errors.New("decode error")
	var persistent []error
	cfg := Config{
		MaxConsecutiveFailures: 3,
		OnPersistentFailure:    func(err error) { persistent = append(persistent, err) },
	}
	h := newHarness(t, cfg, fixedSurface{640, 480},
		goodFace, fake.Result{Err: boom}, fake.Result{Err: boom}, fake.Result{Err: boom}, fake.Result{Err: boom})

	now := t0
	for i := 0; i < 5; i++ {
		h.scheduler.fire(t, now)
		now = now.Add(h.loop.Interval())
	}

	if h.detector.Calls() != 5 {
		t.Fatalf("loop should keep ticking through failures, got %d calls", h.detector.Calls())
	}
	if h.renderer.appliedCount() != 1 {
		t.Fatalf("failures must not apply or clear the overlay, got %d applies", h.renderer.appliedCount())
	}
	if len(persistent) != 1 || !errors.Is(persistent[0], camera.ErrDetectionFailed) {
		t.Fatalf("expected one persistent failure report, got %v", persistent)
	}
	stats := h.loop.Stats()
	if stats.DetectionFailures != 4 || stats.ConsecutiveFailures != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !h.scheduler.hasPending() {
		t.Fatal("loop must survive detection failures")
	}
}

func TestInvalidDetectionsAreSkipped(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{640, 480},
		fake.Result{},
		fake.Result{Detections: []landmark.Detection{{LeftEye: fake.Eye(1, 1)}}},
	)
	h.scheduler.fire(t, t0)
	h.scheduler.fire(t, t0.Add(time.Second))

	if h.renderer.appliedCount() != 0 {
		t.Fatalf("expected no transforms, got %d", h.renderer.appliedCount())
	}
	if h.renderer.draws != 2 {
		t.Fatalf("background should still be drawn each tick, got %d", h.renderer.draws)
	}
	if h.loop.Stats().Skipped != 2 {
		t.Fatalf("unexpected stats: %+v", h.loop.Stats())
	}
}

func TestDegenerateSurfaceSkipsDetection(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{0, 480}, goodFace)
	h.scheduler.fire(t, t0)

	if h.detector.Calls() != 0 {
		t.Fatalf("expected no detection with a zero-width surface, got %d", h.detector.Calls())
	}
	if !h.scheduler.hasPending() {
		t.Fatal("loop should retry on the next callback")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, fixedSurface{640, 480}, goodFace)
	h.loop.Run(context.Background(), 7)
	h.scheduler.fire(t, t0)
	if h.detector.Calls() != 1 {
		t.Fatalf("second Run must not rebind the generation, got %d calls", h.detector.Calls())
	}
}

func TestClockSchedulerNeverOverlapsDetections(t *testing.T) {
	detector := fake.NewDetector(goodFace)
	session, err := camera.Open(context.Background(), "sess", fake.NewDevice(320, 240), detector, camera.DefaultConstraints(), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := session.WaitReady(context.Background()); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	defer session.Close()

	gate := &stubGate{generation: 1, running: true}
	renderer := &recordingRenderer{}
	scheduler := NewClockScheduler(clock.New(), 1000)
	loop := New(Config{TargetFPS: 500}, "sess", scheduler, gate, session, fixedSurface{320, 240}, renderer, zap.NewNop())
	loop.Run(context.Background(), 1)

	deadline := time.After(5 * time.Second)
	for detector.Calls() < 5 {
		select {
		case <-deadline:
			t.Fatalf("loop did not tick, calls=%d", detector.Calls())
		case <-time.After(5 * time.Millisecond):
		}
	}
	gate.set(1, false)

	select {
	case <-loop.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if detector.MaxInFlight() != 1 {
		t.Fatalf("detections overlapped: max in flight %d", detector.MaxInFlight())
	}
}
