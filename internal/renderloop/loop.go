// Package renderloop runs the frame-rate throttled detect, solve and apply
// cycle of a running try-on session.
package renderloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/geometry"
	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
)

// DefaultTargetFPS is the detection rate used when none is configured.
const DefaultTargetFPS = 30

// Source is the detection side of a camera session.
type Source interface {
	FrameSize() (int, int, error)
	Detect(ctx context.Context) (camera.Frame, []landmark.Detection, error)
}

// Surface reports the current display size. It is read every tick.
type Surface interface {
	Width() int
	Height() int
}

// Renderer draws the background frame and applies the overlay pose. Apply is
// never called for a stale session generation.
type Renderer interface {
	DrawFrame(frame camera.Frame, mapping geometry.ViewportMapping)
	Apply(transform landmark.OverlayTransform)
}

type nopRenderer struct{}

func (nopRenderer) DrawFrame(camera.Frame, geometry.ViewportMapping) {}
func (nopRenderer) Apply(landmark.OverlayTransform)                  {}

// Gate reports the generation of the active session and whether it is
// running. Commit runs fn under the gate's lock only while generation is
// current and running, and reports whether fn ran.
type Gate interface {
	Current() (generation uint64, running bool)
	Commit(generation uint64, fn func()) bool
}

// Config tunes the loop.
type Config struct {
	TargetFPS float64
	Solver    landmark.Solver
	// MaxConsecutiveFailures triggers OnPersistentFailure once a streak of
	// detection failures reaches it. Zero disables the check.
	MaxConsecutiveFailures int
	OnPersistentFailure    func(err error)
}

// Stats counts what the loop did.
type Stats struct {
	Callbacks           int64 `json:"callbacks"`
	Throttled           int64 `json:"throttled"`
	Ticks               int64 `json:"ticks"`
	Applied             int64 `json:"applied"`
	Skipped             int64 `json:"skipped"`
	Discarded           int64 `json:"discarded"`
	DetectionFailures   int64 `json:"detection_failures"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`
}

// Loop is bound to one session generation. It stops rescheduling as soon
// as the gate reports a different generation or a non-running state.
type Loop struct {
	cfg       Config
	interval  time.Duration
	scheduler Scheduler
	gate      Gate
	source    Source
	surface   Surface
	renderer  Renderer
	logger    *zap.Logger
	sessionID string

	mu         sync.Mutex
	ctx        context.Context
	generation uint64
	lastTick   time.Time
	started    bool
	stats      Stats
	last       *landmark.OverlayTransform

	doneOnce sync.Once
	done     chan struct{}
}

// New builds a loop. It does nothing until Run is called.
func New(cfg Config, sessionID string, scheduler Scheduler, gate Gate, source Source, surface Surface, renderer Renderer, logger *zap.Logger) *Loop {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = DefaultTargetFPS
	}
	if cfg.Solver == (landmark.Solver{}) {
		cfg.Solver = landmark.DefaultSolver()
	}
	if renderer == nil {
		renderer = nopRenderer{}
	}
	return &Loop{
		cfg:       cfg,
		interval:  time.Duration(float64(time.Second) / cfg.TargetFPS),
		scheduler: scheduler,
		gate:      gate,
		source:    source,
		surface:   surface,
		renderer:  renderer,
		logger:    logging.WithOperation(logger.Named("renderloop"), "renderloop.tick", sessionID),
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
}

// Interval is the minimum time between two detection ticks.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run binds the loop to generation and requests the first frame. Calling
// Run more than once has no effect.
func (l *Loop) Run(ctx context.Context, generation uint64) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.ctx = ctx
	l.generation = generation
	l.mu.Unlock()

	l.scheduler.RequestFrame(l.frame)
}

// Done is closed once the loop has stopped rescheduling itself.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// LastTransform returns the most recently applied overlay pose.
func (l *Loop) LastTransform() (landmark.OverlayTransform, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return landmark.OverlayTransform{}, false
	}
	return *l.last, true
}

func (l *Loop) frame(now time.Time) {
	l.mu.Lock()
	l.stats.Callbacks++
	l.mu.Unlock()

	if !l.active() {
		l.finish()
		return
	}

	l.mu.Lock()
	throttled := !l.lastTick.IsZero() && now.Sub(l.lastTick) < l.interval
	if throttled {
		l.stats.Throttled++
	} else {
		l.lastTick = now
		l.stats.Ticks++
	}
	l.mu.Unlock()

	if !throttled {
		l.tick()
	}

	if !l.active() {
		l.finish()
		return
	}
	l.scheduler.RequestFrame(l.frame)
}

func (l *Loop) tick() {
	sourceW, sourceH, err := l.source.FrameSize()
	if err != nil {
		l.logger.Debug("frame size unavailable", zap.Error(err))
		l.count(func(s *Stats) { s.Skipped++ })
		return
	}
	mapping, err := geometry.FitInts(sourceW, sourceH, l.surface.Width(), l.surface.Height())
	if err != nil {
		l.logger.Debug("skipping tick with degenerate geometry",
			zap.Int("source_width", sourceW), zap.Int("source_height", sourceH),
			zap.Int("display_width", l.surface.Width()), zap.Int("display_height", l.surface.Height()))
		l.count(func(s *Stats) { s.Skipped++ })
		return
	}

	l.mu.Lock()
	ctx, generation := l.ctx, l.generation
	l.mu.Unlock()
	frame, detections, err := l.source.Detect(ctx)
	if err != nil {
		l.detectionFailed(err)
		return
	}
	if !l.active() {
		l.count(func(s *Stats) { s.Discarded++ })
		return
	}
	l.renderer.DrawFrame(frame, mapping)
	l.resetFailures()

	detection, ok := landmark.FirstValid(detections)
	if !ok {
		l.count(func(s *Stats) { s.Skipped++ })
		return
	}
	transform, err := l.cfg.Solver.SolveDetection(detection, mapping)
	if err != nil {
		l.count(func(s *Stats) { s.Skipped++ })
		return
	}

	// The generation may have moved on while the detector was running.
	if !l.gate.Commit(generation, func() { l.renderer.Apply(transform) }) {
		l.count(func(s *Stats) { s.Discarded++ })
		return
	}
	l.mu.Lock()
	l.stats.Applied++
	l.last = &transform
	l.mu.Unlock()
}

func (l *Loop) detectionFailed(err error) {
	l.mu.Lock()
	l.stats.DetectionFailures++
	l.stats.ConsecutiveFailures++
	streak := l.stats.ConsecutiveFailures
	l.mu.Unlock()

	if errors.Is(err, camera.ErrClosed) {
		l.logger.Debug("camera closed under a running loop")
		return
	}
	l.logger.Debug("detection failed", zap.Error(err), zap.Int64("consecutive", streak))

	limit := int64(l.cfg.MaxConsecutiveFailures)
	if limit > 0 && streak == limit {
		l.logger.Warn("detection failing persistently", zap.Error(err), zap.Int64("consecutive", streak))
		if l.cfg.OnPersistentFailure != nil {
			l.cfg.OnPersistentFailure(err)
		}
	}
}

func (l *Loop) resetFailures() {
	l.mu.Lock()
	l.stats.ConsecutiveFailures = 0
	l.mu.Unlock()
}

func (l *Loop) count(fn func(*Stats)) {
	l.mu.Lock()
	fn(&l.stats)
	l.mu.Unlock()
}

func (l *Loop) active() bool {
	generation, running := l.gate.Current()
	l.mu.Lock()
	defer l.mu.Unlock()
	return running && generation == l.generation
}

func (l *Loop) finish() {
	l.doneOnce.Do(func() {
		l.logger.Debug("render loop stopped")
		close(l.done)
	})
}
