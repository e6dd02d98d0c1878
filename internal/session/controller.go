// Package session coordinates camera, detector and render loop of one
// try-on widget instance as a single start/stop unit.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/logging"
	"github.com/example/tryon/internal/renderloop"
)

var (
	// ErrAlreadyActive is returned by Start when a session is starting or running.
	ErrAlreadyActive = errors.New("session: already active")
	// ErrStartAborted is returned by Start when Stop was requested mid-startup.
	ErrStartAborted = errors.New("session: start aborted")
)

// State is the lifecycle state of a controller.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Stop reasons reported in Summary.
const (
	ReasonUserStop           = "user_stop"
	ReasonShutdown           = "shutdown"
	ReasonPersistentFailures = "persistent_detection_failure"
)

// Dependencies are the collaborators a controller drives.
type Dependencies struct {
	Device    camera.Device
	Detector  camera.Detector
	Scheduler renderloop.Scheduler
	Surface   renderloop.Surface
	// NewRenderer builds the renderer for one generation. The returned release
	// func, if any, runs after the camera is released.
	NewRenderer func(generation uint64) (renderloop.Renderer, func())
}

// Config tunes startup and teardown.
type Config struct {
	Constraints  camera.Constraints
	Loop         renderloop.Config
	ReadyTimeout time.Duration
	StopTimeout  time.Duration
}

// Summary describes one finished Running period.
type Summary struct {
	SessionID  string
	Generation uint64
	StartedAt  time.Time
	StoppedAt  time.Time
	Reason     string
	Stats      renderloop.Stats
	CloseErr   error
}

// Controller owns the lifecycle of one widget instance. The zero value is
// not usable; use NewController.
type Controller struct {
	id     string
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	clock  clock.Clock

	// OnStopped, when set, is called after every return to Idle from Running.
	OnStopped func(Summary)

	mu         sync.Mutex
	state      State
	generation uint64
	cam        *camera.Session
	loop       *renderloop.Loop
	release    func()
	startedAt  time.Time
	lastStats  renderloop.Stats
	idle       chan struct{}
	// abortStart cancels an in-flight Start.
	abortStart context.CancelFunc
}

// NewController returns an Idle controller.
func NewController(id string, cfg Config, deps Dependencies, logger *zap.Logger, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	idle := make(chan struct{})
	close(idle)
	return &Controller{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("session_controller"),
		clock:  clk,
		idle:   idle,
	}
}

// ID returns the widget session identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the generation of the most recent start.
func (c *Controller) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Current implements renderloop.Gate.
func (c *Controller) Current() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation, c.state == Running
}

// Commit implements renderloop.Gate. fn runs under the controller lock, so a
// concurrent stop either precedes it or waits for it.
func (c *Controller) Commit(generation uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.generation != generation {
		return false
	}
	fn()
	return true
}

// Stats returns the counters of the running loop, or those of the last
// finished run when idle.
func (c *Controller) Stats() renderloop.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return c.loop.Stats()
	}
	return c.lastStats
}

// Loop returns the active render loop, or nil.
func (c *Controller) Loop() *renderloop.Loop {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// Start acquires the camera, waits for frame metadata and starts the render
// loop. On failure every acquired resource is released and the controller
// is Idle again. A controller that is still stopping is waited for.
func (c *Controller) Start(ctx context.Context) error {
	opLogger := logging.WithOperation(c.logger, "session.start", c.id)
	ctx, err := c.enterStarting(ctx)
	if err != nil {
		return err
	}

	defer c.clearAbort()

	cam, err := camera.Open(ctx, c.id, c.deps.Device, c.deps.Detector, c.cfg.Constraints, c.logger)
	if err != nil {
		c.backToIdle()
		opLogger.Warn("start failed", zap.Error(err))
		return err
	}

	readyCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadyTimeout)
	err = cam.WaitReady(readyCtx)
	cancel()
	if err != nil {
		err = multierr.Append(logging.NewOperationError("session.start", c.id, camera.ErrNotReady), err)
		c.rollback(cam, opLogger)
		opLogger.Warn("stream never became ready", zap.Error(err))
		return err
	}

	c.mu.Lock()
	if c.state != Starting {
		c.mu.Unlock()
		c.rollback(cam, opLogger)
		return logging.NewOperationError("session.start", c.id, ErrStartAborted)
	}
	c.generation++
	generation := c.generation

	var renderer renderloop.Renderer
	var release func()
	if c.deps.NewRenderer != nil {
		renderer, release = c.deps.NewRenderer(generation)
	}
	loopCfg := c.cfg.Loop
	loopCfg.OnPersistentFailure = func(err error) {
		// Runs on the loop's callback; stopping must not block it.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout*2)
			defer cancel()
			if stopErr := c.stop(ctx, ReasonPersistentFailures, generation); stopErr != nil {
				c.logger.Warn("automatic stop failed", zap.Error(stopErr))
			}
		}()
	}
	loop := renderloop.New(loopCfg, c.id, c.deps.Scheduler, c, cam, c.deps.Surface, renderer, c.logger)

	c.cam = cam
	c.loop = loop
	c.release = release
	c.startedAt = c.clock.Now()
	c.state = Running
	c.mu.Unlock()

	w, h, _ := cam.FrameSize()
	opLogger.Info("session running", zap.Uint64("generation", generation), zap.Int("frame_width", w), zap.Int("frame_height", h))
	loop.Run(context.Background(), generation)
	return nil
}

// enterStarting moves Idle to Starting and returns a context that a
// concurrent stop cancels.
func (c *Controller) enterStarting(ctx context.Context) (context.Context, error) {
	for {
		c.mu.Lock()
		switch c.state {
		case Idle:
			startCtx, cancel := context.WithCancel(ctx)
			c.state = Starting
			c.idle = make(chan struct{})
			c.abortStart = cancel
			c.mu.Unlock()
			return startCtx, nil
		case Stopping:
			idle := c.idle
			c.mu.Unlock()
			select {
			case <-idle:
			case <-ctx.Done():
				return nil, logging.NewOperationError("session.start", c.id, ctx.Err())
			}
		default:
			c.mu.Unlock()
			return nil, logging.NewOperationError("session.start", c.id, ErrAlreadyActive)
		}
	}
}

func (c *Controller) clearAbort() {
	c.mu.Lock()
	cancel := c.abortStart
	c.abortStart = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) rollback(cam *camera.Session, logger *zap.Logger) {
	if err := cam.Close(); err != nil {
		logger.Warn("camera release during rollback failed", zap.Error(err))
	}
	c.backToIdle()
}

func (c *Controller) backToIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toIdleLocked()
}

func (c *Controller) toIdleLocked() {
	c.state = Idle
	c.cam = nil
	c.loop = nil
	c.release = nil
	select {
	case <-c.idle:
	default:
		close(c.idle)
	}
}

// Stop ends the running session. It is a no-op when Idle and safe to call
// concurrently from several exit paths.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, ReasonUserStop, 0)
}

// Shutdown is Stop with the shutdown reason, used on process exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.stop(ctx, ReasonShutdown, 0)
}

// stop tears down the session. A non-zero generation restricts the stop to
// that generation, so a late automatic stop cannot end a newer session.
func (c *Controller) stop(ctx context.Context, reason string, generation uint64) error {
	opLogger := logging.WithOperation(c.logger, "session.stop", c.id)

	c.mu.Lock()
	if generation != 0 && generation != c.generation {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case Idle:
		c.mu.Unlock()
		return nil
	case Starting, Stopping:
		// Start rolls back on its own, or another caller is already tearing down.
		c.state = Stopping
		idle := c.idle
		if c.abortStart != nil {
			c.abortStart()
		}
		c.mu.Unlock()
		select {
		case <-idle:
			return nil
		case <-ctx.Done():
			return logging.NewOperationError("session.stop", c.id, ctx.Err())
		}
	}

	c.state = Stopping
	cam, loop, release := c.cam, c.loop, c.release
	stoppedGeneration, startedAt := c.generation, c.startedAt
	c.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	select {
	case <-loop.Done():
	case <-waitCtx.Done():
		opLogger.Warn("render loop did not observe stop in time", zap.Duration("timeout", c.cfg.StopTimeout))
	}
	cancel()

	closeErr := cam.Close()
	if release != nil {
		release()
	}
	stats := loop.Stats()

	c.mu.Lock()
	c.lastStats = stats
	c.toIdleLocked()
	c.mu.Unlock()

	summary := Summary{
		SessionID:  c.id,
		Generation: stoppedGeneration,
		StartedAt:  startedAt,
		StoppedAt:  c.clock.Now(),
		Reason:     reason,
		Stats:      stats,
		CloseErr:   closeErr,
	}
	opLogger.Info("session stopped",
		zap.String("reason", reason),
		zap.Uint64("generation", stoppedGeneration),
		zap.Int64("ticks", stats.Ticks),
		zap.Int64("applied", stats.Applied),
		zap.Int64("detection_failures", stats.DetectionFailures))
	if c.OnStopped != nil {
		c.OnStopped(summary)
	}
	return closeErr
}
