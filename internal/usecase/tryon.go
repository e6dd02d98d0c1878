package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/logging"
	"github.com/example/tryon/internal/overlay"
	"github.com/example/tryon/internal/renderloop"
	"github.com/example/tryon/internal/repository"
	"github.com/example/tryon/internal/session"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs or sessions of another owner.
	ErrSessionNotFound = errors.New("usecase: session not found")
	// ErrTooManySessions is returned when the configured session limit is reached.
	ErrTooManySessions = errors.New("usecase: too many active sessions")
	// ErrPoseUnavailable is returned when no overlay pose has been applied yet.
	ErrPoseUnavailable = errors.New("usecase: no pose applied yet")
	// ErrInvalidDisplay is returned for a non-positive display size.
	ErrInvalidDisplay = errors.New("usecase: display size must be positive")
)

// SessionRepository defines the persistence operations needed by the use case.
type SessionRepository interface {
	SaveLog(ctx context.Context, log *repository.SessionLog) error
	FindLatestBySessionID(ctx context.Context, sessionID string) (*repository.SessionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options configures how widget sessions are built.
type Options struct {
	Device        camera.Device
	Detector      camera.Detector
	Scheduler     renderloop.Scheduler
	Asset         image.Image
	DisplayWidth  int
	DisplayHeight int
	Session       session.Config
	MaxSessions   int
}

// SessionStatus describes a widget session for API consumers. StoppedAt and
// StopReason are only set for sessions served from the session log.
type SessionStatus struct {
	SessionID  string           `json:"session_id"`
	OwnerID    string           `json:"owner_id"`
	State      string           `json:"state"`
	Generation uint64           `json:"generation"`
	Stats      renderloop.Stats `json:"stats"`
	StartedAt  time.Time        `json:"started_at"`
	StoppedAt  *time.Time       `json:"stopped_at,omitempty"`
	StopReason string           `json:"stop_reason,omitempty"`
}

type widget struct {
	ownerID    string
	createdAt  time.Time
	controller *session.Controller
	compositor *overlay.Compositor
}

// TryOnUseCase encapsulates the lifecycle of try-on widget sessions.
type TryOnUseCase struct {
	repo           SessionRepository
	cache          Cache
	opts           Options
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	persistTimeout time.Duration

	mu      sync.Mutex
	widgets map[string]*widget
}

// NewTryOnUseCase constructs a new use case instance.
func NewTryOnUseCase(repo SessionRepository, cache Cache, opts Options, logger *zap.Logger) *TryOnUseCase {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}
	return &TryOnUseCase{
		repo:           repo,
		cache:          cache,
		opts:           opts,
		logger:         logger.Named("tryon_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		persistTimeout: 5 * time.Second,
		widgets:        make(map[string]*widget),
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("tryon:session:%s", sessionID)
}

// StartSession creates a widget session for ownerID and starts it.
func (uc *TryOnUseCase) StartSession(ctx context.Context, ownerID string) (string, error) {
	sessionID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.start_session", sessionID)

	w := &widget{
		ownerID:    ownerID,
		createdAt:  time.Now().UTC(),
		compositor: overlay.NewCompositor(uc.opts.DisplayWidth, uc.opts.DisplayHeight, uc.opts.Asset),
	}
	deps := session.Dependencies{
		Device:    uc.opts.Device,
		Detector:  uc.opts.Detector,
		Scheduler: uc.opts.Scheduler,
		Surface:   w.compositor,
		NewRenderer: func(generation uint64) (renderloop.Renderer, func()) {
			publisher := overlay.NewPublisher(sessionID, generation, uc.cache, uc.logger)
			return overlay.Fanout{w.compositor, publisher}, publisher.Close
		},
	}
	w.controller = session.NewController(sessionID, uc.opts.Session, deps, uc.logger, nil)
	w.controller.OnStopped = func(summary session.Summary) {
		uc.persistSummary(ownerID, summary)
	}

	uc.mu.Lock()
	if len(uc.widgets) >= uc.opts.MaxSessions {
		uc.mu.Unlock()
		return "", logging.NewOperationError("usecase.start_session", sessionID, ErrTooManySessions)
	}
	uc.widgets[sessionID] = w
	uc.mu.Unlock()

	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.starting", func() error {
		return uc.cache.Set(ctx, sessionKey(sessionID), session.Starting.String(), time.Minute)
	}); err != nil {
		uc.forget(sessionID)
		opLogger.Error("failed to set starting flag", zap.Error(err))
		return "", err
	}

	if err := w.controller.Start(ctx); err != nil {
		uc.forget(sessionID)
		opLogger.Warn("session failed to start", zap.Error(err))
		return "", err
	}

	if err := uc.withRedisRetry(ctx, sessionID, "cache.set.running", func() error {
		return uc.cache.Set(ctx, sessionKey(sessionID), session.Running.String(), 0)
	}); err != nil {
		opLogger.Warn("failed to record running state", zap.Error(err))
	}
	opLogger.Info("session started", zap.String("owner_id", ownerID))
	return sessionID, nil
}

// StopSession stops and forgets a widget session. Stopping a session that
// already ended on its own succeeds.
func (uc *TryOnUseCase) StopSession(ctx context.Context, ownerID, sessionID string) error {
	w, err := uc.lookup(ownerID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		if _, logErr := uc.findStopped(ctx, ownerID, sessionID); logErr != nil {
			return logErr
		}
		return nil
	}
	if err != nil {
		return err
	}
	stopErr := w.controller.Stop(ctx)
	if w.controller.State() == session.Idle {
		uc.forget(sessionID)
	}
	return stopErr
}

// GetStatus reports the state of a widget session. Sessions that have
// stopped are answered from their persisted summary.
func (uc *TryOnUseCase) GetStatus(ctx context.Context, ownerID, sessionID string) (*SessionStatus, error) {
	w, err := uc.lookup(ownerID, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		log, logErr := uc.findStopped(ctx, ownerID, sessionID)
		if logErr != nil {
			return nil, logErr
		}
		stoppedAt := log.StoppedAt
		return &SessionStatus{
			SessionID:  log.SessionID,
			OwnerID:    log.OwnerID,
			State:      session.Idle.String(),
			Generation: log.Generation,
			Stats: renderloop.Stats{
				Ticks:             log.Ticks,
				Applied:           log.Applied,
				Skipped:           log.Skipped,
				Discarded:         log.Discarded,
				DetectionFailures: log.DetectionFailures,
			},
			StartedAt:  log.StartedAt,
			StoppedAt:  &stoppedAt,
			StopReason: log.StopReason,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		SessionID:  sessionID,
		OwnerID:    w.ownerID,
		State:      w.controller.State().String(),
		Generation: w.controller.Generation(),
		Stats:      w.controller.Stats(),
		StartedAt:  w.createdAt,
	}, nil
}

// GetPose returns the last applied overlay pose, preferring the cached copy
// published by the render loop.
func (uc *TryOnUseCase) GetPose(ctx context.Context, ownerID, sessionID string) (*overlay.Pose, error) {
	w, err := uc.lookup(ownerID, sessionID)
	if err != nil {
		return nil, err
	}

	if cached, err := uc.withRedisGet(ctx, sessionID, "cache.get.pose", overlay.PoseKey(sessionID)); err == nil {
		var pose overlay.Pose
		if err := json.Unmarshal([]byte(cached), &pose); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_pose", sessionID).Warn("failed to decode cached pose", zap.Error(err))
		} else {
			return &pose, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_pose", sessionID).Warn("failed to read cache", zap.Error(err))
	}

	loop := w.controller.Loop()
	if loop == nil {
		return nil, logging.NewOperationError("usecase.get_pose", sessionID, ErrPoseUnavailable)
	}
	transform, ok := loop.LastTransform()
	if !ok {
		return nil, logging.NewOperationError("usecase.get_pose", sessionID, ErrPoseUnavailable)
	}
	return &overlay.Pose{
		SessionID:  sessionID,
		Generation: w.controller.Generation(),
		Transform:  transform,
	}, nil
}

// ResizeDisplay changes the display surface of a session, e.g. after the
// device was rotated. The render loop picks the new size up on its next tick.
func (uc *TryOnUseCase) ResizeDisplay(ownerID, sessionID string, width, height int) error {
	if width <= 0 || height <= 0 {
		return logging.NewOperationError("usecase.resize_display", sessionID, ErrInvalidDisplay)
	}
	w, err := uc.lookup(ownerID, sessionID)
	if err != nil {
		return err
	}
	w.compositor.Resize(width, height)
	logging.WithOperation(uc.logger, "usecase.resize_display", sessionID).Debug("display resized",
		zap.Int("display_width", width), zap.Int("display_height", height))
	return nil
}

// WriteSnapshot encodes the latest composited frame of a session as JPEG.
func (uc *TryOnUseCase) WriteSnapshot(ownerID, sessionID string, out io.Writer, quality int) error {
	w, err := uc.lookup(ownerID, sessionID)
	if err != nil {
		return err
	}
	if err := w.compositor.WriteJPEG(out, quality); err != nil {
		return logging.NewOperationError("usecase.write_snapshot", sessionID, err)
	}
	return nil
}

// Shutdown stops every session. It is used on process exit.
func (uc *TryOnUseCase) Shutdown(ctx context.Context) error {
	uc.mu.Lock()
	widgets := make(map[string]*widget, len(uc.widgets))
	for id, w := range uc.widgets {
		widgets[id] = w
	}
	uc.mu.Unlock()

	var err error
	for id, w := range widgets {
		if stopErr := w.controller.Shutdown(ctx); stopErr != nil {
			err = multierr.Append(err, stopErr)
		}
		uc.forget(id)
	}
	return err
}

func (uc *TryOnUseCase) lookup(ownerID, sessionID string) (*widget, error) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	w, ok := uc.widgets[sessionID]
	if !ok || w.ownerID != ownerID {
		return nil, logging.NewOperationError("usecase.lookup", sessionID, ErrSessionNotFound)
	}
	return w, nil
}

// findStopped loads the persisted summary of a session owned by ownerID.
func (uc *TryOnUseCase) findStopped(ctx context.Context, ownerID, sessionID string) (*repository.SessionLog, error) {
	log, err := uc.repo.FindLatestBySessionID(ctx, sessionID)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && log.OwnerID != ownerID) {
		return nil, logging.NewOperationError("usecase.lookup", sessionID, ErrSessionNotFound)
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.find_stopped", sessionID, err)
	}
	return log, nil
}

func (uc *TryOnUseCase) forget(sessionID string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.widgets, sessionID)
}

func (uc *TryOnUseCase) activeCount() int {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return len(uc.widgets)
}

// persistSummary runs on the stopping goroutine. Once the summary is saved
// the session leaves the registry, so a session that stopped itself frees
// its slot and is served from the log afterwards.
func (uc *TryOnUseCase) persistSummary(ownerID string, summary session.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), uc.persistTimeout)
	defer cancel()
	opLogger := logging.WithOperation(uc.logger, "usecase.persist_summary", summary.SessionID)

	details, err := json.Marshal(summary.Stats)
	if err != nil {
		opLogger.Error("failed to serialize session stats", zap.Error(err))
	}
	log := &repository.SessionLog{
		SessionID:         summary.SessionID,
		Generation:        summary.Generation,
		OwnerID:           ownerID,
		StopReason:        summary.Reason,
		Ticks:             summary.Stats.Ticks,
		Applied:           summary.Stats.Applied,
		Skipped:           summary.Stats.Skipped,
		Discarded:         summary.Stats.Discarded,
		DetectionFailures: summary.Stats.DetectionFailures,
		DurationMs:        summary.StoppedAt.Sub(summary.StartedAt).Milliseconds(),
		Details:           string(details),
		StartedAt:         summary.StartedAt.UTC(),
		StoppedAt:         summary.StoppedAt.UTC(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Error("failed to persist session log", zap.Error(logging.NewOperationError("usecase.save_log", summary.SessionID, err)))
	}
	uc.forget(summary.SessionID)

	if err := uc.withRedisRetry(ctx, summary.SessionID, "cache.set.stopped", func() error {
		return uc.cache.Set(ctx, sessionKey(summary.SessionID), session.Idle.String(), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to record stopped state", zap.Error(err))
	}
}

func (uc *TryOnUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, sessionID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, sessionID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (uc *TryOnUseCase) withRedisGet(ctx context.Context, sessionID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
