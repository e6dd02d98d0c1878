package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/geometry"
	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
)

// PoseTTL bounds how long a published pose stays readable.
const PoseTTL = 30 * time.Second

// PoseStore is the subset of the cache used to fan poses out.
type PoseStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Pose is the wire form of an applied transform.
type Pose struct {
	SessionID  string                    `json:"session_id"`
	Generation uint64                    `json:"generation"`
	Transform  landmark.OverlayTransform `json:"transform"`
	AppliedAt  time.Time                 `json:"applied_at"`
}

// PoseKey is where the latest pose of a session is stored.
func PoseKey(sessionID string) string {
	return fmt.Sprintf("tryon:pose:%s", sessionID)
}

// PoseChannel is the pub/sub channel poses of a session are published on.
func PoseChannel(sessionID string) string {
	return fmt.Sprintf("tryon:pose:%s:updates", sessionID)
}

// Publisher sends applied poses to a PoseStore from a background worker.
// Apply never blocks the render loop: only the newest pending pose is kept.
type Publisher struct {
	sessionID  string
	generation uint64
	store      PoseStore
	logger     *zap.Logger
	timeout    time.Duration
	now        func() time.Time

	pending chan Pose
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPublisher starts a publisher for one session generation.
func NewPublisher(sessionID string, generation uint64, store PoseStore, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		sessionID:  sessionID,
		generation: generation,
		store:      store,
		logger:     logging.WithOperation(logger.Named("pose_publisher"), "overlay.publish", sessionID),
		timeout:    250 * time.Millisecond,
		now:        time.Now,
		pending:    make(chan Pose, 1),
		cancel:     cancel,
	}
	p.wg.Add(1)
	go p.run(ctx)
	return p
}

// DrawFrame implements Renderer. Publishers do not draw.
func (p *Publisher) DrawFrame(camera.Frame, geometry.ViewportMapping) {}

// Apply implements Renderer.
func (p *Publisher) Apply(transform landmark.OverlayTransform) {
	pose := Pose{SessionID: p.sessionID, Generation: p.generation, Transform: transform, AppliedAt: p.now().UTC()}
	for {
		select {
		case p.pending <- pose:
			return
		default:
		}
		// Drop the older pose so the newest one wins.
		select {
		case <-p.pending:
		default:
		}
	}
}

// Close stops the worker after it has flushed the pending pose.
func (p *Publisher) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case pose := <-p.pending:
			p.publish(pose)
		case <-ctx.Done():
			select {
			case pose := <-p.pending:
				p.publish(pose)
			default:
			}
			return
		}
	}
}

func (p *Publisher) publish(pose Pose) {
	payload, err := json.Marshal(pose)
	if err != nil {
		p.logger.Error("failed to serialize pose", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.store.Set(ctx, PoseKey(p.sessionID), string(payload), PoseTTL); err != nil {
		p.logger.Warn("failed to store pose", zap.Error(err))
	}
	if err := p.store.Publish(ctx, PoseChannel(p.sessionID), string(payload)); err != nil {
		p.logger.Warn("failed to publish pose", zap.Error(err))
	}
}

// Fanout forwards every call to each renderer in order.
type Fanout []Renderer

// DrawFrame implements Renderer.
func (f Fanout) DrawFrame(frame camera.Frame, mapping geometry.ViewportMapping) {
	for _, r := range f {
		r.DrawFrame(frame, mapping)
	}
}

// Apply implements Renderer.
func (f Fanout) Apply(transform landmark.OverlayTransform) {
	for _, r := range f {
		r.Apply(transform)
	}
}
