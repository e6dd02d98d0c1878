package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/example/tryon/internal/landmark"
	"github.com/example/tryon/internal/logging"
)

// Session is an open camera stream bound to a detector.
type Session struct {
	id       string
	stream   Stream
	detector Detector
	logger   *zap.Logger

	detectMu sync.Mutex

	closeOnce sync.Once
	closeMu   sync.Mutex
	closed    bool
}

// Open acquires a camera stream. The returned error matches ErrCameraDenied
// or ErrCameraUnavailable.
func Open(ctx context.Context, sessionID string, device Device, detector Detector, constraints Constraints, logger *zap.Logger) (*Session, error) {
	if device == nil || detector == nil {
		return nil, logging.NewOperationError("camera.open", sessionID, fmt.Errorf("%w: no device or detector configured", ErrCameraUnavailable))
	}
	opLogger := logging.WithOperation(logger, "camera.open", sessionID)

	stream, err := device.Open(ctx, constraints)
	if err != nil {
		classified := classifyOpenError(err)
		opLogger.Warn("camera acquisition failed", zap.Error(err))
		return nil, logging.NewOperationError("camera.open", sessionID, classified)
	}
	opLogger.Info("camera acquired",
		zap.String("facing_mode", constraints.FacingMode),
		zap.Int("tracks", len(stream.Tracks())))

	return &Session{
		id:       sessionID,
		stream:   stream,
		detector: detector,
		logger:   logger.Named("camera_session"),
	}, nil
}

func classifyOpenError(err error) error {
	if errors.Is(err, ErrCameraDenied) || errors.Is(err, ErrCameraUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
}

// WaitReady blocks until the stream reports its frame size.
func (s *Session) WaitReady(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.stream.WaitReady(ctx); err != nil {
		return logging.NewOperationError("camera.wait_ready", s.id, err)
	}
	return nil
}

// FrameSize returns the source frame dimensions once the stream is ready.
func (s *Session) FrameSize() (int, int, error) {
	if s.isClosed() {
		return 0, 0, ErrClosed
	}
	if !s.stream.Ready() {
		return 0, 0, ErrNotReady
	}
	return s.stream.Width(), s.stream.Height(), nil
}

// Detect reads the current frame and runs the detector on it. Failures are
// reported as ErrDetectionFailed; the session stays usable.
func (s *Session) Detect(ctx context.Context) (Frame, []landmark.Detection, error) {
	s.detectMu.Lock()
	defer s.detectMu.Unlock()

	if s.isClosed() {
		return Frame{}, nil, ErrClosed
	}
	frame, err := s.stream.ReadFrame(ctx)
	if err != nil {
		return Frame{}, nil, fmt.Errorf("%w: read frame: %w", ErrDetectionFailed, err)
	}
	detections, err := s.detector.DetectLandmarks(ctx, frame)
	if err != nil {
		return frame, nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}
	return frame, detections, nil
}

// Close stops every track of the stream. Only the first call does any work;
// later or concurrent calls return nil.
func (s *Session) Close() error {
	var err error
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeMu.Lock()
		s.closed = true
		s.closeMu.Unlock()

		for _, track := range s.stream.Tracks() {
			if stopErr := track.Stop(); stopErr != nil {
				err = multierr.Append(err, fmt.Errorf("stop track %s: %w", track.ID(), stopErr))
			}
		}
	})
	if !first {
		return nil
	}
	if err != nil {
		s.logger.Warn("camera release reported errors", zap.String("session_id", s.id), zap.Error(err))
		return logging.NewOperationError("camera.close", s.id, err)
	}
	s.logger.Info("camera released", zap.String("session_id", s.id))
	return nil
}

func (s *Session) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}
