// Package camera owns the camera stream of a try-on session and the
// per-frame call into the landmark detector.
package camera

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/example/tryon/internal/landmark"
)

var (
	// ErrCameraDenied means the user or OS refused camera access. Retrying
	// after permission is granted is expected to work.
	ErrCameraDenied = errors.New("camera: access denied")
	// ErrCameraUnavailable means no usable camera exists or it is busy.
	ErrCameraUnavailable = errors.New("camera: unavailable")
	// ErrNotReady is returned when frame metadata has not been reported yet.
	ErrNotReady = errors.New("camera: stream not ready")
	// ErrDetectionFailed wraps a transient detector or frame read failure.
	ErrDetectionFailed = errors.New("camera: detection failed")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("camera: session closed")
)

// Constraints describe the requested camera stream.
type Constraints struct {
	FacingMode string
	DeviceID   string
	Width      int
	Height     int
	FrameRate  float64
}

// DefaultConstraints asks for the front-facing camera.
func DefaultConstraints() Constraints {
	return Constraints{FacingMode: "user", Width: 640, Height: 480, FrameRate: 30}
}

// Frame is one decoded video frame.
type Frame struct {
	Image    image.Image
	Seq      uint64
	Captured time.Time
}

// Width of the frame in pixels.
func (f Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height of the frame in pixels.
func (f Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// Track is one media track of a stream.
type Track interface {
	ID() string
	Stop() error
}

// Stream is an acquired camera stream.
type Stream interface {
	Tracks() []Track
	// WaitReady blocks until the stream reports frame metadata.
	WaitReady(ctx context.Context) error
	Ready() bool
	// Width and Height are only meaningful once Ready reports true.
	Width() int
	Height() int
	ReadFrame(ctx context.Context) (Frame, error)
}

// Device acquires camera streams. Implementations should return errors that
// match ErrCameraDenied or ErrCameraUnavailable.
type Device interface {
	Open(ctx context.Context, constraints Constraints) (Stream, error)
}

// Detector is the opaque landmark detection capability.
type Detector interface {
	DetectLandmarks(ctx context.Context, frame Frame) ([]landmark.Detection, error)
}
