// Package webcam acquires local cameras through pion/mediadevices.
package webcam

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/example/tryon/internal/camera"
)

// Device opens the default (or configured) video input.
type Device struct {
	logger *zap.Logger

	initOnce     sync.Once
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

// NewDevice returns a mediadevices-backed camera.Device.
func NewDevice(logger *zap.Logger) *Device {
	return &Device{logger: logger.Named("webcam"), getUserMedia: mediadevices.GetUserMedia}
}

// Open implements camera.Device.
func (d *Device) Open(ctx context.Context, constraints camera.Constraints) (camera.Stream, error) {
	d.initOnce.Do(mediadevicescamera.Initialize)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", camera.ErrCameraUnavailable, err)
	}
	if constraints.FacingMode != "" {
		d.logger.Debug("facing mode is not selectable on this platform", zap.String("facing_mode", constraints.FacingMode))
	}

	stream, err := d.getUserMedia(makeConstraints(constraints))
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: stream has no video track", camera.ErrCameraUnavailable)
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: unexpected track type %T", camera.ErrCameraUnavailable, tracks[0])
	}

	s := &videoStream{reader: videoTrack.NewReader(false), ready: make(chan struct{})}
	for _, t := range stream.GetTracks() {
		s.tracks = append(s.tracks, mediaTrack{t})
	}
	return s, nil
}

func makeConstraints(c camera.Constraints) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if c.DeviceID != "" {
				constraint.DeviceID = prop.StringExact(c.DeviceID)
			}
			if c.Width > 0 {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: c.Width, Max: 4096}
			} else {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: 640, Max: 4096}
			}
			if c.Height > 0 {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: c.Height, Max: 2160}
			} else {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: 480, Max: 2160}
			}
			if c.FrameRate > 0 {
				constraint.FrameRate = prop.FloatRanged{Min: 0, Ideal: float32(c.FrameRate), Max: 140}
			}
		},
	}
}

// classify maps driver errors onto the camera error taxonomy.
func classify(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %w", camera.ErrCameraDenied, err)
	}
	return fmt.Errorf("%w: %w", camera.ErrCameraUnavailable, err)
}

type mediaTrack struct {
	track mediadevices.Track
}

func (t mediaTrack) ID() string  { return t.track.ID() }
func (t mediaTrack) Stop() error { return t.track.Close() }

// videoStream adapts a mediadevices video reader to camera.Stream.
type videoStream struct {
	tracks []camera.Track

	mu     sync.Mutex
	reader video.Reader
	seq    uint64

	readyOnce sync.Once
	ready     chan struct{}

	// sizeMu is separate from mu so size reads never wait on a blocked Read.
	sizeMu sync.Mutex
	width  int
	height int
}

func (s *videoStream) Tracks() []camera.Track { return s.tracks }

// WaitReady decodes one frame to learn the negotiated size.
func (s *videoStream) WaitReady(ctx context.Context) error {
	if s.Ready() {
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		_, err := s.ReadFrame(ctx)
		errCh <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *videoStream) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *videoStream) Width() int {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.width
}

func (s *videoStream) Height() int {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.height
}

// ReadFrame copies the next frame out of the driver buffer.
func (s *videoStream) ReadFrame(ctx context.Context) (camera.Frame, error) {
	if err := ctx.Err(); err != nil {
		return camera.Frame{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	img, release, err := s.reader.Read()
	if release != nil {
		defer release()
	}
	if err != nil {
		return camera.Frame{}, err
	}
	owned := imaging.Clone(img)
	s.observe(owned.Bounds())
	s.seq++
	return camera.Frame{Image: owned, Seq: s.seq, Captured: time.Now()}, nil
}

// observe records the size of every decoded frame, since the driver may
// renegotiate the resolution mid-stream.
func (s *videoStream) observe(bounds image.Rectangle) {
	s.sizeMu.Lock()
	s.width = bounds.Dx()
	s.height = bounds.Dy()
	s.sizeMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
}
