// Package fake provides deterministic camera devices, streams and detectors
// for tests.
package fake

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/landmark"
)

// Track counts how many times it was stopped.
type Track struct {
	TrackID string
	StopErr error
	stops   atomic.Int32
}

// ID implements camera.Track.
func (t *Track) ID() string { return t.TrackID }

// Stop implements camera.Track.
func (t *Track) Stop() error {
	t.stops.Add(1)
	return t.StopErr
}

// Stops reports the number of Stop calls.
func (t *Track) Stops() int { return int(t.stops.Load()) }

// Stream serves a solid frame of a fixed size.
type Stream struct {
	W, H int
	// ReadyErr is returned by WaitReady when set.
	ReadyErr error
	// ReadErr is returned by ReadFrame when set.
	ReadErr error
	// Hold, when non-nil, blocks WaitReady until it is closed.
	Hold  chan struct{}
	Track *Track

	ready atomic.Bool
	seq   atomic.Uint64
}

// NewStream returns a stream with a single video track.
func NewStream(w, h int) *Stream {
	return &Stream{W: w, H: h, Track: &Track{TrackID: "video-0"}}
}

// Tracks implements camera.Stream.
func (s *Stream) Tracks() []camera.Track { return []camera.Track{s.Track} }

// WaitReady implements camera.Stream.
func (s *Stream) WaitReady(ctx context.Context) error {
	if s.ReadyErr != nil {
		return s.ReadyErr
	}
	if s.Hold != nil {
		select {
		case <-s.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.ready.Store(true)
	return nil
}

// Ready implements camera.Stream.
func (s *Stream) Ready() bool { return s.ready.Load() }

// Width implements camera.Stream.
func (s *Stream) Width() int { return s.W }

// Height implements camera.Stream.
func (s *Stream) Height() int { return s.H }

// ReadFrame implements camera.Stream.
func (s *Stream) ReadFrame(ctx context.Context) (camera.Frame, error) {
	if s.ReadErr != nil {
		return camera.Frame{}, s.ReadErr
	}
	return camera.Frame{
		Image:    image.NewRGBA(image.Rect(0, 0, s.W, s.H)),
		Seq:      s.seq.Add(1),
		Captured: time.Now(),
	}, nil
}

// Device hands out one stream per Open call.
type Device struct {
	mu      sync.Mutex
	OpenErr error
	NewFunc func() *Stream
	opened  []*Stream
}

// NewDevice returns a device producing w x h streams.
func NewDevice(w, h int) *Device {
	return &Device{NewFunc: func() *Stream { return NewStream(w, h) }}
}

// Open implements camera.Device.
func (d *Device) Open(ctx context.Context, constraints camera.Constraints) (camera.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := d.NewFunc()
	d.opened = append(d.opened, s)
	return s, nil
}

// Opened returns every stream handed out so far.
func (d *Device) Opened() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.opened...)
}

// Result is one scripted detector reply.
type Result struct {
	Detections []landmark.Detection
	Err        error
	// Release, when non-nil, blocks the call until it is closed.
	Release chan struct{}
}

// Detector replays scripted results, repeating the last one when exhausted.
type Detector struct {
	mu       sync.Mutex
	script   []Result
	calls    int
	inFlight int
	maxIn    int
	// Started receives the call index each time a call begins, if non-nil.
	Started chan int
}

// NewDetector returns a detector that answers with results in order.
func NewDetector(results ...Result) *Detector {
	return &Detector{script: results}
}

// DetectLandmarks implements camera.Detector.
func (d *Detector) DetectLandmarks(ctx context.Context, frame camera.Frame) ([]landmark.Detection, error) {
	d.mu.Lock()
	idx := d.calls
	d.calls++
	d.inFlight++
	if d.inFlight > d.maxIn {
		d.maxIn = d.inFlight
	}
	var r Result
	if len(d.script) > 0 {
		if idx < len(d.script) {
			r = d.script[idx]
		} else {
			r = d.script[len(d.script)-1]
		}
	}
	started := d.Started
	d.mu.Unlock()

	if started != nil {
		started <- idx
	}
	if r.Release != nil {
		<-r.Release
	}

	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()
	return r.Detections, r.Err
}

// Calls reports how many detections were requested.
func (d *Detector) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// MaxInFlight reports the highest number of concurrent calls observed.
func (d *Detector) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxIn
}

// Eye returns a six point eye contour centred on (cx, cy).
func Eye(cx, cy float64) landmark.EyeLandmarkSet {
	return landmark.EyeLandmarkSet{
		{X: cx - 10, Y: cy}, {X: cx - 4, Y: cy - 3}, {X: cx + 4, Y: cy - 3},
		{X: cx + 10, Y: cy}, {X: cx + 4, Y: cy + 3}, {X: cx - 4, Y: cy + 3},
	}
}

// Face returns a detection with eye centroids at the given points.
func Face(lx, ly, rx, ry float64) landmark.Detection {
	return landmark.Detection{LeftEye: Eye(lx, ly), RightEye: Eye(rx, ry)}
}
