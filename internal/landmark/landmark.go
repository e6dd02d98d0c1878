// Package landmark turns detector eye landmarks into an overlay pose.
package landmark

import (
	"errors"

	"github.com/example/tryon/internal/geometry"
)

// ErrInsufficientLandmarks is returned when an eye landmark set is empty.
var ErrInsufficientLandmarks = errors.New("landmark: insufficient landmarks")

// OuterCornerIndex is the outer eye corner in the 68-point eye contour
// ordering (each eye contributes six points, 0 and 3 being the corners).
const OuterCornerIndex = 3

// EyeLandmarkSet is the ordered contour of one eye as returned by the detector.
type EyeLandmarkSet []geometry.Point

// OuterCorner returns the outer corner landmark when the set is long enough.
func (s EyeLandmarkSet) OuterCorner() (geometry.Point, bool) {
	if len(s) <= OuterCornerIndex {
		return geometry.Point{}, false
	}
	return s[OuterCornerIndex], true
}

// Detection is one face worth of eye landmarks.
type Detection struct {
	LeftEye  EyeLandmarkSet `json:"left_eye"`
	RightEye EyeLandmarkSet `json:"right_eye"`
}

// Valid reports whether both eye sets carry at least one point.
func (d Detection) Valid() bool {
	return len(d.LeftEye) > 0 && len(d.RightEye) > 0
}

// FirstValid returns the first detection with both eyes present.
func FirstValid(detections []Detection) (Detection, bool) {
	for _, d := range detections {
		if d.Valid() {
			return d, true
		}
	}
	return Detection{}, false
}

// Centroid is the arithmetic mean of points.
func Centroid(points []geometry.Point) (geometry.Point, error) {
	if len(points) == 0 {
		return geometry.Point{}, ErrInsufficientLandmarks
	}
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(points))
	return geometry.Point{X: sx / n, Y: sy / n}, nil
}
