package landmark

import (
	"fmt"
	"math"

	"github.com/example/tryon/internal/geometry"
)

// Default solver tuning.
const (
	DefaultWidthFactor          = 2.5
	DefaultHeightFactor         = 0.4
	DefaultVerticalOffsetFactor = 0.5
)

// Anchor selects which eye-derived point the overlay is pinned to.
type Anchor int

const (
	// AnchorLeftEye pins the overlay to the left-eye centroid.
	AnchorLeftEye Anchor = iota
	// AnchorMidpoint pins the overlay to the midpoint of both centroids.
	AnchorMidpoint
)

// ParseAnchor maps a configuration string to an Anchor.
func ParseAnchor(s string) (Anchor, error) {
	switch s {
	case "", "left_eye":
		return AnchorLeftEye, nil
	case "midpoint":
		return AnchorMidpoint, nil
	default:
		return AnchorLeftEye, fmt.Errorf("landmark: unknown anchor %q", s)
	}
}

func (a Anchor) String() string {
	if a == AnchorMidpoint {
		return "midpoint"
	}
	return "left_eye"
}

// OverlayTransform is the display-space pose of the overlay for one tick.
//
// X and Y locate the top-left corner of the unrotated overlay box. Renderers
// rotate the box by RotationRadians about its own centre.
type OverlayTransform struct {
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	RotationRadians float64 `json:"rotation_radians"`
}

// Solver converts eye landmarks into an OverlayTransform.
type Solver struct {
	WidthFactor          float64
	HeightFactor         float64
	VerticalOffsetFactor float64
	Anchor               Anchor
}

// DefaultSolver returns a solver with the empirically tuned factors.
func DefaultSolver() Solver {
	return Solver{
		WidthFactor:          DefaultWidthFactor,
		HeightFactor:         DefaultHeightFactor,
		VerticalOffsetFactor: DefaultVerticalOffsetFactor,
		Anchor:               AnchorLeftEye,
	}
}

// Solve computes the overlay pose from two eye landmark sets and the
// viewport mapping of the current tick.
func (s Solver) Solve(left, right EyeLandmarkSet, mapping geometry.ViewportMapping) (OverlayTransform, error) {
	if len(left) == 0 || len(right) == 0 {
		return OverlayTransform{}, ErrInsufficientLandmarks
	}
	leftCenter, _ := Centroid(left)
	rightCenter, _ := Centroid(right)

	dx := rightCenter.X - leftCenter.X
	dy := rightCenter.Y - leftCenter.Y
	eyeDistance := math.Hypot(dx, dy)
	rotation := math.Atan2(dy, dx)

	width := math.Abs(eyeDistance * s.WidthFactor)
	height := math.Abs(width * s.HeightFactor)

	anchor := leftCenter
	if s.Anchor == AnchorMidpoint {
		anchor = geometry.Point{X: (leftCenter.X + rightCenter.X) / 2, Y: (leftCenter.Y + rightCenter.Y) / 2}
	}
	anchor.Y -= height * s.VerticalOffsetFactor

	display := mapping.ToDisplay(anchor)
	scale := math.Abs(mapping.Scale)
	return OverlayTransform{
		X:               display.X,
		Y:               display.Y,
		Width:           width * scale,
		Height:          height * scale,
		RotationRadians: rotation,
	}, nil
}

// SolveDetection is Solve applied to one detection record.
func (s Solver) SolveDetection(d Detection, mapping geometry.ViewportMapping) (OverlayTransform, error) {
	return s.Solve(d.LeftEye, d.RightEye, mapping)
}
