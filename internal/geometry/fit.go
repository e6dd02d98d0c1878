// Package geometry maps source video frames into a display surface.
package geometry

import (
	"errors"
	"image"
	"math"
)

// ErrInvalidDimensions is returned when a source or display size is not a
// positive finite number.
var ErrInvalidDimensions = errors.New("geometry: invalid dimensions")

// Point is a 2-D coordinate, in source-frame pixels unless stated otherwise.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ViewportMapping describes how one source frame is letterboxed into the
// display surface for a single tick.
type ViewportMapping struct {
	Scale        float64 `json:"scale"`
	OffsetX      float64 `json:"offset_x"`
	OffsetY      float64 `json:"offset_y"`
	RenderWidth  float64 `json:"render_width"`
	RenderHeight float64 `json:"render_height"`
}

// Identity is the mapping for a display that exactly matches the source.
func Identity(width, height float64) ViewportMapping {
	return ViewportMapping{Scale: 1, RenderWidth: width, RenderHeight: height}
}

// Fit scales a sourceW x sourceH frame to fit inside displayW x displayH while
// keeping its aspect ratio, centering the result.
func Fit(sourceW, sourceH, displayW, displayH float64) (ViewportMapping, error) {
	if !positive(sourceW) || !positive(sourceH) || !positive(displayW) || !positive(displayH) {
		return ViewportMapping{}, ErrInvalidDimensions
	}

	sourceAspect := sourceW / sourceH
	displayAspect := displayW / displayH

	var m ViewportMapping
	if displayAspect > sourceAspect {
		// Display is relatively wider: pillarbox.
		m.Scale = displayH / sourceH
		m.RenderHeight = displayH
		m.RenderWidth = sourceW * m.Scale
	} else {
		m.Scale = displayW / sourceW
		m.RenderWidth = displayW
		m.RenderHeight = sourceH * m.Scale
	}
	m.OffsetX = (displayW - m.RenderWidth) / 2
	m.OffsetY = (displayH - m.RenderHeight) / 2
	return m, nil
}

// FitInts is Fit for integer pixel sizes as reported by frame sources.
func FitInts(sourceW, sourceH, displayW, displayH int) (ViewportMapping, error) {
	return Fit(float64(sourceW), float64(sourceH), float64(displayW), float64(displayH))
}

// ToDisplay maps a source-frame point into display coordinates.
func (m ViewportMapping) ToDisplay(p Point) Point {
	return Point{X: m.OffsetX + p.X*m.Scale, Y: m.OffsetY + p.Y*m.Scale}
}

// RenderRect is the display-space rectangle the source frame is drawn into.
func (m ViewportMapping) RenderRect() image.Rectangle {
	x0 := int(math.Round(m.OffsetX))
	y0 := int(math.Round(m.OffsetY))
	return image.Rect(x0, y0, x0+int(math.Round(m.RenderWidth)), y0+int(math.Round(m.RenderHeight)))
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
