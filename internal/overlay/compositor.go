// Package overlay realizes overlay transforms: as pixels on a composited
// display surface, or as pose messages for a remote renderer.
package overlay

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // overlay assets
	"io"
	"math"
	"sync"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // overlay assets

	"github.com/example/tryon/internal/camera"
	"github.com/example/tryon/internal/geometry"
	"github.com/example/tryon/internal/landmark"
)

// ErrInvalidAsset is returned for overlay images without pixels.
var ErrInvalidAsset = errors.New("overlay: invalid asset dimensions")

// Renderer is implemented by everything that can realize a frame and pose.
type Renderer interface {
	DrawFrame(frame camera.Frame, mapping geometry.ViewportMapping)
	Apply(transform landmark.OverlayTransform)
}

// LoadAsset decodes the overlay raster once. PNG, JPEG and WebP are supported.
func LoadAsset(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("overlay: load %s: %w", path, err)
	}
	return checkAsset(img)
}

// DecodeAsset decodes an overlay raster from r.
func DecodeAsset(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("overlay: decode: %w", err)
	}
	return checkAsset(img)
}

func checkAsset(img image.Image) (image.Image, error) {
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, ErrInvalidAsset
	}
	return img, nil
}

// Compositor is a raster display surface: the video frame is letterboxed
// onto a black canvas and the overlay is drawn at the last applied pose.
type Compositor struct {
	asset image.Image

	mu         sync.RWMutex
	width      int
	height     int
	background *image.RGBA
	pose       *landmark.OverlayTransform
	frames     uint64
}

// NewCompositor returns a width x height surface drawing asset as the overlay.
func NewCompositor(width, height int, asset image.Image) *Compositor {
	return &Compositor{
		asset:      asset,
		width:      width,
		height:     height,
		background: blank(width, height),
	}
}

// Width implements renderloop.Surface.
func (c *Compositor) Width() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.width
}

// Height implements renderloop.Surface.
func (c *Compositor) Height() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height
}

// Resize changes the surface size, e.g. after a device rotation.
func (c *Compositor) Resize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
	c.background = blank(width, height)
}

// DrawFrame implements Renderer.
func (c *Compositor) DrawFrame(frame camera.Frame, mapping geometry.ViewportMapping) {
	if frame.Image == nil {
		return
	}
	c.mu.RLock()
	w, h := c.width, c.height
	c.mu.RUnlock()

	canvas := blank(w, h)
	xdraw.ApproxBiLinear.Scale(canvas, mapping.RenderRect(), frame.Image, frame.Image.Bounds(), draw.Src, nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	// A resize landed while scaling; the next frame is drawn at the new size.
	if c.width != w || c.height != h {
		return
	}
	c.background = canvas
	c.frames++
}

// Apply implements Renderer.
func (c *Compositor) Apply(transform landmark.OverlayTransform) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pose = &transform
}

// Frames reports how many background frames were drawn.
func (c *Compositor) Frames() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// Snapshot returns the composited display: background plus overlay.
func (c *Compositor) Snapshot() *image.RGBA {
	c.mu.RLock()
	out := image.NewRGBA(c.background.Bounds())
	draw.Draw(out, out.Bounds(), c.background, image.Point{}, draw.Src)
	pose := c.pose
	c.mu.RUnlock()

	if pose != nil && c.asset != nil {
		drawOverlay(out, c.asset, *pose)
	}
	return out
}

// WriteJPEG encodes the current snapshot.
func (c *Compositor) WriteJPEG(w io.Writer, quality int) error {
	return jpeg.Encode(w, c.Snapshot(), &jpeg.Options{Quality: quality})
}

// drawOverlay places asset so that its unrotated box has its top-left at
// (X, Y), then rotates it about the box centre.
func drawOverlay(dst draw.Image, asset image.Image, t landmark.OverlayTransform) {
	w := int(math.Round(t.Width))
	h := int(math.Round(t.Height))
	if w <= 0 || h <= 0 {
		return
	}
	scaled := imaging.Resize(asset, w, h, imaging.Linear)
	// imaging rotates counter-clockwise; display Y grows downwards.
	rotated := imaging.Rotate(scaled, -t.RotationRadians*180/math.Pi, color.Transparent)

	cx := t.X + t.Width/2
	cy := t.Y + t.Height/2
	rb := rotated.Bounds()
	origin := image.Pt(
		int(math.Round(cx-float64(rb.Dx())/2)),
		int(math.Round(cy-float64(rb.Dy())/2)),
	)
	draw.Draw(dst, rb.Add(origin), rotated, rb.Min, draw.Over)
}

func blank(w, h int) *image.RGBA {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.Black, image.Point{}, draw.Src)
	return img
}
