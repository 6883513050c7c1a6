package fit

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"golang.org/x/image/vector"

	"github.com/cwbudde/sofasweep/internal/traj"
)

const (
	DefaultWidth  = 256
	DefaultHeight = 256
)

var (
	// Background is the clear colour; only pixels of exactly this colour count as uncovered.
	Background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	// WallColor is the fill colour of the swept shape, (1.0, 0.5, 0.2) in 8-bit.
	WallColor = color.NRGBA{R: 255, G: 128, B: 51, A: 255}
)

// coverageThreshold is the minimum pixel coverage (of 255) painted as wall.
// Pixels are either wall or background, as when sampling at pixel centres.
const coverageThreshold = 128

// CPURenderer implements software rasterization of a swept shape.
// One rasterizer is shared between calls, so rendering is serialized.
type CPURenderer struct {
	mu     sync.Mutex
	width  int
	height int
	shape  []Triangle
	raster *vector.Rasterizer
}

// NewCPURenderer creates a renderer for a width x height canvas sweeping the hallway walls.
func NewCPURenderer(width, height int) (*CPURenderer, error) {
	return NewCPURendererWithShape(width, height, Hallway())
}

// NewCPURendererWithShape creates a renderer sweeping an arbitrary set of triangles.
func NewCPURendererWithShape(width, height int, shape []Triangle) (*CPURenderer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidCanvas, width, height)
	}

	return &CPURenderer{
		width:  width,
		height: height,
		shape:  shape,
		raster: vector.NewRasterizer(width, height),
	}, nil
}

// Size returns the canvas dimensions.
func (r *CPURenderer) Size() (int, int) {
	return r.width, r.height
}

// Render draws the shape at every step of tr onto one white frame.
// An empty trajectory renders a blank canvas.
func (r *CPURenderer) Render(tr traj.Trajectory, anchor traj.Vec2) (*image.NRGBA, error) {
	if err := checkTrajectory(tr, anchor); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	img := image.NewNRGBA(image.Rect(0, 0, r.width, r.height))
	draw.Draw(img, img.Bounds(), image.NewUniform(Background), image.Point{}, draw.Src)

	z := r.raster
	z.Reset(r.width, r.height)
	z.DrawOp = draw.Src

	w, h := float64(r.width), float64(r.height)
	poly := make([]traj.Vec2, 3)
	paths := 0

	// Every step lands in one path. Overlapping triangles share a winding,
	// so the rasterized coverage is their union.
	for t := range tr.Yaw {
		for _, tri := range r.shape {
			placed := tri.Transform(tr.Yaw[t], tr.Offset[t], anchor)
			for i, p := range placed {
				poly[i] = toPixel(p, w, h)
			}

			clipped := clipToRect(poly, 0, 0, w, h)
			if len(clipped) < 3 {
				continue
			}

			z.MoveTo(float32(clipped[0].X), float32(clipped[0].Y))
			for _, p := range clipped[1:] {
				z.LineTo(float32(p.X), float32(p.Y))
			}
			z.ClosePath()
			paths++
		}
	}

	if paths > 0 {
		mask := image.NewAlpha(img.Bounds())
		z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
		paintCovered(img, mask)
	}
	return img, nil
}

// paintCovered sets every pixel whose coverage reaches coverageThreshold to WallColor.
func paintCovered(img *image.NRGBA, mask *image.Alpha) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := mask.Pix[(y-b.Min.Y)*mask.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			if row[x-b.Min.X] >= coverageThreshold {
				img.SetNRGBA(x, y, WallColor)
			}
		}
	}
}

// Evaluate renders tr and counts the pixels still showing the background.
func (r *CPURenderer) Evaluate(ctx context.Context, tr traj.Trajectory, anchor traj.Vec2) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	img, err := r.Render(tr, anchor)
	if err != nil {
		return 0, err
	}
	return float64(CountBackground(img)), nil
}

// toPixel maps normalized device coordinates ([-1, 1], y up) to pixel space (y down).
func toPixel(p traj.Vec2, w, h float64) traj.Vec2 {
	return traj.Vec2{
		X: (p.X + 1) / 2 * w,
		Y: (1 - p.Y) / 2 * h,
	}
}

func checkTrajectory(tr traj.Trajectory, anchor traj.Vec2) error {
	if len(tr.Yaw) != len(tr.Offset) {
		return fmt.Errorf("%w: yaw %d, offset %d", ErrLengthMismatch, len(tr.Yaw), len(tr.Offset))
	}
	if !finite(anchor.X) || !finite(anchor.Y) {
		return fmt.Errorf("%w: anchor", ErrNonFinite)
	}
	for i := range tr.Yaw {
		if !finite(tr.Yaw[i]) || !finite(tr.Offset[i].X) || !finite(tr.Offset[i].Y) {
			return fmt.Errorf("%w: step %d", ErrNonFinite, i)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
