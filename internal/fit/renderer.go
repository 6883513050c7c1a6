package fit

import (
	"context"
	"errors"
	"image"

	"github.com/cwbudde/sofasweep/internal/traj"
)

var (
	// ErrLengthMismatch is returned when the yaw and offset channels differ in length.
	ErrLengthMismatch = errors.New("yaw and offset lengths differ")
	// ErrNonFinite is returned when a trajectory holds NaN or Inf.
	ErrNonFinite = errors.New("trajectory holds non-finite values")
	// ErrInvalidCanvas is returned for a canvas without positive width and height.
	ErrInvalidCanvas = errors.New("invalid canvas size")
)

// Renderer sweeps a shape along a trajectory and scores the result.
type Renderer interface {
	// Render composites every step of tr onto one frame.
	Render(tr traj.Trajectory, anchor traj.Vec2) (*image.NRGBA, error)

	// Evaluate renders tr and returns the number of background pixels left.
	Evaluate(ctx context.Context, tr traj.Trajectory, anchor traj.Vec2) (float64, error)

	// Size returns the canvas dimensions in pixels.
	Size() (width, height int)
}
