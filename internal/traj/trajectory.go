package traj

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTrajectory is returned when a trajectory violates its length or value invariants.
var ErrInvalidTrajectory = errors.New("invalid trajectory")

// Vec2 is a 2D translation in normalized device coordinates.
type Vec2 struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Add returns v + o
func (v Vec2) Add(o Vec2) Vec2 {
	return Vec2{X: v.X + o.X, Y: v.Y + o.Y}
}

// Sub returns v - o
func (v Vec2) Sub(o Vec2) Vec2 {
	return Vec2{X: v.X - o.X, Y: v.Y - o.Y}
}

// Scale returns v * s
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{X: v.X * s, Y: v.Y * s}
}

// Rotate rotates v counter-clockwise by angle radians around the origin.
func (v Vec2) Rotate(angle float64) Vec2 {
	sin, cos := math.Sincos(angle)
	return Vec2{X: v.X*cos - v.Y*sin, Y: v.X*sin + v.Y*cos}
}

// Trajectory is a rigid motion sampled at T time steps.
// Yaw[t] and Offset[t] apply together as one transform; both slices always have length T.
type Trajectory struct {
	Yaw    []float64 `json:"yaw"`
	Offset []Vec2    `json:"offset"`
}

// New returns a zero trajectory (no rotation, no translation) with t steps.
func New(t int) Trajectory {
	return Trajectory{
		Yaw:    make([]float64, t),
		Offset: make([]Vec2, t),
	}
}

// Default builds a straight-line trajectory: yaw and offset are evenly
// spaced between their start and end values, inclusive, over exactly t steps.
func Default(t int, yawStart, yawEnd float64, offsetStart, offsetEnd Vec2) Trajectory {
	tr := New(t)
	if t == 1 {
		tr.Yaw[0] = yawStart
		tr.Offset[0] = offsetStart
		return tr
	}

	yawStep := (yawEnd - yawStart) / float64(t-1)
	offsetStep := offsetEnd.Sub(offsetStart).Scale(1 / float64(t-1))
	for i := 0; i < t; i++ {
		tr.Yaw[i] = yawStart + float64(i)*yawStep
		tr.Offset[i] = offsetStart.Add(offsetStep.Scale(float64(i)))
	}
	return tr
}

// Sweep returns the reference starting trajectory with t steps: a quarter
// turn while the offset slides from (0.5, 0) to (-0.5, 0).
func Sweep(t int) Trajectory {
	return Default(t, 0, DegreesToRadians(90), Vec2{X: 0.5}, Vec2{X: -0.5})
}

// DegreesToRadians converts an angle in degrees to radians.
func DegreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// Len returns the number of time steps.
func (tr Trajectory) Len() int {
	return len(tr.Yaw)
}

// Clone returns a deep copy that shares no backing arrays with tr.
func (tr Trajectory) Clone() Trajectory {
	return Trajectory{
		Yaw:    append([]float64(nil), tr.Yaw...),
		Offset: append([]Vec2(nil), tr.Offset...),
	}
}

// Equal reports whether both trajectories are bit-for-bit identical.
func (tr Trajectory) Equal(other Trajectory) bool {
	if len(tr.Yaw) != len(other.Yaw) || len(tr.Offset) != len(other.Offset) {
		return false
	}
	for i := range tr.Yaw {
		if math.Float64bits(tr.Yaw[i]) != math.Float64bits(other.Yaw[i]) {
			return false
		}
	}
	for i := range tr.Offset {
		a, b := tr.Offset[i], other.Offset[i]
		if math.Float64bits(a.X) != math.Float64bits(b.X) || math.Float64bits(a.Y) != math.Float64bits(b.Y) {
			return false
		}
	}
	return true
}

// Validate checks that the trajectory is non-empty, index-aligned and finite.
func (tr Trajectory) Validate() error {
	if len(tr.Yaw) == 0 {
		return fmt.Errorf("%w: empty trajectory", ErrInvalidTrajectory)
	}
	if len(tr.Yaw) != len(tr.Offset) {
		return fmt.Errorf("%w: yaw has %d steps, offset has %d", ErrInvalidTrajectory, len(tr.Yaw), len(tr.Offset))
	}
	for i, y := range tr.Yaw {
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return fmt.Errorf("%w: yaw[%d] is not finite", ErrInvalidTrajectory, i)
		}
	}
	for i, o := range tr.Offset {
		if math.IsNaN(o.X) || math.IsInf(o.X, 0) || math.IsNaN(o.Y) || math.IsInf(o.Y, 0) {
			return fmt.Errorf("%w: offset[%d] is not finite", ErrInvalidTrajectory, i)
		}
	}
	return nil
}

// OffsetX returns a copy of the X components of the offset channel.
func (tr Trajectory) OffsetX() []float64 {
	xs := make([]float64, len(tr.Offset))
	for i, o := range tr.Offset {
		xs[i] = o.X
	}
	return xs
}

// OffsetY returns a copy of the Y components of the offset channel.
func (tr Trajectory) OffsetY() []float64 {
	ys := make([]float64, len(tr.Offset))
	for i, o := range tr.Offset {
		ys[i] = o.Y
	}
	return ys
}
