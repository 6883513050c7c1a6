package evo

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/cwbudde/sofasweep/internal/traj"
)

// Bump is a localized Gaussian perturbation of one trajectory channel.
type Bump struct {
	Amplitude float64
	Mean      float64 // centre, in time steps
	StdDev    float64 // spread, in time steps; always > 0
}

// Delta returns the perturbation added at time step t: Amplitude * N(t; Mean, StdDev).
func (b Bump) Delta(t int) float64 {
	return b.Amplitude * distuv.Normal{Mu: b.Mean, Sigma: b.StdDev}.Prob(float64(t))
}

// ApplyBump adds the bump to every element of channel in place.
func ApplyBump(channel []float64, b Bump) {
	for t := range channel {
		channel[t] += b.Delta(t)
	}
}

// Mutator perturbs trajectories with one independent bump per channel (yaw, offset X, offset Y).
// It owns its random source; it is not safe for concurrent use.
type Mutator struct {
	cfg MutationConfig
	rng *rand.Rand
}

// NewMutator creates a mutator drawing from rng. A nil rng is replaced by a randomly seeded PCG.
func NewMutator(cfg MutationConfig, rng *rand.Rand) *Mutator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Mutator{cfg: cfg, rng: rng}
}

// NewSeededRand returns a PCG-backed generator. Seed 0 draws a fresh seed from the global source.
func NewSeededRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Mutate returns a perturbed copy of src. The source is never modified and the
// length is preserved. Yaw is only changed when the policy is YawApply.
func (m *Mutator) Mutate(src traj.Trajectory) traj.Trajectory {
	out := src.Clone()
	t := out.Len()
	if t == 0 {
		return out
	}

	// Draw order is fixed (yaw, x, y) so that a seed reproduces the same run under either policy.
	yawBump := m.drawBump(m.cfg.YawAmplitude, m.cfg.YawSpread, t)
	xBump := m.drawBump(m.cfg.OffsetAmplitude, m.cfg.OffsetSpread, t)
	yBump := m.drawBump(m.cfg.OffsetAmplitude, m.cfg.OffsetSpread, t)

	if m.cfg.YawPolicy != YawInert {
		ApplyBump(out.Yaw, yawBump)
	}

	xs, ys := out.OffsetX(), out.OffsetY()
	ApplyBump(xs, xBump)
	ApplyBump(ys, yBump)
	for i := range out.Offset {
		out.Offset[i] = traj.Vec2{X: xs[i], Y: ys[i]}
	}

	return out
}

// drawBump samples amplitude, centre and spread for a trajectory of t steps.
func (m *Mutator) drawBump(amplitude, spread Range, t int) Bump {
	return Bump{
		Amplitude: distuv.Uniform{Min: amplitude.Min, Max: amplitude.Max, Src: m.rng}.Rand(),
		Mean:      distuv.Uniform{Min: 0, Max: float64(t - 1), Src: m.rng}.Rand(),
		StdDev:    distuv.Uniform{Min: spread.Min, Max: spread.Max, Src: m.rng}.Rand(),
	}
}
