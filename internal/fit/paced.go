package fit

import (
	"context"
	"fmt"
	"image"
	"time"

	"golang.org/x/time/rate"

	"github.com/cwbudde/sofasweep/internal/evo"
	"github.com/cwbudde/sofasweep/internal/traj"
)

// Presenter receives every frame a PacedOracle renders, with its score.
type Presenter func(frame *image.NRGBA, score float64)

// PacedOracle spaces evaluations at least minDelay apart and can hand the
// rendered frame to a Presenter. The wait honours context cancellation.
type PacedOracle struct {
	inner     evo.Oracle
	limiter   *rate.Limiter
	presenter Presenter
}

// NewPacedOracle wraps inner. A non-positive minDelay disables pacing.
func NewPacedOracle(inner evo.Oracle, minDelay time.Duration, presenter Presenter) *PacedOracle {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &PacedOracle{
		inner:     inner,
		limiter:   rate.NewLimiter(limit, 1),
		presenter: presenter,
	}
}

// Evaluate waits for its slot, then scores tr through the wrapped oracle.
// With a Presenter and a wrapped Renderer the frame is rendered once and
// both presented and counted.
func (p *PacedOracle) Evaluate(ctx context.Context, tr traj.Trajectory, anchor traj.Vec2) (float64, error) {
	if err := p.wait(ctx); err != nil {
		return 0, fmt.Errorf("waiting for evaluation slot: %w", err)
	}

	if r, ok := p.inner.(Renderer); ok && p.presenter != nil {
		frame, err := r.Render(tr, anchor)
		if err != nil {
			return 0, err
		}
		score := float64(CountBackground(frame))
		p.presenter(frame, score)
		return score, nil
	}

	score, err := p.inner.Evaluate(ctx, tr, anchor)
	if err != nil {
		return 0, err
	}
	if p.presenter != nil {
		p.presenter(nil, score)
	}
	return score, nil
}

// wait blocks until the next slot. It only fails with ctx.Err(): a deadline that
// falls before the slot is waited out rather than reported early, so callers can
// tell cancellation apart from an oracle failure.
func (p *PacedOracle) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := p.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
