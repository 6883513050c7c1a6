package fit

import "github.com/cwbudde/sofasweep/internal/traj"

// clipToRect clips a convex polygon to [minX, maxX] x [minY, maxY]
// (Sutherland-Hodgman). The result is empty when nothing remains inside.
func clipToRect(poly []traj.Vec2, minX, minY, maxX, maxY float64) []traj.Vec2 {
	edges := []struct {
		inside    func(p traj.Vec2) bool
		intersect func(a, b traj.Vec2) traj.Vec2
	}{
		{
			func(p traj.Vec2) bool { return p.X >= minX },
			func(a, b traj.Vec2) traj.Vec2 { return lerpAtX(a, b, minX) },
		},
		{
			func(p traj.Vec2) bool { return p.X <= maxX },
			func(a, b traj.Vec2) traj.Vec2 { return lerpAtX(a, b, maxX) },
		},
		{
			func(p traj.Vec2) bool { return p.Y >= minY },
			func(a, b traj.Vec2) traj.Vec2 { return lerpAtY(a, b, minY) },
		},
		{
			func(p traj.Vec2) bool { return p.Y <= maxY },
			func(a, b traj.Vec2) traj.Vec2 { return lerpAtY(a, b, maxY) },
		},
	}

	out := poly
	for _, e := range edges {
		if len(out) == 0 {
			break
		}
		in := out
		out = make([]traj.Vec2, 0, len(in)+2)
		prev := in[len(in)-1]
		for _, cur := range in {
			switch {
			case e.inside(cur) && e.inside(prev):
				out = append(out, cur)
			case e.inside(cur):
				out = append(out, e.intersect(prev, cur), cur)
			case e.inside(prev):
				out = append(out, e.intersect(prev, cur))
			}
			prev = cur
		}
	}
	return out
}

func lerpAtX(a, b traj.Vec2, x float64) traj.Vec2 {
	t := (x - a.X) / (b.X - a.X)
	return traj.Vec2{X: x, Y: a.Y + t*(b.Y-a.Y)}
}

func lerpAtY(a, b traj.Vec2, y float64) traj.Vec2 {
	t := (y - a.Y) / (b.Y - a.Y)
	return traj.Vec2{X: a.X + t*(b.X-a.X), Y: y}
}
