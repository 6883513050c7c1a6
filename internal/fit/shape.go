package fit

import "github.com/cwbudde/sofasweep/internal/traj"

// Triangle is a filled triangle in normalized device coordinates.
type Triangle [3]traj.Vec2

// Transform applies p' = offset + anchor + R(yaw)(p - anchor) to every vertex.
func (tri Triangle) Transform(yaw float64, offset, anchor traj.Vec2) Triangle {
	var out Triangle
	for i, p := range tri {
		out[i] = offset.Add(anchor).Add(p.Sub(anchor).Rotate(yaw))
	}
	return out
}

// rect splits an axis-aligned rectangle into two triangles of equal winding.
func rect(x0, y0, x1, y1 float64) []Triangle {
	return []Triangle{
		{{X: x0, Y: y0}, {X: x0, Y: y1}, {X: x1, Y: y1}},
		{{X: x1, Y: y1}, {X: x1, Y: y0}, {X: x0, Y: y0}},
	}
}

// Hallway returns the walls of an L-shaped corridor of width 0.5: three
// solid rectangles reaching far past the canvas. Everything the walls never
// touch along the sweep is the area being maximized.
func Hallway() []Triangle {
	var tris []Triangle
	tris = append(tris, rect(-10, -10, 0, 0)...)
	tris = append(tris, rect(-10, 0.5, 0.5, 10)...)
	tris = append(tris, rect(0.5, -10, 10, 10)...)
	return tris
}
