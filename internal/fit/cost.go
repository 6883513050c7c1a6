package fit

import "image"

// CountBackground returns the number of pixels exactly equal to Background.
func CountBackground(img *image.NRGBA) int {
	b := img.Bounds()
	count := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		i := img.PixOffset(b.Min.X, y)
		for x := b.Min.X; x < b.Max.X; x++ {
			if img.Pix[i] == Background.R && img.Pix[i+1] == Background.G &&
				img.Pix[i+2] == Background.B && img.Pix[i+3] == Background.A {
				count++
			}
			i += 4
		}
	}
	return count
}

// Coverage reports how much of a canvas was left uncovered.
type Coverage struct {
	Uncovered int `json:"uncovered"`
	Total     int `json:"total"`
}

// NewCoverage builds a report for a score on a width x height canvas.
func NewCoverage(score float64, width, height int) Coverage {
	return Coverage{Uncovered: int(score), Total: width * height}
}

// Fraction returns the uncovered share in [0, 1].
func (c Coverage) Fraction() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Uncovered) / float64(c.Total)
}

// Percentage returns the uncovered share in percent.
func (c Coverage) Percentage() float64 {
	return c.Fraction() * 100
}
