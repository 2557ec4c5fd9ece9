package render

import "math"

// targetAspect is the 16:9 ratio spec.md §4.6 asks each tile to stay within
// ±15% of.
const targetAspect = 16.0 / 9.0

// gridLayout picks a (cols, rows) grid for n remotes that wastes the
// fewest cells while keeping each tile's aspect ratio close to 16:9, per
// spec.md §4.6 step 3. canvasW/canvasH are the destination canvas's pixel
// dimensions, used to derive each candidate grid's tile aspect.
func gridLayout(n, canvasW, canvasH int) (cols, rows int) {
	if n <= 0 {
		return 0, 0
	}
	bestCols, bestRows := 1, n
	bestScore := math.Inf(1)
	for c := 1; c <= n; c++ {
		r := ceilDiv(n, c)
		wasted := c*r - n
		tileW := float64(canvasW) / float64(c)
		tileH := float64(canvasH) / float64(r)
		aspect := tileW / tileH
		aspectErr := math.Abs(aspect-targetAspect) / targetAspect
		// Penalize wasted cells heavily; among equally-wasteful grids,
		// prefer the one closest to 16:9.
		score := float64(wasted)*10 + aspectErr
		if score < bestScore {
			bestScore, bestCols, bestRows = score, c, r
		}
	}
	return bestCols, bestRows
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// tileRect is one grid cell's pixel bounds within the destination canvas.
type tileRect struct {
	X0, Y0, X1, Y1 int
}

// tileRects computes the pixel rectangle for each of n remotes laid out in
// a cols×rows grid over a canvasW×canvasH destination, row-major.
func tileRects(n, cols, rows, canvasW, canvasH int) []tileRect {
	if cols == 0 || rows == 0 {
		return nil
	}
	out := make([]tileRect, 0, n)
	tileW := canvasW / cols
	tileH := canvasH / rows
	for i := 0; i < n; i++ {
		cx := i % cols
		cy := i / cols
		x0 := cx * tileW
		y0 := cy * tileH
		x1 := x0 + tileW
		y1 := y0 + tileH
		if cx == cols-1 {
			x1 = canvasW
		}
		if cy == rows-1 {
			y1 = canvasH
		}
		out = append(out, tileRect{X0: x0, Y0: y0, X1: x1, Y1: y1})
	}
	return out
}
