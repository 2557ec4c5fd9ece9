package ascii

import "github.com/zfogg/ascii-chat-sub007/internal/frame"

// cellRGB holds one cell's averaged color(s): Full for foreground/
// background/16/256/truecolor modes, Upper/Lower additionally populated in
// half-block mode (spec.md §4.8 step 1).
type cellRGB struct {
	R, G, B          byte
	UpperR, UpperG, UpperB byte
	LowerR, LowerG, LowerB byte
}

// averageCells divides f into cellsW × cellsH blocks and averages each
// block's RGB, per spec.md §4.8 step 1. A zero-area canvas returns no cells
// at all. Otherwise the grid is always cellsW × cellsH: when the canvas has
// fewer pixels than cells along an axis, each cell covers at most one pixel
// and the cells past the canvas edge average to black; the grid is not
// collapsed to a single cell.
func averageCells(f *frame.Frame, cellsW, cellsH int) [][]cellRGB {
	if f.Empty() || cellsW <= 0 || cellsH <= 0 {
		return nil
	}
	pxPerCellW := f.Width / cellsW
	if pxPerCellW < 1 {
		pxPerCellW = 1
	}
	pxPerCellH := f.Height / cellsH
	if pxPerCellH < 1 {
		pxPerCellH = 1
	}

	rows := make([][]cellRGB, cellsH)
	for cy := 0; cy < cellsH; cy++ {
		row := make([]cellRGB, cellsW)
		y0 := cy * pxPerCellH
		y1 := y0 + pxPerCellH
		if y1 > f.Height || cy == cellsH-1 {
			y1 = f.Height
		}
		for cx := 0; cx < cellsW; cx++ {
			x0 := cx * pxPerCellW
			x1 := x0 + pxPerCellW
			if x1 > f.Width || cx == cellsW-1 {
				x1 = f.Width
			}
			row[cx] = averageBlock(f, x0, y0, x1, y1)
		}
		rows[cy] = row
	}
	return rows
}

func averageBlock(f *frame.Frame, x0, y0, x1, y1 int) cellRGB {
	midY := y0 + (y1-y0)/2
	if midY <= y0 {
		midY = y1
	}

	var full, upper, lower struct{ r, g, b, n uint64 }
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			r, g, b := f.At(x, y)
			full.r += uint64(r)
			full.g += uint64(g)
			full.b += uint64(b)
			full.n++
			if y < midY {
				upper.r += uint64(r)
				upper.g += uint64(g)
				upper.b += uint64(b)
				upper.n++
			} else {
				lower.r += uint64(r)
				lower.g += uint64(g)
				lower.b += uint64(b)
				lower.n++
			}
		}
	}
	avg := func(s struct{ r, g, b, n uint64 }) (byte, byte, byte) {
		if s.n == 0 {
			return 0, 0, 0
		}
		return byte(s.r / s.n), byte(s.g / s.n), byte(s.b / s.n)
	}
	c := cellRGB{}
	c.R, c.G, c.B = avg(full)
	c.UpperR, c.UpperG, c.UpperB = avg(upper)
	c.LowerR, c.LowerG, c.LowerB = avg(lower)
	return c
}
