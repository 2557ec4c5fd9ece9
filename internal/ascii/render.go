// Package ascii implements the RGB-canvas-to-glyph-stream rendering
// pipeline of spec.md §4.8: luminance, palette lookup, color quantization,
// and run-length encoding within a per-frame time budget.
package ascii

import (
	"strings"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

// Options configures one render call; it is the renderer-facing projection
// of a session.Capabilities record.
type Options struct {
	CellsW, CellsH int
	ColorLevel     wire.ColorLevel
	RenderMode     wire.RenderMode
	Palette        *Palette
	Dither         bool // ordered Bayer dithering in Color16 mode
	SupportsREP    bool // terminal understands ESC[n b
}

type renderedCell struct {
	glyph string
	sgr   string
}

// Render converts an RGB canvas into the colored glyph byte stream
// described by spec.md §4.8. A zero-area canvas yields an empty, valid
// frame. opts.Palette must be non-nil and non-empty (NewPalette already
// rejects an empty one).
func Render(f *frame.Frame, opts Options) ([]byte, error) {
	if f.Empty() {
		return nil, nil
	}
	if opts.Palette == nil || opts.Palette.Len() == 0 {
		return nil, ErrInvalidPalette
	}

	cellsW, cellsH := opts.CellsW, opts.CellsH
	if cellsW < 1 {
		cellsW = 1
	}
	if cellsH < 1 {
		cellsH = 1
	}

	blocks := averageCells(f, cellsW, cellsH)

	var out strings.Builder
	out.WriteString(escCursorHome)

	var rgbRow []byte
	var lumRow []uint8
	for cy, row := range blocks {
		rendered := make([]renderedCell, len(row))

		if opts.RenderMode != wire.RenderHalfBlock {
			// Pack the row's cell colors contiguously so luminanceRow can
			// process it eight cells at a time, per spec.md §4.8's
			// scalar-plus-wide renderer rather than one luminanceScalar
			// call per cell.
			if cap(rgbRow) < len(row)*3 {
				rgbRow = make([]byte, len(row)*3)
				lumRow = make([]uint8, len(row))
			}
			rgbRow = rgbRow[:len(row)*3]
			lumRow = lumRow[:len(row)]
			for cx, c := range row {
				rgbRow[cx*3], rgbRow[cx*3+1], rgbRow[cx*3+2] = c.R, c.G, c.B
			}
			luminanceRow(rgbRow, lumRow)
		}

		for cx, c := range row {
			if opts.RenderMode == wire.RenderHalfBlock {
				rendered[cx] = renderedCell{
					glyph: halfBlockGlyph,
					sgr:   sgrForHalfBlock(opts.ColorLevel, c.UpperR, c.UpperG, c.UpperB, c.LowerR, c.LowerG, c.LowerB, cx, cy, opts.Dither),
				}
				continue
			}
			rendered[cx] = renderedCell{
				glyph: opts.Palette.Glyph(lumRow[cx]),
				sgr:   sgrFor(opts.ColorLevel, opts.RenderMode, c.R, c.G, c.B, cx, cy, opts.Dither),
			}
		}
		writeRowRLE(&out, rendered, opts.SupportsREP)
		if opts.ColorLevel != wire.ColorNone {
			out.WriteString(escReset)
		}
		out.WriteByte('\n')
	}

	return []byte(out.String()), nil
}

// writeRowRLE merges adjacent cells sharing an identical (sgr, glyph) pair
// into a single SGR prefix, per spec.md §4.8 step 5. When supportsREP and a
// single-rune glyph repeats 2+ times in a row, the repeat is emitted as a
// terminal REP sequence instead of literal repetition.
func writeRowRLE(out *strings.Builder, row []renderedCell, supportsREP bool) {
	i := 0
	for i < len(row) {
		j := i + 1
		for j < len(row) && row[j].sgr == row[i].sgr && row[j].glyph == row[i].glyph {
			j++
		}
		run := j - i
		out.WriteString(row[i].sgr)
		out.WriteString(row[i].glyph)
		if run > 1 {
			if supportsREP && len([]rune(row[i].glyph)) == 1 {
				out.WriteString(repSequence(run - 1))
			} else {
				for k := 1; k < run; k++ {
					out.WriteString(row[i].glyph)
				}
			}
		}
		i = j
	}
}
