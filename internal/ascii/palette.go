package ascii

import (
	"fmt"

	"github.com/rivo/uniseg"
)

// PresetStandard and PresetBlocks are the built-in glyph ramps referenced
// by spec.md §4.8, ordered from darkest to brightest.
const (
	PresetStandard = "   ...',;:clodxkO0KXNWM"
	PresetBlocks   = " ░▒▓█"
)

// ErrInvalidPalette is returned for a zero-length palette, per spec.md
// §4.8's edge case table.
var ErrInvalidPalette = fmt.Errorf("ascii: palette of length 0 is invalid")

// grapheme is one precomputed entry in a Palette: the rune(s) that make up
// one user-perceived character, as found in the source string.
type grapheme string

// Palette precomputes a source glyph-ramp string into an O(1)
// luminance-indexed lookup table (spec.md §4.8 step 3). Each grapheme
// cluster is kept as its own string, and the 256-entry table holds the
// cluster for every luminance value directly.
type Palette struct {
	entries []grapheme
	lut     [256]grapheme
}

// NewPalette segments s into grapheme clusters with uniseg (so multi-rune
// emoji or combining-mark glyphs count as one palette step, not one per
// rune) and builds the 256-entry luminance LUT.
func NewPalette(s string) (*Palette, error) {
	var entries []grapheme
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		entries = append(entries, grapheme(gr.Str()))
	}
	if len(entries) == 0 {
		return nil, ErrInvalidPalette
	}
	p := &Palette{entries: entries}
	p.buildLUT()
	return p, nil
}

func (p *Palette) buildLUT() {
	n := len(p.entries)
	for lum := 0; lum < 256; lum++ {
		idx := lum * (n - 1) / 255
		if idx >= n {
			idx = n - 1
		}
		p.lut[lum] = p.entries[idx]
	}
}

// Glyph returns the palette entry for a BT.601 luminance value in [0, 255].
func (p *Palette) Glyph(luminance uint8) string {
	return string(p.lut[luminance])
}

// Len reports the number of distinct grapheme steps in the palette.
func (p *Palette) Len() int { return len(p.entries) }
