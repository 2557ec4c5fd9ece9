package ascii

import (
	"fmt"

	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

const (
	escCursorHome = "\x1b[H"
	escReset      = "\x1b[0m"
)

// repSequence returns the terminal REP escape (ESC [ n b, with n = extra)
// that repeats the previously emitted character extra more times, per
// spec.md §4.8 step 5. Used only when the capability record says the terminal supports it.
func repSequence(extra int) string {
	return fmt.Sprintf("\x1b[%db", extra)
}

// sgrFor renders the SGR prefix for one cell's color, given the negotiated
// color level and render mode. RenderBackground selects the background SGR
// codes; every other mode uses the foreground codes (sgrForHalfBlock calls
// it once with RenderForeground and once with RenderBackground).
func sgrFor(level wire.ColorLevel, mode wire.RenderMode, r, g, b byte, cellX, cellY int, dither bool) string {
	if level == wire.ColorNone {
		return ""
	}
	ground := 38
	if mode == wire.RenderBackground {
		ground = 48
	}
	switch level {
	case wire.ColorTruecolor:
		return fmt.Sprintf("\x1b[%d;2;%d;%d;%dm", ground, r, g, b)
	case wire.Color256:
		return fmt.Sprintf("\x1b[%d;5;%dm", ground, quantize256(r, g, b))
	case wire.Color16:
		idx := quantizeANSI16(r, g, b, cellX, cellY, dither)
		code := 30 + idx
		if mode == wire.RenderBackground {
			code = 40 + idx
		}
		if idx >= 8 {
			// Bright colors use 90-97 / 100-107 instead of a bold prefix.
			if mode == wire.RenderBackground {
				code = 100 + (idx - 8)
			} else {
				code = 90 + (idx - 8)
			}
		}
		return fmt.Sprintf("\x1b[%dm", code)
	default:
		return ""
	}
}

// halfBlockGlyph is the fixed glyph half-block render mode emits: upper
// half block, foreground = upper cell color, background = lower cell color.
const halfBlockGlyph = "▀"

func sgrForHalfBlock(level wire.ColorLevel, upR, upG, upB, loR, loG, loB byte, cellX, cellY int, dither bool) string {
	if level == wire.ColorNone {
		return ""
	}
	fg := sgrFor(level, wire.RenderForeground, upR, upG, upB, cellX, cellY, dither)
	bg := sgrFor(level, wire.RenderBackground, loR, loG, loB, cellX, cellY, dither)
	return fg + bg
}
