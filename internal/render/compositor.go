package render

import (
	"time"

	"github.com/zfogg/ascii-chat-sub007/internal/frame"
)

// noSignalGray is the placeholder fill color for a remote with no frame
// yet (spec.md §4.6 step 4: "may be None → render a 'no signal'
// placeholder").
const noSignalGray = 32

// Compose builds a single destination RGB canvas of canvasW×canvasH from
// the current frame of each remote, laying them out in a tile grid and
// resizing each source into its slot, per spec.md §4.6 steps 3-5. stretch
// controls whether a tile's source is stretched to fill it or letterboxed
// to preserve aspect. Callers own the returned Frame (refcount 1) and any
// per-remote frames passed in remain owned by the caller.
func Compose(remotes []*frame.Frame, canvasW, canvasH int, stretch bool) *frame.Frame {
	dest := make([]byte, canvasW*canvasH*3)
	fillGray(dest, noSignalGray)

	cols, rows := gridLayout(len(remotes), canvasW, canvasH)
	rects := tileRects(len(remotes), cols, rows, canvasW, canvasH)

	for i, r := range remotes {
		rect := rects[i]
		if r == nil {
			continue // leave the "no signal" placeholder fill in place
		}
		drawResized(dest, canvasW, r, rect, stretch)
	}

	return frame.New(canvasW, canvasH, dest, time.Now())
}

func fillGray(buf []byte, v byte) {
	for i := range buf {
		buf[i] = v
	}
}

// drawResized resizes src into dest's rect by nearest-neighbor point
// sampling: each destination pixel copies the single source pixel its
// position maps to, with no averaging over the source footprint.
func drawResized(dest []byte, destW int, src *frame.Frame, rect tileRect, stretch bool) {
	rectW := rect.X1 - rect.X0
	rectH := rect.Y1 - rect.Y0
	if rectW <= 0 || rectH <= 0 || src.Empty() {
		return
	}

	drawW, drawH := rectW, rectH
	offX, offY := 0, 0
	if !stretch {
		srcAspect := float64(src.Width) / float64(src.Height)
		rectAspect := float64(rectW) / float64(rectH)
		if srcAspect > rectAspect {
			drawH = int(float64(rectW) / srcAspect)
			offY = (rectH - drawH) / 2
		} else {
			drawW = int(float64(rectH) * srcAspect)
			offX = (rectW - drawW) / 2
		}
	}
	if drawW <= 0 || drawH <= 0 {
		return
	}

	for dy := 0; dy < drawH; dy++ {
		sy := dy * src.Height / drawH
		for dx := 0; dx < drawW; dx++ {
			sx := dx * src.Width / drawW
			r, g, b := src.At(sx, sy)
			destX := rect.X0 + offX + dx
			destY := rect.Y0 + offY + dy
			off := (destY*destW + destX) * 3
			dest[off] = r
			dest[off+1] = g
			dest[off+2] = b
		}
	}
}
