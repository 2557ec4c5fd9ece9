package ascii

// bayer4x4 is the standard 4×4 ordered-dither threshold matrix, normalized
// to [0, 15], used by the ANSI-16 path when dithering is enabled (spec.md
// §4.8 step 4, §9's dithering open question — exposed as a capability flag
// rather than guessed).
var bayer4x4 = [4][4]int{
	{0, 8, 2, 10},
	{12, 4, 14, 6},
	{3, 11, 1, 9},
	{15, 7, 13, 5},
}

// ansi16Palette is the standard 16-color ANSI palette in SGR order
// (0-7 normal, 8-15 bright).
var ansi16Palette = [16][3]byte{
	{0, 0, 0}, {205, 0, 0}, {0, 205, 0}, {205, 205, 0},
	{0, 0, 238}, {205, 0, 205}, {0, 205, 205}, {229, 229, 229},
	{127, 127, 127}, {255, 0, 0}, {0, 255, 0}, {255, 255, 0},
	{92, 92, 255}, {255, 0, 255}, {0, 255, 255}, {255, 255, 255},
}

func colorDistSq(r1, g1, b1, r2, g2, b2 byte) int {
	dr := int(r1) - int(r2)
	dg := int(g1) - int(g2)
	db := int(b1) - int(b2)
	return dr*dr + dg*dg + db*db
}

// quantizeANSI16 finds the nearest of the 16 ANSI colors, optionally
// perturbing the input with a 4×4 Bayer pattern first so flat gradients
// don't band as harshly.
func quantizeANSI16(r, g, b byte, cellX, cellY int, dither bool) int {
	if dither {
		d := bayer4x4[cellY%4][cellX%4]*17 - 120 // map [0,15] -> roughly [-120,135]
		r = clampAdd(r, d)
		g = clampAdd(g, d)
		b = clampAdd(b, d)
	}
	best, bestDist := 0, -1
	for i, c := range ansi16Palette {
		dist := colorDistSq(r, g, b, c[0], c[1], c[2])
		if bestDist < 0 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

func clampAdd(v byte, delta int) byte {
	n := int(v) + delta
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return byte(n)
}

// quantize256 maps an RGB triple to an xterm 256-color index: the 6×6×6
// color cube (indices 16-231) or the 24-step grayscale ramp (232-255),
// whichever is closer, per spec.md §4.8 step 4.
func quantize256(r, g, b byte) int {
	cubeIdx := func(v byte) int {
		// xterm cube steps: 0, 95, 135, 175, 215, 255.
		steps := [6]int{0, 95, 135, 175, 215, 255}
		best, bestDist := 0, -1
		for i, s := range steps {
			d := int(v) - s
			if d < 0 {
				d = -d
			}
			if bestDist < 0 || d < bestDist {
				best, bestDist = i, d
			}
		}
		return best
	}
	ri, gi, bi := cubeIdx(r), cubeIdx(g), cubeIdx(b)
	cubeSteps := [6]byte{0, 95, 135, 175, 215, 255}
	cubeDist := colorDistSq(r, g, b, cubeSteps[ri], cubeSteps[gi], cubeSteps[bi])
	cubeColor := 16 + 36*ri + 6*gi + bi

	gray := (int(r) + int(g) + int(b)) / 3
	grayIdx := (gray - 8) / 10
	if grayIdx < 0 {
		grayIdx = 0
	}
	if grayIdx > 23 {
		grayIdx = 23
	}
	grayLevel := byte(8 + grayIdx*10)
	grayDist := colorDistSq(r, g, b, grayLevel, grayLevel, grayLevel)
	grayColor := 232 + grayIdx

	if grayDist < cubeDist {
		return grayColor
	}
	return cubeColor
}
