package client

import (
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/zfogg/ascii-chat-sub007/internal/wire"
)

const (
	defaultGridWidth  = 80
	defaultGridHeight = 24
	defaultFPS        = 15
)

// DetectCapabilities builds a ClientCapabilities record from the controlling
// terminal: size via golang.org/x/term, color depth from $TERM/$COLORTERM,
// per spec.md §3's capability-probing step. A non-zero Width, Height,
// DesiredFPS or ColorLevel in override wins over detection; TermType,
// ColorTerm, UTF8Support, DetectionReliable and ColorCount are always set
// from detection. REP support is not detected.
func DetectCapabilities(fd int, wantVideo, wantAudio, wantColor bool, override wire.ClientCapabilities) wire.ClientCapabilities {
	caps := override

	width, height := defaultGridWidth, defaultGridHeight
	if w, h, err := term.GetSize(fd); err == nil && w > 0 && h > 0 {
		width, height = w, h
	}
	if caps.Width == 0 {
		caps.Width = uint16(width)
	}
	if caps.Height == 0 {
		caps.Height = uint16(height)
	}
	if caps.DesiredFPS == 0 {
		caps.DesiredFPS = defaultFPS
	}

	termType := os.Getenv("TERM")
	colorTerm := os.Getenv("COLORTERM")
	caps.TermType = termType
	caps.ColorTerm = colorTerm
	caps.UTF8Support = strings.Contains(strings.ToUpper(os.Getenv("LANG")), "UTF-8") ||
		strings.Contains(strings.ToUpper(os.Getenv("LC_ALL")), "UTF-8")
	caps.DetectionReliable = term.IsTerminal(fd)

	if caps.ColorLevel == wire.ColorNone {
		caps.ColorLevel = detectColorLevel(termType, colorTerm)
	}
	switch caps.ColorLevel {
	case wire.ColorTruecolor:
		caps.ColorCount = 1 << 24
	case wire.Color256:
		caps.ColorCount = 256
	case wire.Color16:
		caps.ColorCount = 16
	default:
		caps.ColorCount = 1
	}

	if wantVideo {
		caps.Capabilities |= wire.CapVideo
	}
	if wantAudio {
		caps.Capabilities |= wire.CapAudio
	}
	if wantColor && caps.ColorLevel != wire.ColorNone {
		caps.Capabilities |= wire.CapColor
	}
	return caps
}

func detectColorLevel(termType, colorTerm string) wire.ColorLevel {
	ct := strings.ToLower(colorTerm)
	if ct == "truecolor" || ct == "24bit" {
		return wire.ColorTruecolor
	}
	tt := strings.ToLower(termType)
	switch {
	case strings.Contains(tt, "256color"):
		return wire.Color256
	case strings.HasPrefix(tt, "xterm"), strings.HasPrefix(tt, "screen"), strings.HasPrefix(tt, "tmux"), strings.HasPrefix(tt, "rxvt"):
		return wire.Color16
	case tt == "" || tt == "dumb":
		return wire.ColorNone
	default:
		return wire.Color16
	}
}
