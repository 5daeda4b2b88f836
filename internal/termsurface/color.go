package termsurface

import (
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ParseColor turns a participant color into a terminal color. It accepts
// "hsl(H, S%, L%)" as produced by presence.Color, plus anything lipgloss
// understands ("#rrggbb", ANSI numbers). Empty or unparseable hsl values
// give no color.
func ParseColor(s string) lipgloss.TerminalColor {
	s = strings.TrimSpace(s)
	if s == "" {
		return lipgloss.NoColor{}
	}
	if strings.HasPrefix(s, "hsl(") {
		var h, sat, l float64
		if _, err := fmt.Sscanf(s, "hsl(%g, %g%%, %g%%)", &h, &sat, &l); err != nil {
			return lipgloss.NoColor{}
		}
		return lipgloss.Color(hslToHex(h, sat/100, l/100))
	}
	return lipgloss.Color(s)
}

func hslToHex(h, s, l float64) string {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	c := (1 - math.Abs(2*l-1)) * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := l - c/2

	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	to := func(v float64) int { return int(math.Round((v + m) * 255)) }
	return fmt.Sprintf("#%02x%02x%02x", to(r), to(g), to(b))
}
