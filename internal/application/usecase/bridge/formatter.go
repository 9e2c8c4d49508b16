package bridge

import (
	"fmt"
	"strings"
	"time"

	"mt5bridge/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

// Formatter renders the one-line tick status for a console sink.
type Formatter struct{}

func NewFormatter() *Formatter { return &Formatter{} }

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) Render(hb model.Heartbeat, rep TickReport, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(colorize("[MT5] ", ansiDim))

	col := ansiGreen
	switch hb.Status {
	case model.StatusDegraded:
		col = ansiYellow
	case model.StatusOffline:
		col = ansiRed
	}
	sb.WriteString(colorize(strings.ToUpper(string(hb.Status)), col))

	fmt.Fprintf(&sb, "  open=%d", hb.OpenPositionCount)
	if rep.Opened+rep.Flash > 0 {
		sb.WriteString(colorize(fmt.Sprintf("  +%d", rep.Opened+rep.Flash), ansiGreen))
	}
	if rep.Closed+rep.Flash > 0 {
		sb.WriteString(colorize(fmt.Sprintf("  -%d", rep.Closed+rep.Flash), ansiRed))
	}
	if rep.Rejected > 0 {
		sb.WriteString(colorize(fmt.Sprintf("  dropped=%d", rep.Rejected), ansiYellow))
	}
	fmt.Fprintf(&sb, "  %s", rep.Duration.Round(time.Millisecond))
	if hb.LastError != nil {
		sb.WriteString(colorize("  "+*hb.LastError, ansiDim))
	}
	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
