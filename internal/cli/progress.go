package cli

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ─── Progress Bar ───────────────────────────────────────────────────────────
// A terminal progress bar for running tasks.
// Shows: [=============>................]  42% | 1m12s | ETA 35s

const barWidth = 30 // Characters for the progress bar

type progressBar struct {
	out     io.Writer
	started time.Time
	now     func() time.Time
}

func newProgressBar(out io.Writer) *progressBar {
	return &progressBar{out: out, started: time.Now(), now: time.Now}
}

// render draws one frame. etaSeconds comes from the daemon; when it is
// unknown the bar estimates from elapsed time.
func (p *progressBar) render(label string, pct, etaSeconds int) {
	clearLine(p.out)
	fmt.Fprintf(p.out, "  %s %3d%% | %s | %s | %s",
		bar(pct), clampPct(pct), label, formatElapsed(p.now().Sub(p.started)), p.eta(pct, etaSeconds))
}

// done finishes the line.
func (p *progressBar) done(msg string) {
	clearLine(p.out)
	fmt.Fprintf(p.out, "[done] %s\n", msg)
}

func (p *progressBar) eta(pct, etaSeconds int) string {
	if etaSeconds > 0 {
		return "ETA " + formatETA(etaSeconds)
	}
	if pct <= 0 || pct >= 100 {
		return "ETA --"
	}

	elapsed := p.now().Sub(p.started).Seconds()
	if elapsed < 1 {
		return "ETA --"
	}

	totalEstimated := elapsed / (float64(pct) / 100)
	remaining := totalEstimated - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return "ETA " + formatETA(int(remaining))
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// bar builds [=======>............].
func bar(pct int) string {
	filled := clampPct(pct) * barWidth / 100
	empty := barWidth - filled

	var b string
	if filled == barWidth {
		b = strings.Repeat("=", filled)
	} else if filled > 0 {
		b = strings.Repeat("=", filled-1) + ">" + strings.Repeat(".", empty)
	} else {
		b = strings.Repeat(".", barWidth)
	}
	return "[" + b + "]"
}

func formatETA(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm%ds", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
}

func formatElapsed(d time.Duration) string {
	return formatETA(int(d.Seconds()))
}

func clearLine(w io.Writer) {
	fmt.Fprint(w, "\r\033[K")
}
