// Package progress provides a single-line terminal progress bar
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// Config holds configuration for a Bar
type Config struct {
	Writer          io.Writer     // Where to write output (default: os.Stderr)
	Width           int           // Width of the bar in characters
	Units           string        // Units for the count, e.g. "sessions"
	RefreshInterval time.Duration // Minimum time between redraws
	Disabled        bool          // Count without drawing
}

// Bar tracks completed items out of a total and redraws itself in place
type Bar struct {
	config     Config
	current    int64
	total      int64
	message    string
	startTime  time.Time
	lastDraw   time.Time
	lastOutput string
	finished   bool
	mutex      sync.Mutex
}

// New creates a bar for total items
func New(total int64, config Config) *Bar {
	if config.Writer == nil {
		config.Writer = os.Stderr
	}
	if config.Width <= 0 {
		config.Width = 40
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = 100 * time.Millisecond
	}
	if config.Units == "" {
		config.Units = "items"
	}
	return &Bar{
		config:    config,
		total:     total,
		startTime: time.Now(),
	}
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Increment adds one completed item
func (b *Bar) Increment() {
	b.IncrementBy(1)
}

// IncrementBy adds amount completed items
func (b *Bar) IncrementBy(amount int64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.finished {
		return
	}
	b.current += amount
	if now := time.Now(); now.Sub(b.lastDraw) >= b.config.RefreshInterval {
		b.display()
		b.lastDraw = now
	}
}

// SetMessage sets the trailing message shown after the counts
func (b *Bar) SetMessage(message string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.message = message
}

// Current returns the number of completed items
func (b *Bar) Current() int64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.current
}

// Finish draws the final state and moves to the next line
func (b *Bar) Finish() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.finished {
		return
	}
	b.finished = true
	b.display()
	if !b.config.Disabled {
		fmt.Fprint(b.config.Writer, "\n")
	}
}

func (b *Bar) display() {
	if b.config.Disabled {
		return
	}

	var percent float64
	if b.total > 0 {
		percent = float64(b.current) / float64(b.total) * 100
		if percent > 100 {
			percent = 100
		}
	}

	output := fmt.Sprintf("[%s] %.0f%% | %d/%d %s | %s",
		b.createBar(percent), percent, b.current, b.total, b.config.Units,
		formatDuration(time.Since(b.startTime)))
	if eta := b.eta(); eta > 0 {
		output += " | ETA: " + formatDuration(eta)
	}
	if b.message != "" {
		output += " - " + b.message
	}

	if output != b.lastOutput {
		fmt.Fprintf(b.config.Writer, "\r\033[K%s", output)
		b.lastOutput = output
	}
}

// eta extrapolates the average rate so far over the remaining items
func (b *Bar) eta() time.Duration {
	if b.current <= 0 || b.current >= b.total {
		return 0
	}
	perItem := time.Since(b.startTime) / time.Duration(b.current)
	return perItem * time.Duration(b.total-b.current)
}

func (b *Bar) createBar(percent float64) string {
	filled := int(percent / 100 * float64(b.config.Width))
	if filled > b.config.Width {
		filled = b.config.Width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", b.config.Width-filled)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
