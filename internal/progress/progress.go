// Package progress provides the progress reporting surface for request
// fan-out: a small Reporter interface the dispatch loop ticks, a terminal
// progress-bar implementation, and a no-op for when reporting is disabled.
package progress

import (
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter consumes completion ticks during a fan-out. Implementations must
// tolerate concurrent Tick calls.
type Reporter interface {
	// Tick reports that completed of total requests have finished.
	Tick(completed, total int)

	// Close finalizes the report.
	Close()
}

// Bar renders a terminal progress bar.
type Bar struct {
	bar *progressbar.ProgressBar
}

// NewBar creates a progress bar for total requests, writing to stderr.
func NewBar(total int) *Bar {
	return &Bar{
		bar: progressbar.NewOptions(total,
			progressbar.OptionSetDescription("requests"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(50),
			progressbar.OptionThrottle(100),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// Tick advances the bar to the completed count.
func (b *Bar) Tick(completed, total int) {
	_ = b.bar.Set(completed)
}

// Close finishes the bar.
func (b *Bar) Close() {
	_ = b.bar.Finish()
}

// Noop discards all progress reports.
type Noop struct{}

func (Noop) Tick(completed, total int) {}
func (Noop) Close()                    {}
