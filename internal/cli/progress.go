package cli

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"dnsrecon/internal/aggregate"
)

// progress renders aggregator progress. update is only called from the
// aggregator goroutine and finish only after the run returned, so the bar
// needs no locking of its own.
type progress struct {
	w       io.Writer
	desc    string
	bar     *progressbar.ProgressBar
	planned int
}

func newProgress(w io.Writer, desc string) *progress {
	return &progress{w: w, desc: desc}
}

func (p *progress) update(pr aggregate.Progress) {
	if pr.Planned <= 0 {
		return
	}
	switch {
	case p.bar == nil:
		p.bar = progressbar.NewOptions(pr.Planned,
			progressbar.OptionSetWriter(p.w),
			progressbar.OptionSetDescription(p.desc),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	case pr.Planned != p.planned:
		p.bar.ChangeMax(pr.Planned)
	}
	p.planned = pr.Planned
	_ = p.bar.Set(min(pr.Issued, pr.Planned))
}

func (p *progress) finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
