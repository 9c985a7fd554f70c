package main

import (
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/opd-ai/xfer/transfer"
)

// progress renders transfer progress on a terminal bar. An unknown total
// shows a spinner until the remote reports the size.
type progress struct {
	bar *progressbar.ProgressBar
	max int64
}

func newProgress(w io.Writer, description string, total int64) *progress {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
	)
	return &progress{bar: bar, max: total}
}

// update is a transfer.ProgressFunc.
func (p *progress) update(pr transfer.Progress) {
	if pr.TotalBytes != transfer.UnknownSize && int64(pr.TotalBytes) != p.max {
		p.max = int64(pr.TotalBytes)
		p.bar.ChangeMax64(p.max)
	}
	_ = p.bar.Set64(int64(pr.BytesConfirmed))
}

func (p *progress) finish() {
	_ = p.bar.Finish()
}

func (p *progress) abort() {
	_ = p.bar.Exit()
}
