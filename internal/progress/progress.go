// Package progress renders the textual status line of a running download.
package progress

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Snapshot is the state of a download at one point in time.
type Snapshot struct {
	Total   int
	Success int64
	Failed  int64
	Retries int64
	Bytes   int64
	Elapsed time.Duration
}

// Done returns the number of segments with a terminal outcome.
func (s Snapshot) Done() int64 {
	return s.Success + s.Failed
}

// Speed returns the average throughput in bytes per second.
func (s Snapshot) Speed() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Describe formats the snapshot as "ok N | failed N | retries N | X.XX MB/s".
func (s Snapshot) Describe() string {
	return fmt.Sprintf("ok %d | failed %d | retries %d | %.2f MB/s",
		s.Success, s.Failed, s.Retries, s.Speed()/(1024*1024))
}

// Reporter receives progress for one download. Update is called from a
// single goroutine.
type Reporter interface {
	Start(total int)
	Update(s Snapshot)
	Finish()
}

// Nop discards all progress.
type Nop struct{}

func (Nop) Start(int)       {}
func (Nop) Update(Snapshot) {}
func (Nop) Finish()         {}

// Bar draws a progress bar with the snapshot description.
type Bar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewBar creates a bar writing to w.
func NewBar(w io.Writer) *Bar {
	return &Bar{w: w}
}

// Start creates the underlying bar for total segments.
func (b *Bar) Start(total int) {
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionSetDescription(Snapshot{}.Describe()),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(b.w) }),
	)
}

// Update moves the bar to the snapshot's completed count.
func (b *Bar) Update(s Snapshot) {
	if b.bar == nil {
		return
	}
	b.bar.Describe(s.Describe())
	_ = b.bar.Set64(s.Done())
}

// Finish completes the bar.
func (b *Bar) Finish() {
	if b.bar == nil {
		return
	}
	_ = b.bar.Finish()
}
