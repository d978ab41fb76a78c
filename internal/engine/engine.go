// Package engine drives the concurrent download of one playlist's segments
// into a working directory, resuming from earlier runs.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"hlsfetch/internal/fetcher"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/progress"
	"hlsfetch/internal/state"
	"hlsfetch/internal/workdir"
)

// State is the terminal state of a run.
type State int

const (
	// AllComplete means every segment was already on disk; nothing was fetched.
	AllComplete State = iota
	// Complete means every segment is now on disk.
	Complete
	// PartialFailure means at least one segment exhausted its retries.
	PartialFailure
	// Interrupted means the context was canceled before the run finished.
	Interrupted
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case AllComplete:
		return "all_complete"
	case Complete:
		return "complete"
	case PartialFailure:
		return "partial_failure"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Result summarises a run. Success includes segments that were already on
// disk when the run started.
type Result struct {
	State         State
	Total         int
	Success       int64
	Skipped       int64
	Failed        int64
	Retries       int64
	Bytes         int64
	Duration      time.Duration
	FailedIndices []int
}

// SegmentFetcher brings one segment to disk. *fetcher.Fetcher implements it.
type SegmentFetcher interface {
	Fetch(ctx context.Context, seg models.Segment) fetcher.Outcome
	Counters() *fetcher.Counters
}

// Engine runs the downloads of one working directory. It owns no global
// state, so several engines can run side by side.
type Engine struct {
	dir      string
	store    *state.Store
	fetcher  SegmentFetcher
	reporter progress.Reporter
	logger   logger.Logger
}

// New creates an engine. A nil reporter discards progress.
func New(dir string, store *state.Store, f SegmentFetcher, reporter progress.Reporter, log logger.Logger) *Engine {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	return &Engine{
		dir:      dir,
		store:    store,
		fetcher:  f,
		reporter: reporter,
		logger:   log,
	}
}

// Run downloads every segment that is not already complete using
// concurrency workers. On cancellation the partial result is returned with
// the context error.
func (e *Engine) Run(ctx context.Context, segments []models.Segment, concurrency int) (Result, error) {
	start := time.Now()
	counters := e.fetcher.Counters()
	counters.Reset()

	pending, verified := e.plan(segments)
	counters.Success.Add(int64(verified))

	res := Result{Total: len(segments), Skipped: int64(verified)}

	if len(pending) == 0 {
		e.logger.Infof("All %d segments already downloaded", len(segments))
		res.State = AllComplete
		res.Success = counters.Success.Load()
		res.Duration = time.Since(start)
		return res, nil
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(pending) {
		concurrency = len(pending)
	}

	e.logger.Infof("Downloading %d of %d segments with %d workers (%d already complete)",
		len(pending), len(segments), concurrency, verified)

	e.reporter.Start(len(segments))
	e.reporter.Update(e.snapshot(len(segments), start))

	results := e.dispatch(ctx, pending, concurrency)

	for out := range results {
		switch out.Status {
		case fetcher.Skipped:
			res.Skipped++
		case fetcher.Failed:
			res.FailedIndices = append(res.FailedIndices, out.Index)
		}
		e.reporter.Update(e.snapshot(len(segments), start))
	}
	e.reporter.Finish()

	sort.Ints(res.FailedIndices)
	res.Success = counters.Success.Load()
	res.Failed = counters.Failed.Load()
	res.Retries = counters.Retries.Load()
	res.Bytes = counters.Bytes.Load()
	res.Duration = time.Since(start)

	switch {
	case ctx.Err() != nil:
		res.State = Interrupted
		e.logger.Warnf("Download interrupted: %d/%d segments complete", res.Success, res.Total)
		return res, ctx.Err()
	case res.Failed > 0:
		res.State = PartialFailure
		e.logger.Warnf("Download finished with %d failed segments: %v", res.Failed, res.FailedIndices)
	default:
		res.State = Complete
		e.logger.Infof("Download complete: %d segments, %d bytes in %s", res.Success, res.Bytes, res.Duration.Round(time.Millisecond))
	}
	return res, nil
}

// plan reconciles the working directory with the stored state. Artifacts of
// failed indices are deleted; complete artifacts are recorded as downloaded.
// It returns the segments left to fetch and the number already complete.
func (e *Engine) plan(segments []models.Segment) ([]models.Segment, int) {
	var pending []models.Segment
	verified := 0

	for _, seg := range segments {
		if e.store.IsFailed(seg.Index) {
			if err := workdir.RemoveArtifacts(e.dir, seg.Index); err != nil {
				e.logger.Warnf("Failed to remove stale artifact of segment %d: %v", seg.Index, err)
			}
			pending = append(pending, seg)
			continue
		}

		if _, ok := workdir.FindArtifact(e.dir, seg.Index); ok {
			if !e.store.IsDownloaded(seg.Index) {
				if err := e.store.MarkDownloaded(seg.Index); err != nil {
					e.logger.Warnf("Failed to persist state for segment %d: %v", seg.Index, err)
				}
			}
			verified++
			continue
		}

		pending = append(pending, seg)
	}
	return pending, verified
}

// dispatch feeds pending segments to a pool of workers and returns the
// channel their outcomes arrive on. The channel is closed once every worker
// has exited.
func (e *Engine) dispatch(ctx context.Context, pending []models.Segment, workers int) <-chan fetcher.Outcome {
	tasks := make(chan models.Segment)
	results := make(chan fetcher.Outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id, tasks, results)
		}(i)
	}

	go func() {
		defer close(tasks)
		for _, seg := range pending {
			select {
			case tasks <- seg:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (e *Engine) worker(ctx context.Context, id int, tasks <-chan models.Segment, results chan<- fetcher.Outcome) {
	e.logger.Debugf("Download worker %d started", id)
	for seg := range tasks {
		results <- e.fetcher.Fetch(ctx, seg)
	}
	e.logger.Debugf("Download worker %d stopped", id)
}

func (e *Engine) snapshot(total int, start time.Time) progress.Snapshot {
	c := e.fetcher.Counters()
	return progress.Snapshot{
		Total:   total,
		Success: c.Success.Load(),
		Failed:  c.Failed.Load(),
		Retries: c.Retries.Load(),
		Bytes:   c.Bytes.Load(),
		Elapsed: time.Since(start),
	}
}
