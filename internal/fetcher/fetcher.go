// Package fetcher downloads single media segments into a working directory
// with retries, optional decryption and an atomic final write.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"hlsfetch/internal/httpx"
	"hlsfetch/internal/key"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/workdir"
)

// Status is the terminal result of fetching one segment.
type Status int

const (
	// Success means the segment was downloaded and written.
	Success Status = iota
	// Skipped means a complete artifact was already on disk; no request was made.
	Skipped
	// Failed means every attempt failed.
	Failed
	// Canceled means the context ended before the segment completed.
	Canceled
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to one segment.
type Outcome struct {
	Index    int
	Status   Status
	Bytes    int64
	Attempts int
	Err      error
}

// Counters are shared by every worker of one download. All fields are
// updated atomically.
type Counters struct {
	Success atomic.Int64
	Failed  atomic.Int64
	Retries atomic.Int64
	Bytes   atomic.Int64
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.Success.Store(0)
	c.Failed.Store(0)
	c.Retries.Store(0)
	c.Bytes.Store(0)
}

// Recorder persists terminal segment outcomes. *state.Store implements it.
type Recorder interface {
	MarkDownloaded(index int) error
	MarkFailed(index int) error
}

// Config binds the retry policy and request parameters of a fetcher.
type Config struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// RetryDelay is the constant wait between attempts.
	RetryDelay time.Duration
	// RequestTimeout bounds each attempt; zero means no per-attempt limit.
	RequestTimeout time.Duration
	// Headers are sent with every segment request.
	Headers map[string]string
	// Limiter throttles body writes; nil means unlimited.
	Limiter *rate.Limiter
}

// Fetcher downloads segments of one playlist into one working directory.
// It is safe for concurrent use.
type Fetcher struct {
	httpClient *http.Client
	logger     logger.Logger
	dir        string
	cfg        Config
	decrypter  *key.Context
	recorder   Recorder
	counters   *Counters
}

// New creates a fetcher. decrypter is nil for clear playlists.
func New(client *http.Client, log logger.Logger, dir string, cfg Config, decrypter *key.Context, recorder Recorder, counters *Counters) *Fetcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Fetcher{
		httpClient: client,
		logger:     log,
		dir:        dir,
		cfg:        cfg,
		decrypter:  decrypter,
		recorder:   recorder,
		counters:   counters,
	}
}

// Counters returns the counters this fetcher updates.
func (f *Fetcher) Counters() *Counters {
	return f.counters
}

// Fetch brings one segment to disk. It makes at most MaxRetries+1 attempts,
// waiting RetryDelay between them, and records the terminal outcome with the
// recorder. A canceled context leaves no artifact and records nothing.
func (f *Fetcher) Fetch(ctx context.Context, seg models.Segment) Outcome {
	artifact := workdir.ArtifactPath(f.dir, seg)

	if workdir.Complete(artifact) {
		f.logger.Debugf("Segment %d already on disk, skipping", seg.Index)
		f.record(seg.Index, true)
		f.counters.Success.Add(1)
		return Outcome{Index: seg.Index, Status: Skipped}
	}

	maxAttempts := f.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			f.counters.Retries.Add(1)
			if err := sleep(ctx, f.cfg.RetryDelay); err != nil {
				return f.canceled(ctx, seg, artifact, attempt-1)
			}
		}

		f.logger.Debugf("Downloading segment %d (Attempt %d/%d)", seg.Index, attempt, maxAttempts)
		n, err := f.attempt(ctx, seg, artifact)
		if err == nil {
			f.record(seg.Index, true)
			f.counters.Success.Add(1)
			f.counters.Bytes.Add(n)
			f.logger.Debugf("Successfully downloaded segment %d (%d bytes)", seg.Index, n)
			return Outcome{Index: seg.Index, Status: Success, Bytes: n, Attempts: attempt}
		}

		if ctx.Err() != nil {
			return f.canceled(ctx, seg, artifact, attempt)
		}

		lastErr = fmt.Errorf("download attempt %d failed for segment %d: %w", attempt, seg.Index, err)
		f.logger.Warnf("%v", lastErr)
	}

	if err := workdir.RemoveArtifacts(f.dir, seg.Index); err != nil {
		f.logger.Warnf("Failed to clean up segment %d: %v", seg.Index, err)
	}
	f.record(seg.Index, false)
	f.counters.Failed.Add(1)
	f.logger.Errorf("Segment %d failed after %d attempts: %v", seg.Index, maxAttempts, lastErr)

	return Outcome{
		Index:    seg.Index,
		Status:   Failed,
		Attempts: maxAttempts,
		Err:      fmt.Errorf("failed to download segment %d after %d attempts: %w", seg.Index, maxAttempts, lastErr),
	}
}

// attempt performs one request and, on success, leaves the complete artifact
// in place. It returns the number of bytes written.
func (f *Fetcher) attempt(ctx context.Context, seg models.Segment, artifact string) (int64, error) {
	if f.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := httpx.NewRequest(ctx, seg.URL, f.cfg.Headers)
	if err != nil {
		return 0, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("received status code %d", resp.StatusCode)
	}

	part := workdir.PartPath(artifact)
	n, err := f.writePart(ctx, part, resp.Body, seg.Index)
	if err != nil {
		os.Remove(part)
		return 0, err
	}
	if n == 0 {
		os.Remove(part)
		return 0, errors.New("empty segment body")
	}

	if err := os.Rename(part, artifact); err != nil {
		os.Remove(part)
		return 0, fmt.Errorf("failed to move segment into place: %w", err)
	}
	return n, nil
}

// writePart writes the segment body to part. Encrypted bodies are read
// fully and decrypted before anything touches the disk.
func (f *Fetcher) writePart(ctx context.Context, part string, body io.Reader, index int) (int64, error) {
	var src io.Reader = body
	if f.decrypter != nil {
		ciphertext, err := io.ReadAll(body)
		if err != nil {
			return 0, fmt.Errorf("failed while reading body: %w", err)
		}
		plaintext, err := f.decrypter.Decrypt(ciphertext, index)
		if err != nil {
			return 0, err
		}
		src = bytes.NewReader(plaintext)
	}

	file, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", part, err)
	}

	w := &rateLimitedWriter{w: file, limiter: f.cfg.Limiter, ctx: ctx}
	n, err := io.Copy(w, src)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed while writing body: %w", err)
	}
	return n, nil
}

func (f *Fetcher) canceled(ctx context.Context, seg models.Segment, artifact string, attempts int) Outcome {
	os.Remove(workdir.PartPath(artifact))
	f.logger.Debugf("Segment %d abandoned: %v", seg.Index, ctx.Err())
	return Outcome{Index: seg.Index, Status: Canceled, Attempts: attempts, Err: ctx.Err()}
}

// record persists an outcome. Persistence failures are logged, never fatal.
func (f *Fetcher) record(index int, ok bool) {
	if f.recorder == nil {
		return
	}
	var err error
	if ok {
		err = f.recorder.MarkDownloaded(index)
	} else {
		err = f.recorder.MarkFailed(index)
	}
	if err != nil {
		f.logger.Warnf("Failed to persist state for segment %d: %v", index, err)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
