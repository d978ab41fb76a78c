package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"hlsfetch/internal/config"
	"hlsfetch/internal/engine"
	"hlsfetch/internal/fetcher"
	"hlsfetch/internal/hls"
	"hlsfetch/internal/httpx"
	"hlsfetch/internal/key"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/merge"
	"hlsfetch/internal/models"
	"hlsfetch/internal/progress"
	"hlsfetch/internal/state"
	"hlsfetch/internal/workdir"
)

// ErrSegmentsFailed is returned when segments failed and the session was
// configured to abort instead of merging what it has.
var ErrSegmentsFailed = errors.New("segments failed to download")

// Status is the final status of one session.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusDownloaded  Status = "downloaded"
	StatusPartial     Status = "partial"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// SegmentStats is the JSON form of an engine result.
type SegmentStats struct {
	Total         int     `json:"total"`
	Success       int64   `json:"success"`
	Skipped       int64   `json:"skipped"`
	Failed        int64   `json:"failed"`
	Retries       int64   `json:"retries"`
	Bytes         int64   `json:"bytes"`
	FailedIndices []int   `json:"failed_indices,omitempty"`
	Seconds       float64 `json:"seconds"`
}

// Report describes how one playlist download ended.
type Report struct {
	ID         string       `json:"id"`
	Index      int          `json:"index"`
	URL        string       `json:"url"`
	Domain     string       `json:"domain"`
	Status     Status       `json:"status"`
	Error      string       `json:"error,omitempty"`
	WorkDir    string       `json:"output_dir,omitempty"`
	OutputFile string       `json:"output_file,omitempty"`
	Encrypted  bool         `json:"encrypted"`
	Segments   SegmentStats `json:"segments"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	Duration   float64      `json:"duration"`
}

// Session downloads one playlist end to end: parse, fetch, merge, clean up.
type Session struct {
	ID     string
	Source models.Source
	// OutputFile overrides the generated output path.
	OutputFile string

	cfg        *config.Config
	httpClient *http.Client
	parser     *hls.Parser
	reporter   progress.Reporter
	logger     logger.Logger
}

// Run executes the session. The returned report is filled in even when an
// error is returned.
func (s *Session) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		ID:        s.ID,
		URL:       s.Source.URL,
		Domain:    s.Source.Domain,
		StartTime: time.Now(),
	}
	err := s.run(ctx, report)

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime).Seconds()
	if err != nil {
		report.Error = err.Error()
		if report.Status == "" {
			report.Status = StatusFailed
		}
	}
	return report, err
}

func (s *Session) run(ctx context.Context, report *Report) error {
	headers := httpx.ForPlaylist(s.Source.URL, s.cfg.Headers, s.Source.Headers)

	playlist, err := s.parser.Parse(ctx, s.Source.URL, headers)
	if err != nil {
		return fmt.Errorf("failed to parse playlist: %w", err)
	}
	report.Encrypted = playlist.Encrypted()

	dir := workdir.Dir(s.cfg.OutputDir, s.Source.URL)
	if err := workdir.Ensure(dir); err != nil {
		return err
	}
	report.WorkDir = dir
	s.logger.Infof("Working directory: %s", dir)

	var decrypter *key.Context
	if playlist.Encrypted() {
		decrypter, err = key.NewContext(playlist.Encryption.Key, playlist.Encryption.IV)
		if err != nil {
			return fmt.Errorf("failed to set up decryption: %w", err)
		}
	}

	store := state.Load(dir, s.logger)
	f := fetcher.New(s.httpClient, s.logger, dir, fetcher.Config{
		MaxRetries:     s.cfg.MaxRetries,
		RetryDelay:     s.cfg.RetryDelay,
		RequestTimeout: s.cfg.RequestTimeout,
		Headers:        headers,
		Limiter:        fetcher.NewLimiter(s.cfg.BandwidthLimit),
	}, decrypter, store, &fetcher.Counters{})

	res, err := engine.New(dir, store, f, s.reporter, s.logger).Run(ctx, playlist.Segments, s.cfg.Concurrency)
	report.Segments = statsOf(res)
	if err != nil {
		report.Status = StatusInterrupted
		return err
	}

	if res.Failed > 0 && s.cfg.AbortOnError {
		return fmt.Errorf("%w: %d of %d, segments kept in %s for resume", ErrSegmentsFailed, res.Failed, res.Total, dir)
	}

	paths := workdir.FileList(dir, playlist.Segments)
	if len(paths) == 0 {
		return fmt.Errorf("no segments downloaded")
	}

	if s.cfg.NoMerge {
		report.Status = StatusDownloaded
		if res.Failed > 0 {
			report.Status = StatusPartial
		}
		return nil
	}

	ffmpeg, err := merge.FindFFmpeg(s.cfg.FFmpegPath)
	if err != nil {
		s.logger.Warnf("Segments kept in %s; merge them manually with: ffmpeg -f concat -safe 0 -i %s -c copy out.mp4",
			dir, workdir.FileListName)
		_, _ = workdir.WriteFileList(dir, paths)
		return err
	}

	listPath, err := workdir.WriteFileList(dir, paths)
	if err != nil {
		return err
	}

	output := s.outputPath()
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := merge.NewMuxer(ffmpeg, s.logger).Concat(ctx, listPath, output); err != nil {
		return fmt.Errorf("failed to merge segments: %w", err)
	}
	report.OutputFile = output

	if res.Failed > 0 {
		report.Status = StatusPartial
		s.logger.Warnf("Merged with %d missing segments; working files kept for a later resume", res.Failed)
		return nil
	}

	report.Status = StatusCompleted
	if !s.cfg.KeepSegments {
		if err := workdir.Cleanup(dir, playlist.Segments); err != nil {
			s.logger.Warnf("Failed to clean up %s: %v", dir, err)
		}
	}
	return nil
}

func (s *Session) outputPath() string {
	if s.OutputFile != "" {
		return s.OutputFile
	}
	return filepath.Join(s.cfg.OutputDir, merge.OutputName(s.Source.URL, time.Now()))
}

func statsOf(res engine.Result) SegmentStats {
	return SegmentStats{
		Total:         res.Total,
		Success:       res.Success,
		Skipped:       res.Skipped,
		Failed:        res.Failed,
		Retries:       res.Retries,
		Bytes:         res.Bytes,
		FailedIndices: res.FailedIndices,
		Seconds:       res.Duration.Seconds(),
	}
}
