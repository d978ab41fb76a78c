package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"hlsfetch/internal/cache"
	"hlsfetch/internal/config"
	"hlsfetch/internal/hls"
	"hlsfetch/internal/httpx"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/progress"
)

const reportTimeLayout = "20060102_150405"

// BatchSettings records the configuration a batch ran with.
type BatchSettings struct {
	MaxConcurrentVideos int    `json:"max_concurrent_videos"`
	MaxWorkersPerVideo  int    `json:"max_workers_per_video"`
	OutputDir           string `json:"output_base_dir"`
}

// BatchReport summarises a batch run.
type BatchReport struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Total     int           `json:"total_videos"`
	Completed int           `json:"completed_videos"`
	Failed    int           `json:"failed_videos"`
	Duration  float64       `json:"total_duration"`
	Average   float64       `json:"average_duration"`
	Settings  BatchSettings `json:"settings"`
	Results   []*Report     `json:"results"`
}

// Manager creates sessions that share one HTTP client and one key cache.
type Manager struct {
	cfg        *config.Config
	logger     logger.Logger
	httpClient *http.Client
	keys       *cache.KeyCache
}

// NewManager creates a new session manager.
func NewManager(cfg *config.Config, log logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     log,
		httpClient: httpx.NewClient(cfg.RequestTimeout),
		keys:       cache.NewKeyCache(log),
	}
}

// NewSession creates a session for src identified by a fresh UUID. A nil
// reporter discards progress.
func (m *Manager) NewSession(src models.Source, reporter progress.Reporter) *Session {
	if reporter == nil {
		reporter = progress.Nop{}
	}
	id := uuid.NewString()
	log := withFields(m.logger, "session", id[:8], "domain", src.Domain)

	return &Session{
		ID:         id,
		Source:     src,
		cfg:        m.cfg,
		httpClient: m.httpClient,
		parser:     hls.NewParser(m.httpClient, log, m.cfg.PlaylistTimeout, m.keys),
		reporter:   reporter,
		logger:     log,
	}
}

// RunBatch downloads every source, at most MaxConcurrentVideos at a time.
// Sessions are independent: one failing never stops the others.
func (m *Manager) RunBatch(ctx context.Context, sources []models.Source) *BatchReport {
	start := time.Now()
	batch := &BatchReport{
		ID:        uuid.NewString(),
		Timestamp: start,
		Total:     len(sources),
		Settings: BatchSettings{
			MaxConcurrentVideos: m.cfg.MaxConcurrentVideos,
			MaxWorkersPerVideo:  m.cfg.Concurrency,
			OutputDir:           m.cfg.OutputDir,
		},
		Results: make([]*Report, len(sources)),
	}

	m.logger.Infof("Starting batch %s: %d playlists, %d at a time", batch.ID, len(sources), m.cfg.MaxConcurrentVideos)

	sem := make(chan struct{}, max(m.cfg.MaxConcurrentVideos, 1))
	var wg sync.WaitGroup
	var mu sync.Mutex
	done := 0

	for i, src := range sources {
		wg.Add(1)
		go func(i int, src models.Source) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				batch.Results[i] = &Report{Index: i, URL: src.URL, Domain: src.Domain, Status: StatusInterrupted, Error: ctx.Err().Error()}
				return
			}
			defer func() { <-sem }()

			s := m.NewSession(src, nil)
			report, err := s.Run(ctx)
			report.Index = i
			batch.Results[i] = report

			mu.Lock()
			done++
			if err != nil {
				m.logger.Errorf("[%d/%d] %s failed: %v", done, len(sources), src.Domain, err)
			} else {
				m.logger.Infof("[%d/%d] %s %s", done, len(sources), src.Domain, report.Status)
			}
			mu.Unlock()
		}(i, src)
	}
	wg.Wait()

	for _, r := range batch.Results {
		switch r.Status {
		case StatusCompleted, StatusDownloaded:
			batch.Completed++
		default:
			batch.Failed++
		}
	}
	batch.Duration = time.Since(start).Seconds()
	batch.Average = batch.Duration / float64(max(batch.Completed, 1))

	m.logger.Infof("Batch %s finished: %d completed, %d failed in %.1fs", batch.ID, batch.Completed, batch.Failed, batch.Duration)
	return batch
}

// WriteReport saves the report as download_report_YYYYmmdd_HHMMSS.json in
// dir and returns its path.
func (b *BatchReport) WriteReport(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	p := filepath.Join(dir, fmt.Sprintf("download_report_%s.json", b.Timestamp.Format(reportTimeLayout)))
	if err := os.WriteFile(p, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return p, nil
}

// withFields attaches key/value pairs when the logger supports it.
func withFields(log logger.Logger, args ...any) logger.Logger {
	if l, ok := log.(interface {
		With(args ...any) logger.Logger
	}); ok {
		return l.With(args...)
	}
	return log
}
