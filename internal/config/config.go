package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"hlsfetch/internal/models"
)

// ErrInvalidConfig is returned when a configuration value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultOutputDir           = "downloads"
	DefaultConcurrency         = 10
	DefaultMaxRetries          = 3
	DefaultRetryDelay          = 2 * time.Second
	DefaultRequestTimeout      = 60 * time.Second
	DefaultPlaylistTimeout     = 30 * time.Second
	DefaultMaxConcurrentVideos = 3
)

// Config holds the fully processed application configuration.
type Config struct {
	OutputDir       string
	Concurrency     int
	MaxRetries      int
	RetryDelay      time.Duration
	RequestTimeout  time.Duration
	PlaylistTimeout time.Duration
	// BandwidthLimit caps the download rate of one playlist in bytes per
	// second. Zero means unlimited.
	BandwidthLimit int64
	Headers        map[string]string
	KeepSegments   bool
	AbortOnError   bool
	NoMerge        bool
	FFmpegPath     string
	// MaxConcurrentVideos bounds how many playlists of a batch run at once.
	MaxConcurrentVideos int
	LogLevel            string
	LogFormat           string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		OutputDir:           DefaultOutputDir,
		Concurrency:         DefaultConcurrency,
		MaxRetries:          DefaultMaxRetries,
		RetryDelay:          DefaultRetryDelay,
		RequestTimeout:      DefaultRequestTimeout,
		PlaylistTimeout:     DefaultPlaylistTimeout,
		MaxConcurrentVideos: DefaultMaxConcurrentVideos,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// rawConfig is the intermediate structure that maps directly to the JSON
// file. Durations are strings such as "2s" or "1m30s"; pointer fields
// distinguish "absent" from the zero value.
type rawConfig struct {
	OutputDir           *string           `json:"output_dir"`
	Concurrency         *int              `json:"concurrency"`
	MaxRetries          *int              `json:"max_retries"`
	RetryDelay          *string           `json:"retry_delay"`
	RequestTimeout      *string           `json:"request_timeout"`
	PlaylistTimeout     *string           `json:"playlist_timeout"`
	BandwidthLimit      *int64            `json:"bandwidth_limit"`
	Headers             map[string]string `json:"headers"`
	KeepSegments        *bool             `json:"keep_segments"`
	AbortOnError        *bool             `json:"abort_on_error"`
	NoMerge             *bool             `json:"no_merge"`
	FFmpegPath          *string           `json:"ffmpeg_path"`
	MaxConcurrentVideos *int              `json:"max_concurrent_videos"`
	LogLevel            *string           `json:"log_level"`
	LogFormat           *string           `json:"log_format"`
}

// Load reads the configuration file at path on top of Default and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file at %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
	}

	cfg := Default()
	if raw.OutputDir != nil {
		cfg.OutputDir = *raw.OutputDir
	}
	if raw.Concurrency != nil {
		cfg.Concurrency = *raw.Concurrency
	}
	if raw.MaxRetries != nil {
		cfg.MaxRetries = *raw.MaxRetries
	}
	if raw.BandwidthLimit != nil {
		cfg.BandwidthLimit = *raw.BandwidthLimit
	}
	if raw.KeepSegments != nil {
		cfg.KeepSegments = *raw.KeepSegments
	}
	if raw.AbortOnError != nil {
		cfg.AbortOnError = *raw.AbortOnError
	}
	if raw.NoMerge != nil {
		cfg.NoMerge = *raw.NoMerge
	}
	if raw.FFmpegPath != nil {
		cfg.FFmpegPath = *raw.FFmpegPath
	}
	if raw.MaxConcurrentVideos != nil {
		cfg.MaxConcurrentVideos = *raw.MaxConcurrentVideos
	}
	if raw.LogLevel != nil {
		cfg.LogLevel = *raw.LogLevel
	}
	if raw.LogFormat != nil {
		cfg.LogFormat = *raw.LogFormat
	}
	if len(raw.Headers) > 0 {
		cfg.Headers = raw.Headers
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"retry_delay", raw.RetryDelay, &cfg.RetryDelay},
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"playlist_timeout", raw.PlaylistTimeout, &cfg.PlaylistTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, d.name, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be positive, got %d", ErrInvalidConfig, c.Concurrency)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: max retries must not be negative, got %d", ErrInvalidConfig, c.MaxRetries)
	case c.RetryDelay < 0:
		return fmt.Errorf("%w: retry delay must not be negative, got %s", ErrInvalidConfig, c.RetryDelay)
	case c.RequestTimeout < 0 || c.PlaylistTimeout < 0:
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	case c.BandwidthLimit < 0:
		return fmt.Errorf("%w: bandwidth limit must not be negative, got %d", ErrInvalidConfig, c.BandwidthLimit)
	case c.MaxConcurrentVideos < 1:
		return fmt.Errorf("%w: max concurrent videos must be positive, got %d", ErrInvalidConfig, c.MaxConcurrentVideos)
	case c.OutputDir == "":
		return fmt.Errorf("%w: output directory is empty", ErrInvalidConfig)
	}
	return nil
}

// LoadHeaders reads a JSON object mapping header names to values.
func LoadHeaders(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read headers file at %s: %w", path, err)
	}
	var headers map[string]string
	if err := json.Unmarshal(data, &headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers JSON: %w", err)
	}
	return headers, nil
}

// ParseHeader splits a "Name: value" command line header.
func ParseHeader(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q: expected \"Name: value\"", s)
	}
	return name, strings.TrimSpace(value), nil
}

// rawSourceHeaders are the request headers captured by the browser
// extension that exports batch files.
type rawSourceHeaders struct {
	UserAgent string `json:"userAgent"`
	Referer   string `json:"referer"`
	Origin    string `json:"origin"`
	Cookie    string `json:"cookie"`
}

type rawSecurityHeaders struct {
	SecFetchSite string `json:"secFetchSite"`
	SecFetchMode string `json:"secFetchMode"`
	SecFetchDest string `json:"secFetchDest"`
}

// rawSource is one entry of a batch file in object form.
type rawSource struct {
	URL             string              `json:"url"`
	Domain          string              `json:"domain"`
	Headers         *rawSourceHeaders   `json:"headers"`
	SecurityHeaders *rawSecurityHeaders `json:"securityHeaders"`
}

// LoadSources reads a batch file. The file is either {"links": [...]} or a
// bare array; each entry is a URL string or an object with url, domain,
// headers and securityHeaders.
func LoadSources(path string) ([]models.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file at %s: %w", path, err)
	}

	var entries []json.RawMessage
	var wrapped struct {
		Links []json.RawMessage `json:"links"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		if err := json.Unmarshal(data, &wrapped); err != nil || wrapped.Links == nil {
			return nil, fmt.Errorf("failed to unmarshal batch JSON: expected a list or an object with \"links\"")
		}
		entries = wrapped.Links
	}

	sources := make([]models.Source, 0, len(entries))
	for i, entry := range entries {
		src, err := parseSource(entry)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func parseSource(entry json.RawMessage) (models.Source, error) {
	var s string
	if err := json.Unmarshal(entry, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return models.Source{}, errors.New("empty url")
		}
		return models.NewSimpleSource(s), nil
	}

	var rs rawSource
	if err := json.Unmarshal(entry, &rs); err != nil {
		return models.Source{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	rs.URL = strings.TrimSpace(rs.URL)
	if rs.URL == "" {
		return models.Source{}, errors.New("empty url")
	}

	headers := make(map[string]string)
	if h := rs.Headers; h != nil {
		setIf(headers, "User-Agent", h.UserAgent)
		setIf(headers, "Referer", h.Referer)
		setIf(headers, "Origin", h.Origin)
		setIf(headers, "Cookie", h.Cookie)
	}
	if sh := rs.SecurityHeaders; sh != nil {
		headers["Sec-Fetch-Site"] = orDefault(sh.SecFetchSite, "same-origin")
		headers["Sec-Fetch-Mode"] = orDefault(sh.SecFetchMode, "cors")
		headers["Sec-Fetch-Dest"] = orDefault(sh.SecFetchDest, "empty")
	}

	return models.NewAnnotatedSource(rs.URL, rs.Domain, headers), nil
}

func setIf(m map[string]string, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
