package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hlsfetch/internal/config"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/progress"
	"hlsfetch/internal/session"
)

// options mirrors the command line. Values only override the configuration
// file when the flag was given explicitly.
type options struct {
	configPath    string
	outputDir     string
	concurrency   int
	retries       int
	retryDelay    string
	timeout       string
	limitRate     string
	headersFile   string
	headers       []string
	keepSegments  bool
	abortOnError  bool
	noMerge       bool
	ffmpegPath    string
	outputFile    string
	maxConcurrent int
	logLevel      string
	logFormat     string
	quiet         bool
}

func newRootCmd(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "hlsfetch [playlist-url]",
		Short: "Download HLS media playlists",
		Long: `hlsfetch downloads every segment of an HLS media playlist concurrently,
decrypts AES-128 segments, and merges them into a single file with ffmpeg.

Interrupted downloads resume from the working directory on the next run.

Examples:
  hlsfetch "https://cdn.example.com/video/index.m3u8"
  hlsfetch -c 16 -H "Referer: https://player.example.com/" "https://cdn.example.com/video/index.m3u8"
  hlsfetch batch links.json --max-concurrent 2`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          o.runDownload,
	}

	batch := &cobra.Command{
		Use:   "batch <file>",
		Short: "Download every playlist listed in a JSON batch file",
		Long: `The batch file is either a JSON array or an object with a "links" array.
Each entry is a playlist URL or an object with url, domain, headers and
securityHeaders. A report is written to the output directory when the batch
finishes.`,
		Args: cobra.ExactArgs(1),
		RunE: o.runBatch,
	}

	def := config.Default()
	f := root.PersistentFlags()

	f.StringVar(&o.configPath, "config", "", "Path to a JSON configuration file")
	f.StringVarP(&o.outputDir, "output", "o", def.OutputDir, "Output directory for working files and merged videos")
	f.IntVarP(&o.concurrency, "concurrent", "c", def.Concurrency, "Concurrent segment downloads per playlist")
	f.IntVarP(&o.retries, "retries", "r", def.MaxRetries, "Retry attempts per segment")
	f.StringVar(&o.retryDelay, "retry-delay", def.RetryDelay.String(), "Delay between retries")
	f.StringVar(&o.timeout, "timeout", def.RequestTimeout.String(), "Timeout for each segment request")
	f.StringVar(&o.limitRate, "limit-rate", "", "Bandwidth limit per playlist, e.g. 500K or 2M")
	f.StringVar(&o.headersFile, "headers", "", "JSON file with extra request headers")
	f.StringArrayVarP(&o.headers, "header", "H", nil, `Extra request header "Name: value" (repeatable)`)
	f.BoolVar(&o.keepSegments, "keep-segments", false, "Keep the working directory after a successful merge")
	f.BoolVar(&o.abortOnError, "abort-on-error", false, "Do not merge when any segment failed")
	f.BoolVar(&o.noMerge, "no-merge", false, "Download segments only")
	f.StringVar(&o.ffmpegPath, "ffmpeg", "", "Path to the ffmpeg binary")
	f.IntVar(&o.maxConcurrent, "max-concurrent", def.MaxConcurrentVideos, "Playlists downloaded at once in batch mode")
	f.StringVar(&o.logLevel, "log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&o.logFormat, "log-format", def.LogFormat, "Log format (text or json)")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "Hide the progress bar")

	root.Flags().StringVar(&o.outputFile, "output-file", "", "Path of the merged file")

	root.AddCommand(batch)
	return root
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *options) runDownload(cmd *cobra.Command, args []string) error {
	cfg, err := o.buildConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reporter progress.Reporter = progress.Nop{}
	if !o.quiet {
		reporter = progress.NewBar(os.Stdout)
	}

	s := session.NewManager(cfg, log).NewSession(models.NewSimpleSource(args[0]), reporter)
	s.OutputFile = o.outputFile

	report, err := s.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warnf("Interrupted; run the same command again to resume from %s", report.WorkDir)
		}
		return err
	}

	switch report.Status {
	case session.StatusCompleted:
		log.Infof("Saved %s", report.OutputFile)
	case session.StatusPartial:
		log.Warnf("%d segments failed; working files kept in %s", report.Segments.Failed, report.WorkDir)
	default:
		log.Infof("Segments downloaded to %s", report.WorkDir)
	}
	return nil
}

func (o *options) runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := o.buildConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	sources, err := config.LoadSources(args[0])
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no playlists in %s", args[0])
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	batch := session.NewManager(cfg, log).RunBatch(ctx, sources)

	path, err := batch.WriteReport(cfg.OutputDir)
	if err != nil {
		return err
	}
	log.Infof("Report written to %s", path)

	if batch.Failed > 0 {
		return fmt.Errorf("%d of %d playlists did not complete", batch.Failed, batch.Total)
	}
	return nil
}

// buildConfig layers the configuration file, then explicitly set flags, over
// the defaults.
func (o *options) buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("output") {
		cfg.OutputDir = o.outputDir
	}
	if changed("concurrent") {
		cfg.Concurrency = o.concurrency
	}
	if changed("retries") {
		cfg.MaxRetries = o.retries
	}
	if changed("retry-delay") {
		d, err := parseDuration("retry-delay", o.retryDelay)
		if err != nil {
			return nil, err
		}
		cfg.RetryDelay = d
	}
	if changed("timeout") {
		d, err := parseDuration("timeout", o.timeout)
		if err != nil {
			return nil, err
		}
		cfg.RequestTimeout = d
	}
	if changed("limit-rate") {
		rate, err := parseRate(o.limitRate)
		if err != nil {
			return nil, err
		}
		cfg.BandwidthLimit = rate
	}
	if changed("keep-segments") {
		cfg.KeepSegments = o.keepSegments
	}
	if changed("abort-on-error") {
		cfg.AbortOnError = o.abortOnError
	}
	if changed("no-merge") {
		cfg.NoMerge = o.noMerge
	}
	if changed("ffmpeg") {
		cfg.FFmpegPath = o.ffmpegPath
	}
	if changed("max-concurrent") {
		cfg.MaxConcurrentVideos = o.maxConcurrent
	}
	if changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if changed("log-format") {
		cfg.LogFormat = o.logFormat
	}

	if o.headersFile != "" {
		fromFile, err := config.LoadHeaders(o.headersFile)
		if err != nil {
			return nil, err
		}
		cfg.Headers = mergeHeaders(cfg.Headers, fromFile)
	}
	for _, h := range o.headers {
		name, value, err := config.ParseHeader(h)
		if err != nil {
			return nil, err
		}
		cfg.Headers = mergeHeaders(cfg.Headers, map[string]string{name: value})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeHeaders(dst, src map[string]string) map[string]string {
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
