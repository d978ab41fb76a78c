// Package merge concatenates downloaded segments into one media file with
// ffmpeg's concat demuxer.
package merge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"hlsfetch/internal/logger"
)

// ErrMuxerUnavailable is returned when no ffmpeg binary can be found.
var ErrMuxerUnavailable = errors.New("ffmpeg not available")

const outputTimeLayout = "20060102_150405"

// FindFFmpeg returns the ffmpeg binary to use: preferred when it exists,
// otherwise ffmpeg from PATH.
func FindFFmpeg(preferred string) (string, error) {
	if preferred != "" {
		if info, err := os.Stat(preferred); err == nil && !info.IsDir() {
			return preferred, nil
		}
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
	}
	p, err := exec.LookPath("ffmpeg")
	if err != nil {
		return "", fmt.Errorf("%w: install ffmpeg or pass its path explicitly", ErrMuxerUnavailable)
	}
	return p, nil
}

// Muxer runs ffmpeg.
type Muxer struct {
	path   string
	logger logger.Logger
}

// NewMuxer creates a muxer for the ffmpeg binary at path.
func NewMuxer(path string, log logger.Logger) *Muxer {
	return &Muxer{path: path, logger: log}
}

// Concat joins the files listed in fileList into output without re-encoding.
// An existing output is overwritten. ffmpeg's combined output is attached to
// the error on failure.
func (m *Muxer) Concat(ctx context.Context, fileList, output string) error {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", fileList,
		"-c", "copy",
		output,
	}

	m.logger.Infof("Merging segments into %s", output)
	m.logger.Debugf("Running %s %s", m.path, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, m.path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg command failed: %w: %s", err, lastLines(string(out), 10))
	}

	m.logger.Infof("Successfully merged video to: %s", output)
	return nil
}

// OutputName derives a unique output file name from the playlist URL:
// host with dots replaced by underscores, a timestamp and the first eight
// hex digits of the URL's MD5.
func OutputName(playlistURL string, now time.Time) string {
	host := "video"
	if u, err := url.Parse(playlistURL); err == nil && u.Host != "" {
		host = strings.NewReplacer(".", "_", ":", "_").Replace(u.Host)
	}
	sum := md5.Sum([]byte(playlistURL))
	return fmt.Sprintf("%s_%s_%s.mp4", host, now.Format(outputTimeLayout), hex.EncodeToString(sum[:])[:8])
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
