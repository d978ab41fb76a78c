package fetcher

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

const maxChunk = 16 * 1024

// NewLimiter returns a limiter capping throughput at bytesPerSec, or nil for
// an unlimited rate. One limiter is shared by every worker of a session.
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxChunk {
		burst = maxChunk
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// rateLimitedWriter wraps an io.Writer with rate limiting.
type rateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

func (rl *rateLimitedWriter) Write(p []byte) (int, error) {
	if rl.limiter == nil {
		return rl.w.Write(p)
	}

	// Chunks never exceed the burst, otherwise WaitN fails outright.
	chunk := rl.limiter.Burst()
	if chunk > maxChunk {
		chunk = maxChunk
	}

	written := 0
	for written < len(p) {
		n := chunk
		if n > len(p)-written {
			n = len(p) - written
		}

		if err := rl.limiter.WaitN(rl.ctx, n); err != nil {
			return written, err
		}

		m, err := rl.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
