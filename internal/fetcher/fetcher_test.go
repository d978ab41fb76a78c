package fetcher

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsfetch/internal/httpx"
	"hlsfetch/internal/key"
	"hlsfetch/internal/models"
	"hlsfetch/internal/workdir"
)

// mockLogger is a no-op logger for testing purposes.
type mockLogger struct{}

func (m *mockLogger) Debugf(format string, v ...interface{}) {}
func (m *mockLogger) Infof(format string, v ...interface{})  {}
func (m *mockLogger) Warnf(format string, v ...interface{})  {}
func (m *mockLogger) Errorf(format string, v ...interface{}) {}

// fakeRecorder captures state updates.
type fakeRecorder struct {
	mu         sync.Mutex
	downloaded []int
	failed     []int
}

func (r *fakeRecorder) MarkDownloaded(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloaded = append(r.downloaded, i)
	return nil
}

func (r *fakeRecorder) MarkFailed(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, i)
	return nil
}

func newFetcher(t *testing.T, dir string, cfg Config, dec *key.Context) (*Fetcher, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	return New(httpx.NewClient(5*time.Second), &mockLogger{}, dir, cfg, dec, rec, &Counters{}), rec
}

func TestFetch_Success(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47}, 188*10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yes", r.Header.Get("X-Seg"))
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, rec := newFetcher(t, dir, Config{MaxRetries: 2, Headers: map[string]string{"X-Seg": "yes"}}, nil)

	out := f.Fetch(context.Background(), models.Segment{Index: 3, RawRef: "s3.ts", URL: srv.URL + "/s3.ts"})

	require.NoError(t, out.Err)
	assert.Equal(t, Success, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, int64(len(payload)), out.Bytes)

	got, err := os.ReadFile(filepath.Join(dir, "segment_00003.ts"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.NoFileExists(t, filepath.Join(dir, "segment_00003.ts.part"))

	assert.Equal(t, []int{3}, rec.downloaded)
	assert.Equal(t, int64(1), f.Counters().Success.Load())
	assert.Equal(t, int64(len(payload)), f.Counters().Bytes.Load())
}

func TestFetch_RetryThenSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f, rec := newFetcher(t, t.TempDir(), Config{MaxRetries: 3, RetryDelay: time.Millisecond}, nil)

	out := f.Fetch(context.Background(), models.Segment{Index: 0, RawRef: "a.ts", URL: srv.URL})

	assert.Equal(t, Success, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int64(2), f.Counters().Retries.Load())
	assert.Equal(t, []int{0}, rec.downloaded)
	assert.Empty(t, rec.failed)
}

func TestFetch_RetryExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, rec := newFetcher(t, dir, Config{MaxRetries: 2, RetryDelay: time.Millisecond}, nil)

	out := f.Fetch(context.Background(), models.Segment{Index: 5, RawRef: "e.ts", URL: srv.URL})

	assert.Equal(t, Failed, out.Status)
	assert.Error(t, out.Err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, int64(2), f.Counters().Retries.Load())
	assert.Equal(t, int64(1), f.Counters().Failed.Load())
	assert.Equal(t, []int{5}, rec.failed)

	_, ok := workdir.FindArtifact(dir, 5)
	assert.False(t, ok)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetch_SkipsExistingArtifact(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := models.Segment{Index: 1, RawRef: "b.ts", URL: srv.URL}
	require.NoError(t, os.WriteFile(workdir.ArtifactPath(dir, seg), []byte("done"), 0644))

	f, rec := newFetcher(t, dir, Config{}, nil)
	out := f.Fetch(context.Background(), seg)

	assert.Equal(t, Skipped, out.Status)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.Equal(t, []int{1}, rec.downloaded)
}

func TestFetch_DecryptsBeforeWrite(t *testing.T) {
	k := []byte("0123456789abcdef")
	dec, err := key.NewContext(k, nil)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("segment-two-"), 50)
	block, err := aes.NewCipher(k)
	require.NoError(t, err)
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte(nil), plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, dec.IV(2)).CryptBlocks(ciphertext, padded)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(ciphertext)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, _ := newFetcher(t, dir, Config{}, dec)

	out := f.Fetch(context.Background(), models.Segment{Index: 2, RawRef: "c.ts", URL: srv.URL})
	require.Equal(t, Success, out.Status)

	got, err := os.ReadFile(filepath.Join(dir, "segment_00002.ts"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestFetch_DecryptFailureIsRetried(t *testing.T) {
	dec, err := key.NewContext([]byte("0123456789abcdef"), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("truncated"))
	}))
	defer srv.Close()

	f, _ := newFetcher(t, t.TempDir(), Config{MaxRetries: 1}, dec)
	out := f.Fetch(context.Background(), models.Segment{Index: 0, RawRef: "a.ts", URL: srv.URL})

	assert.Equal(t, Failed, out.Status)
	assert.True(t, errors.Is(out.Err, key.ErrDecrypt))
	assert.Equal(t, int64(1), f.Counters().Retries.Load())
}

func TestFetch_RequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f, rec := newFetcher(t, t.TempDir(), Config{RequestTimeout: 50 * time.Millisecond}, nil)
	out := f.Fetch(context.Background(), models.Segment{Index: 0, RawRef: "a.ts", URL: srv.URL})

	assert.Equal(t, Failed, out.Status)
	assert.Equal(t, []int{0}, rec.failed)
}

func TestFetch_CanceledPersistsNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f, rec := newFetcher(t, dir, Config{MaxRetries: 5, RetryDelay: time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := f.Fetch(ctx, models.Segment{Index: 4, RawRef: "d.ts", URL: srv.URL})

	assert.Equal(t, Canceled, out.Status)
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, rec.downloaded)
	assert.Empty(t, rec.failed)
	assert.Zero(t, f.Counters().Failed.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRateLimitedWriter_SmallBurst(t *testing.T) {
	var buf bytes.Buffer
	w := &rateLimitedWriter{w: &buf, limiter: NewLimiter(1 << 20), ctx: context.Background()}

	data := bytes.Repeat([]byte{1}, 40*1024)
	n, err := w.Write(data)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf.Bytes())
	assert.Nil(t, NewLimiter(0))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "canceled", Canceled.String())
}
