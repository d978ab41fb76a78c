package hls

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"hlsfetch/internal/cache"
	"hlsfetch/internal/httpx"
	"hlsfetch/internal/logger"
	"hlsfetch/internal/models"
	"hlsfetch/internal/workdir"
)

var (
	// ErrFetchFailed is returned when the playlist or its key cannot be retrieved.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrNoSegmentsFound is returned when a playlist yields no segment references.
	ErrNoSegmentsFound = errors.New("no segments found")
	// ErrKeyNotFound is returned when encryption is declared without a key URI.
	ErrKeyNotFound = errors.New("encryption key URI not found")
	// ErrUnsupportedMethod is returned for encryption methods other than AES-128.
	ErrUnsupportedMethod = errors.New("unsupported encryption method")
	// ErrInvalidKey is returned when the fetched key is not 16 bytes.
	ErrInvalidKey = errors.New("invalid encryption key")
)

const (
	tagKey        = "#EXT-X-KEY:"
	methodAES128  = "AES-128"
	methodNone    = "NONE"
	keySize       = 16
	maxKeyBody    = 1 << 10
	maxPlaylistSz = 32 << 20
)

// playlistExtensions are never treated as segments by the fallback pass.
var playlistExtensions = map[string]bool{"m3u8": true, "m3u": true}

// Parser fetches media playlists and turns them into segment lists.
type Parser struct {
	httpClient *http.Client
	logger     logger.Logger
	timeout    time.Duration
	keys       *cache.KeyCache
}

// NewParser creates a parser. keys may be shared between parsers so that
// sessions with the same key URL fetch it once; nil gives the parser its own.
func NewParser(client *http.Client, log logger.Logger, timeout time.Duration, keys *cache.KeyCache) *Parser {
	if keys == nil {
		keys = cache.NewKeyCache(log)
	}
	return &Parser{
		httpClient: client,
		logger:     log,
		timeout:    timeout,
		keys:       keys,
	}
}

// Parse fetches the playlist at playlistURL and returns its ordered segments
// and encryption parameters.
func (p *Parser) Parse(ctx context.Context, playlistURL string, headers map[string]string) (*models.Playlist, error) {
	p.logger.Debugf("Fetching playlist from URL: %s", playlistURL)

	body, finalURL, err := p.fetch(ctx, playlistURL, headers, maxPlaylistSz)
	if err != nil {
		return nil, fmt.Errorf("%w: playlist %s: %v", ErrFetchFailed, playlistURL, err)
	}
	if finalURL != playlistURL {
		p.logger.Debugf("Redirected to: %s", finalURL)
	}

	base, err := url.Parse(finalURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist URL '%s': %w", finalURL, err)
	}

	lines := splitLines(string(body))

	playlist := &models.Playlist{URL: playlistURL, BaseURL: finalURL}

	enc, err := p.parseEncryption(ctx, lines, base, headers)
	if err != nil {
		return nil, err
	}
	playlist.Encryption = enc

	refs := segmentRefs(lines)
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSegmentsFound, playlistURL)
	}

	playlist.Segments = make([]models.Segment, 0, len(refs))
	for i, ref := range refs {
		resolved, err := resolveURL(base, ref)
		if err != nil {
			return nil, err
		}
		playlist.Segments = append(playlist.Segments, models.Segment{
			Index:  i,
			RawRef: ref,
			URL:    resolved.String(),
		})
	}

	p.logger.Infof("Parsed playlist %s: %d segments, encrypted=%t", playlistURL, len(playlist.Segments), playlist.Encrypted())
	return playlist, nil
}

// fetch performs one GET under the parser timeout and returns the body and
// the final URL after redirects.
func (p *Parser) fetch(ctx context.Context, rawURL string, headers map[string]string, limit int64) ([]byte, string, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := httpx.NewRequest(ctx, rawURL, headers)
	if err != nil {
		return nil, "", err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("received status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	return data, resp.Request.URL.String(), nil
}

// parseEncryption handles the first #EXT-X-KEY directive. It returns nil for
// clear playlists and for METHOD=NONE.
func (p *Parser) parseEncryption(ctx context.Context, lines []string, base *url.URL, headers map[string]string) (*models.Encryption, error) {
	var attrs map[string]string
	for _, line := range lines {
		if strings.HasPrefix(line, tagKey) {
			attrs = parseAttributes(strings.TrimPrefix(line, tagKey))
			break
		}
	}
	if attrs == nil {
		return nil, nil
	}

	method := strings.ToUpper(attrs["METHOD"])
	switch method {
	case methodNone:
		return nil, nil
	case methodAES128:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, attrs["METHOD"])
	}

	uri := attrs["URI"]
	if uri == "" {
		return nil, ErrKeyNotFound
	}
	keyURL, err := resolveURL(base, uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	}

	enc := &models.Encryption{Method: methodAES128, KeyURL: keyURL.String()}

	if raw, ok := attrs["IV"]; ok {
		iv, err := parseIV(raw)
		if err != nil {
			return nil, err
		}
		enc.IV = iv
	}

	key, err := p.keys.GetOrLoad(ctx, enc.KeyURL, func(ctx context.Context) ([]byte, error) {
		p.logger.Debugf("Fetching key from URL: %s", enc.KeyURL)
		data, _, err := p.fetch(ctx, enc.KeyURL, headers, maxKeyBody)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrFetchFailed, enc.KeyURL, err)
		}
		if len(data) != keySize {
			return nil, fmt.Errorf("%w: %s returned %d bytes", ErrInvalidKey, enc.KeyURL, len(data))
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	enc.Key = key

	p.logger.Debugf("Playlist is encrypted with %s, key %s, explicit IV=%t", enc.Method, enc.KeyURL, enc.IV != nil)
	return enc, nil
}

// parseIV decodes a 0x-prefixed hex IV, left-padding short values to 16 bytes.
func parseIV(raw string) ([]byte, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 || len(b) > keySize {
		return nil, fmt.Errorf("%w: malformed IV %q", ErrInvalidKey, raw)
	}
	iv := make([]byte, keySize)
	copy(iv[keySize-len(b):], b)
	return iv, nil
}

// parseAttributes parses an HLS attribute list such as
// METHOD=AES-128,URI="https://k/key?a=1,b=2",IV=0x01. Quoted values may
// contain commas.
func parseAttributes(list string) map[string]string {
	attrs := make(map[string]string)
	for len(list) > 0 {
		eq := strings.IndexByte(list, '=')
		if eq < 0 {
			break
		}
		name := strings.ToUpper(strings.TrimSpace(list[:eq]))
		list = list[eq+1:]

		var value string
		if strings.HasPrefix(list, `"`) {
			end := strings.IndexByte(list[1:], '"')
			if end < 0 {
				value, list = list[1:], ""
			} else {
				value, list = list[1:end+1], list[end+2:]
			}
			if i := strings.IndexByte(list, ','); i >= 0 {
				list = list[i+1:]
			} else {
				list = ""
			}
		} else if i := strings.IndexByte(list, ','); i >= 0 {
			value, list = list[:i], list[i+1:]
		} else {
			value, list = list, ""
		}

		attrs[name] = strings.TrimSpace(value)
	}
	return attrs
}

// splitLines returns the trimmed lines of a playlist body. CRLF line endings
// and surrounding whitespace are removed.
func splitLines(body string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), maxPlaylistSz)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	return lines
}

// segmentRefs extracts segment references in document order. Lines whose
// path ends in a known media extension win; if there are none, any line with
// an alphanumeric non-playlist extension is taken instead.
func segmentRefs(lines []string) []string {
	var primary, fallback []string
	for _, line := range lines {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ext := refExtension(line)
		if ext == "" {
			continue
		}
		if isMediaExtension(ext) {
			primary = append(primary, line)
		} else if !playlistExtensions[ext] && isAlphanumeric(ext) {
			fallback = append(fallback, line)
		}
	}
	if len(primary) > 0 {
		return primary
	}
	return fallback
}

// refExtension returns the lowercased extension of a reference's path,
// ignoring query and fragment.
func refExtension(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(ref, "?#"); i >= 0 {
		p = ref[:i]
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

func isMediaExtension(ext string) bool {
	for _, known := range workdir.MediaExtensions {
		if ext == known {
			return true
		}
	}
	return false
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return s != ""
}

// resolveURL resolves a reference against the playlist URL.
func resolveURL(base *url.URL, ref string) (*url.URL, error) {
	resolved, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to parse reference '%s': %w", ref, err)
	}
	return base.ResolveReference(resolved), nil
}
