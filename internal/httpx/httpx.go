// Package httpx holds the HTTP plumbing shared by the playlist parser and the
// segment fetcher: default browser headers, header layering and clients.
package httpx

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// UserAgent is sent unless a configured or per-source header overrides it.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// DefaultHeaders returns the baseline request headers.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":      UserAgent,
		"Accept":          "*/*",
		"Accept-Language": "en-US,en;q=0.9",
	}
}

// Referer returns the origin of playlistURL with a trailing slash, or an
// empty string when the URL has no scheme or host.
func Referer(playlistURL string) string {
	u, err := url.Parse(playlistURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/"
}

// Merge layers header maps. Later layers override earlier ones; names are
// compared by their canonical form so "referer" overrides "Referer".
// Empty values in a later layer still override.
func Merge(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[http.CanonicalHeaderKey(k)] = v
		}
	}
	return merged
}

// ForPlaylist builds the request headers for one playlist: defaults, the
// derived Referer, then configured and per-source overrides.
func ForPlaylist(playlistURL string, configured, perSource map[string]string) map[string]string {
	derived := map[string]string{}
	if ref := Referer(playlistURL); ref != "" {
		derived["Referer"] = ref
	}
	return Merge(DefaultHeaders(), derived, configured, perSource)
}

// NewClient returns a client whose transport gives up on servers that do not
// start responding within timeout. Overall request deadlines are set per
// request through the context.
func NewClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Transport: transport}
}

// NewRequest builds a GET request carrying headers.
func NewRequest(ctx context.Context, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
