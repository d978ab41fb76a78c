package models

import "net/url"

// SourceKind distinguishes a bare playlist URL from one annotated with
// request headers captured by the browser.
type SourceKind int

const (
	// SourceSimple is a playlist URL with no header overrides.
	SourceSimple SourceKind = iota
	// SourceAnnotated is a playlist URL with header overrides.
	SourceAnnotated
)

// String returns the string representation of SourceKind
func (k SourceKind) String() string {
	switch k {
	case SourceSimple:
		return "simple"
	case SourceAnnotated:
		return "annotated"
	default:
		return "unknown"
	}
}

// Source is one playlist to download in a batch.
type Source struct {
	Kind   SourceKind
	URL    string
	Domain string
	// Headers override the configured request headers for this source only.
	// Always nil for SourceSimple.
	Headers map[string]string
}

// NewSimpleSource builds a Source for a bare URL.
func NewSimpleSource(rawURL string) Source {
	return Source{Kind: SourceSimple, URL: rawURL, Domain: hostOf(rawURL)}
}

// NewAnnotatedSource builds a Source carrying header overrides. An empty
// domain is derived from the URL.
func NewAnnotatedSource(rawURL, domain string, headers map[string]string) Source {
	if domain == "" {
		domain = hostOf(rawURL)
	}
	if len(headers) == 0 {
		headers = nil
	}
	return Source{Kind: SourceAnnotated, URL: rawURL, Domain: domain, Headers: headers}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
