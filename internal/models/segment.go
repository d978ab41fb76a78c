package models

// Segment describes one media segment referenced by a playlist.
// Segments are created while parsing and never mutated afterwards.
type Segment struct {
	// Index is the 0-based position in the playlist. It is the playback order
	// and the partition key for artifact files.
	Index int
	// RawRef is the reference exactly as it appeared in the playlist, trimmed.
	RawRef string
	// URL is the absolute URL to fetch the segment from.
	URL string
}

// Encryption holds the parameters declared by an #EXT-X-KEY directive.
type Encryption struct {
	// Method is the declared cipher method. Only AES-128 is supported.
	Method string
	// KeyURL is the absolute URL the key was fetched from.
	KeyURL string
	// Key is the 16-byte AES key.
	Key []byte
	// IV is the explicit initialization vector, or nil when the playlist
	// does not declare one.
	IV []byte
}

// Playlist is the parsed form of a media playlist.
type Playlist struct {
	// URL is the playlist URL as requested.
	URL string
	// BaseURL is the final URL after redirects. Relative references are
	// resolved against it.
	BaseURL string
	// Segments are ordered by playback order.
	Segments []Segment
	// Encryption is nil for clear playlists.
	Encryption *Encryption
}

// Encrypted reports whether segments need decrypting.
func (p *Playlist) Encrypted() bool {
	return p.Encryption != nil && len(p.Encryption.Key) > 0
}
