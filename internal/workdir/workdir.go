// Package workdir defines the on-disk layout of a download: one directory
// per playlist URL holding segment artifacts, the resume state file and the
// ffmpeg file list.
package workdir

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"hlsfetch/internal/models"
)

const (
	// StateFileName is the resume state file inside a working directory.
	StateFileName = "download_state.json"
	// FileListName is the ffmpeg concat list inside a working directory.
	FileListName = "file_list.txt"
	// DefaultExtension is used when a segment reference has no recognised extension.
	DefaultExtension = "ts"

	partSuffix = ".part"
	dirPerm    = 0755
)

// MediaExtensions are the segment extensions recognised by name.
var MediaExtensions = []string{"ts", "m4s", "mp4", "aac", "m4a", "mp3", "wav", "webm", "ogg"}

// Dir returns the working directory for a playlist URL. The name is the MD5
// hex digest of the URL, so the same URL always maps to the same directory.
func Dir(outputDir, playlistURL string) string {
	sum := md5.Sum([]byte(playlistURL))
	return filepath.Join(outputDir, hex.EncodeToString(sum[:]))
}

// Ensure creates dir if it does not exist.
func Ensure(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create working directory %s: %w", dir, err)
	}
	return nil
}

// Extension infers the artifact extension from a segment reference, ignoring
// any query string or fragment.
func Extension(ref string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(refPath(ref)), "."))
	for _, known := range MediaExtensions {
		if ext == known {
			return ext
		}
	}
	return DefaultExtension
}

// refPath strips the query and fragment from a reference.
func refPath(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		return u.Path
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// ArtifactName returns the zero-padded artifact file name for a segment.
func ArtifactName(index int, ref string) string {
	return fmt.Sprintf("segment_%05d.%s", index, Extension(ref))
}

// ArtifactPath returns the artifact path for seg inside dir.
func ArtifactPath(dir string, seg models.Segment) string {
	return filepath.Join(dir, ArtifactName(seg.Index, seg.RawRef))
}

// PartPath returns the temporary path a segment is written to before it is
// renamed into place.
func PartPath(artifact string) string {
	return artifact + partSuffix
}

// Complete reports whether path exists as a regular file with nonzero length.
func Complete(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// FindArtifact locates the completed artifact for index regardless of its
// extension. Partial files are never returned.
func FindArtifact(dir string, index int) (string, bool) {
	for _, p := range artifactFiles(dir, index) {
		if strings.HasSuffix(p, partSuffix) {
			continue
		}
		if Complete(p) {
			return p, true
		}
	}
	return "", false
}

// RemoveArtifacts deletes every file belonging to index, partial or not.
func RemoveArtifacts(dir string, index int) error {
	for _, p := range artifactFiles(dir, index) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// artifactFiles lists the files in dir named segment_NNNNN.* for index.
func artifactFiles(dir string, index int) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	prefix := fmt.Sprintf("segment_%05d.", index)

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

// FileList returns the completed artifact paths of segments in ascending
// index order. Missing or empty artifacts are skipped.
func FileList(dir string, segments []models.Segment) []string {
	ordered := make([]models.Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	paths := make([]string, 0, len(ordered))
	for _, seg := range ordered {
		p := ArtifactPath(dir, seg)
		if Complete(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

// WriteFileList writes paths to dir/file_list.txt in ffmpeg concat format and
// returns the list path. Paths are made absolute and single quotes escaped.
func WriteFileList(dir string, paths []string) (string, error) {
	listPath := filepath.Join(dir, FileListName)
	f, err := os.Create(listPath)
	if err != nil {
		return "", fmt.Errorf("failed to create file list: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		if _, err := fmt.Fprintf(w, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`)); err != nil {
			return "", fmt.Errorf("failed to write file list: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write file list: %w", err)
	}
	return listPath, nil
}

// Cleanup removes segment artifacts, the file list and the state file. The
// directory itself is removed when it ends up empty.
func Cleanup(dir string, segments []models.Segment) error {
	for _, seg := range segments {
		if err := RemoveArtifacts(dir, seg.Index); err != nil {
			return err
		}
	}
	for _, name := range []string{FileListName, StateFileName} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
	return nil
}
