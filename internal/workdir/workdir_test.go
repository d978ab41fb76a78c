package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hlsfetch/internal/models"
)

func TestDir_IsStablePerURL(t *testing.T) {
	a := Dir("/out", "https://cdn.example.com/v/index.m3u8")
	b := Dir("/out", "https://cdn.example.com/v/index.m3u8")
	c := Dir("/out", "https://cdn.example.com/w/index.m3u8")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "/out", filepath.Dir(a))
	assert.Len(t, filepath.Base(a), 32)
}

func TestExtension(t *testing.T) {
	tests := []struct {
		ref      string
		expected string
	}{
		{"seg-1.ts", "ts"},
		{"https://cdn/x/seg-1.M4S", "m4s"},
		{"audio/part.aac?token=abc.def", "aac"},
		{"chunk.bin", "ts"},
		{"noext", "ts"},
		{"/abs/path/video.mp4#t=1", "mp4"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Extension(tt.ref), "ref %q", tt.ref)
	}
}

func TestArtifactName(t *testing.T) {
	assert.Equal(t, "segment_00000.ts", ArtifactName(0, "a.ts"))
	assert.Equal(t, "segment_00042.m4s", ArtifactName(42, "b.m4s"))
	assert.Equal(t, "segment_12345.ts", ArtifactName(12345, "c.xyz"))
}

func TestFindArtifact_IgnoresPartialAndEmptyFiles(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00001.ts.part"), []byte("partial"), 0644))
	_, ok := FindArtifact(dir, 1)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00002.m4s"), nil, 0644))
	_, ok = FindArtifact(dir, 2)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_00003.m4s"), []byte("data"), 0644))
	p, ok := FindArtifact(dir, 3)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "segment_00003.m4s"), p)
}

func TestRemoveArtifacts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"segment_00004.ts", "segment_00004.ts.part", "segment_00005.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	require.NoError(t, RemoveArtifacts(dir, 4))

	assert.NoFileExists(t, filepath.Join(dir, "segment_00004.ts"))
	assert.NoFileExists(t, filepath.Join(dir, "segment_00004.ts.part"))
	assert.FileExists(t, filepath.Join(dir, "segment_00005.ts"))
}

func TestFileList_AscendingAndSkipsMissing(t *testing.T) {
	dir := t.TempDir()
	segments := []models.Segment{
		{Index: 3, RawRef: "d.ts"},
		{Index: 0, RawRef: "a.ts"},
		{Index: 2, RawRef: "c.ts"},
		{Index: 1, RawRef: "b.ts"},
	}
	for _, seg := range segments {
		if seg.Index == 2 {
			continue
		}
		require.NoError(t, os.WriteFile(ArtifactPath(dir, seg), []byte("x"), 0644))
	}

	paths := FileList(dir, segments)

	require.Len(t, paths, 3)
	assert.Equal(t, "segment_00000.ts", filepath.Base(paths[0]))
	assert.Equal(t, "segment_00001.ts", filepath.Base(paths[1]))
	assert.Equal(t, "segment_00003.ts", filepath.Base(paths[2]))
}

func TestWriteFileList_EscapesQuotes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "it's")
	require.NoError(t, Ensure(dir))

	listPath, err := WriteFileList(dir, []string{filepath.Join(dir, "segment_00000.ts")})
	require.NoError(t, err)

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.True(t, strings.HasPrefix(line, "file '"))
	assert.Contains(t, line, `it'\''s`)
}

func TestCleanup(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, Ensure(dir))
	segments := []models.Segment{{Index: 0, RawRef: "a.ts"}, {Index: 1, RawRef: "b.ts"}}
	for _, seg := range segments {
		require.NoError(t, os.WriteFile(ArtifactPath(dir, seg), []byte("x"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileListName), []byte(""), 0644))

	require.NoError(t, Cleanup(dir, segments))

	assert.NoDirExists(t, dir)
}
