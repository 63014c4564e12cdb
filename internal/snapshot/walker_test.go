package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func TestWalkEnumeratesRegularFilesUnderIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), []byte("b"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	paths, err := walk([]string{dir}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "a.txt"),
		filepath.Join(dir, "sub", "b.txt"),
	}, paths)
}

func TestWalkSkipsExcludedSubtrees(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.txt"), []byte("k"))
	writeFile(t, filepath.Join(dir, "cache", "drop.txt"), []byte("d"))
	writeFile(t, filepath.Join(dir, "cache", "deep", "drop2.txt"), []byte("d"))

	paths, err := walk([]string{dir}, []string{filepath.Join(dir, "cache")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "keep.txt")}, paths)
}

func TestWalkDeduplicatesOverlappingIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), []byte("b"))

	paths, err := walk([]string{dir, filepath.Join(dir, "sub")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "sub", "b.txt")}, paths)
}

func TestExcludedMatchesPrefixBoundaries(t *testing.T) {
	assert.True(t, excluded("/d/cache/x", []string{"/d/cache"}))
	assert.True(t, excluded("/d/cache", []string{"/d/cache"}))
	// A sibling whose name merely shares the prefix string is not excluded.
	assert.False(t, excluded("/d/cache2/x", []string{"/d/cache"}))
}
