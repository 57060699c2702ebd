package tooling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAppendableFilePreservesExistingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	f1, err := NewAppendableFile(path)
	require.NoError(t, err)
	_, err = f1.Write([]byte("first"))
	require.NoError(t, err)
	require.NoError(t, f1.Close())

	f2, err := NewAppendableFile(path)
	require.NoError(t, err)
	_, err = f2.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, f2.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "firstsecond", string(got))
}

func TestNewBufferedWritableFileTruncatesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scratch.bin")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	f, err := NewBufferedWritableFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, got)
}
