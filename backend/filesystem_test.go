package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	err := fs.Write(ctx, "blobs/image/ab/abcd", strings.NewReader("hello"))
	require.NoError(t, err)

	rc, err := fs.Read(ctx, "blobs/image/ab/abcd")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemOverwriteAtomic(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("first")))
	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("second")))

	rc, err := fs.Read(ctx, "key")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}

func TestFilesystemPathOf(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	path := fs.PathOf("blobs/video/aa/aabb")
	require.True(t, filepath.IsAbs(path))

	// The path is valid before the file exists.
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, fs.Write(ctx, "blobs/video/aa/aabb", strings.NewReader("x")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestFilesystemDeleteIdempotent(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("data")))
	require.NoError(t, fs.Delete(ctx, "key"))
	require.NoError(t, fs.Delete(ctx, "key"))

	exists, err := fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/image/aa/one", strings.NewReader("1")))
	require.NoError(t, fs.Write(ctx, "blobs/image/bb/two", strings.NewReader("2")))
	require.NoError(t, fs.Write(ctx, "blobs/video/cc/three", strings.NewReader("3")))

	keys, err := fs.List(ctx, "blobs/image")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"blobs/image/aa/one", "blobs/image/bb/two"}, keys)

	keys, err = fs.List(ctx, "blobs/thumbnail")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/image/aa/one", strings.NewReader("1")))

	// Abandoned temp file from a crashed writer.
	w, err := fs.Writer(ctx, "blobs/image/aa/partial")
	require.NoError(t, err)
	_, err = w.Write([]byte("incomplete"))
	require.NoError(t, err)

	keys, err := fs.List(ctx, "blobs/image")
	require.NoError(t, err)
	require.Equal(t, []string{"blobs/image/aa/one"}, keys)

	require.NoError(t, w.(*atomicWriter).Abort())
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "key", strings.NewReader("0123456789")))

	size, err := fs.Size(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	_, err = fs.Size(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemWriterAbort(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	w, err := fs.Writer(ctx, "key")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.(*atomicWriter).Abort())

	exists, err := fs.Exists(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)

	// No stray temp files left behind.
	entries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}
