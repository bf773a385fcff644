// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jabawack/bay-area-radar/internal/storage"
	"github.com/Jabawack/bay-area-radar/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutAndGetObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		data := []byte(`{"success":true}`)
		uri, err := store.PutObject(ctx, "sessions/abc.json", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, "sessions/abc.json"), uri)

		got, err := store.GetObject(ctx, "sessions/abc.json")
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(ctx, "latest.json", "", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "latest.json", "", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		got, err := store.GetObject(ctx, "latest.json")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := store.GetObject(ctx, "absent.json")
		require.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, "", "text/plain", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../escape.json", "", bytes.NewReader([]byte("data")))
		assert.ErrorContains(t, err, "path traversal")
		_, err = store.GetObject(ctx, "../../etc/passwd")
		assert.ErrorContains(t, err, "path traversal")
	})
}
