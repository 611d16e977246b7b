package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"faas-executor/internal/core/functions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archives")
	s, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()
	key := functions.ArchiveKey("f1", 1)

	require.NoError(t, s.Upload(ctx, key, []byte("first")))
	require.NoError(t, s.Upload(ctx, key, []byte("second")))

	dest := filepath.Join(t.TempDir(), "v1.zip")
	require.NoError(t, s.Download(ctx, key, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Join(root, "functions", "f1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting twice is fine")
	assert.ErrorIs(t, s.Download(ctx, key, dest), functions.ErrNotFound)
}

func TestStoreRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, s.Upload(ctx, "../outside.zip", []byte("x")))
	assert.Error(t, s.Upload(ctx, "/etc/passwd", []byte("x")))
	assert.Error(t, s.Delete(ctx, "../../x"))
}
