package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"faas-executor/internal/core/functions"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBucket serves path-style object requests from memory.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/archives/")
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		b.objects[key] = data
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := b.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newStore(t *testing.T) (*Store, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string][]byte{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	s, err := New(context.Background(), Options{
		Bucket:    "archives",
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
	}, zerolog.Nop())
	require.NoError(t, err)
	return s, bucket
}

func TestStoreRoundTrip(t *testing.T) {
	s, bucket := newStore(t)
	ctx := context.Background()
	key := functions.ArchiveKey("abc", 2)

	require.NoError(t, s.Upload(ctx, key, []byte("PK\x03\x04zip")))
	assert.Equal(t, []byte("PK\x03\x04zip"), bucket.objects[key])

	dest := filepath.Join(t.TempDir(), "nested", "v2.zip")
	require.NoError(t, s.Download(ctx, key, dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04zip", string(got))

	require.NoError(t, s.Delete(ctx, key))
	assert.Empty(t, bucket.objects)

	err = s.Download(ctx, key, dest)
	assert.ErrorIs(t, err, functions.ErrNotFound)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Options{}, zerolog.Nop())
	assert.Error(t, err)
}
