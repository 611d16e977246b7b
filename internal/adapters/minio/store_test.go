package minio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"

	"faas-executor/internal/core/functions"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("connection reset")))
}

func TestDownloadMissingArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	st, err := New(Options{
		Endpoint:        u.Host,
		Bucket:          "archives",
		Region:          "us-east-1",
		AccessKeyId:     "key",
		SecretAccessKey: "secret",
	}, zerolog.Nop())
	require.NoError(t, err)

	err = st.Download(context.Background(), "fn/v1.zip", filepath.Join(t.TempDir(), "v1.zip"))
	require.Error(t, err)
	assert.ErrorIs(t, err, functions.ErrNotFound)
}
