// Package minio keeps deployment archives in a MinIO bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"faas-executor/internal/core/functions"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

type Options struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyId     string
	SecretAccessKey string
	UseSSL          bool
}

type Store struct {
	client *minio.Client
	bucket string
	region string
	lg     zerolog.Logger
}

var _ functions.ArchiveStore = (*Store)(nil)

func New(opts Options, lg zerolog.Logger) (*Store, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyId, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %v", err)
	}
	return &Store{
		client: client,
		bucket: opts.Bucket,
		region: opts.Region,
		lg:     lg.With().Str("component", "minio-archives").Str("bucket", opts.Bucket).Logger(),
	}, nil
}

// EnsureBucket creates the archive bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if ok {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.lg.Info().Msg("archive bucket created")
	return nil
}

func (s *Store) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.lg.Debug().Str("key", key).Int("bytes", len(data)).Msg("archive uploaded")
	return nil
}

func (s *Store) Download(ctx context.Context, key, destPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("archive %s: %w", key, functions.ErrNotFound)
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
