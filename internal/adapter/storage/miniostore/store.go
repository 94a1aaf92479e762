// Package miniostore implements the artifact store on an S3-compatible
// object store via the MinIO client.
package miniostore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Store uploads artifact bytes and produces time-limited download URLs.
type Store struct {
	mc     *minio.Client
	bucket string
}

// Options configure the store connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// New constructs a Store. The connection is lazy; EnsureBucket performs the
// first round trip.
func New(opts Options) (*Store, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("op=miniostore.New: %w: %v", domain.ErrStorageUnavailable, err)
	}
	return &Store{mc: mc, bucket: opts.Bucket}, nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "AccessDenied" || resp.Code == "SignatureDoesNotMatch" || resp.Code == "InvalidAccessKeyId" {
		return fmt.Errorf("op=miniostore.%s: %w: %v", op, domain.ErrStorageDenied, err)
	}
	return fmt.Errorf("op=miniostore.%s: %w: %v", op, domain.ErrStorageUnavailable, err)
}

// EnsureBucket creates the bucket if it does not exist (idempotent).
func (s *Store) EnsureBucket(ctx domain.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return s.wrap("EnsureBucket", err)
	}
	if exists {
		return nil
	}
	if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// Lost a creation race with another process.
		exists, exErr := s.mc.BucketExists(ctx, s.bucket)
		if exErr == nil && exists {
			return nil
		}
		return s.wrap("EnsureBucket", err)
	}
	return nil
}

// Put stores data under key and returns the logical location "bucket/key".
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", s.wrap("Put", err)
	}
	return s.bucket + "/" + key, nil
}

// PresignGet returns a URL that permits GET of the object for exactly ttl.
func (s *Store) PresignGet(ctx domain.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.mc.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", s.wrap("PresignGet", err)
	}
	return u.String(), nil
}

// Delete removes an object.
func (s *Store) Delete(ctx domain.Context, key string) error {
	return s.wrap("Delete", s.mc.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}))
}

// Check pings the store by probing bucket existence (used by readiness).
func (s *Store) Check(ctx domain.Context) error {
	_, err := s.mc.BucketExists(ctx, s.bucket)
	return s.wrap("Check", err)
}

var _ domain.ArtifactStore = (*Store)(nil)
