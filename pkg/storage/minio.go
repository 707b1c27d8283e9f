package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore is an S3-compatible blob store.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioConfig carries the S3 endpoint wiring.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("creating bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", path, err)
	}

	// GetObject is lazy; a missing key only surfaces on first read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()

		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("getting %s: %w", path, ErrNotFound)
		}

		return nil, fmt.Errorf("getting %s: %w", path, err)
	}

	return obj, nil
}

func (s *MinioStore) GetJSON(ctx context.Context, path string, v any) error {
	r, err := s.Get(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}

	return nil
}

func (s *MinioStore) Put(ctx context.Context, path string, r io.Reader, size int64) error {
	if _, err := s.client.PutObject(ctx, s.bucket, path, r, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("putting %s: %w", path, err)
	}

	return nil
}

func (s *MinioStore) PutJSON(ctx context.Context, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}

	return s.Put(ctx, path, bytes.NewReader(payload), int64(len(payload)))
}

func (s *MinioStore) Delete(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}

	return nil
}

func (s *MinioStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for result := range s.client.RemoveObjects(ctx, s.bucket, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			return fmt.Errorf("deleting prefix %s: %w", prefix, result.Err)
		}
	}

	return nil
}

func (s *MinioStore) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src})
	if err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	return nil
}

func (s *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing prefix %s: %w", prefix, obj.Err)
		}

		paths = append(paths, obj.Key)
	}

	return paths, nil
}

func (s *MinioStore) Size(ctx context.Context, path string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, fmt.Errorf("stat %s: %w", path, ErrNotFound)
		}

		return 0, fmt.Errorf("stat %s: %w", path, err)
	}

	return info.Size, nil
}
