package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sozercan/finsight/internal/config"
)

// MinioStore keeps documents in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewMinioStore connects to the bucket in cfg, creating it when missing.
func NewMinioStore(ctx context.Context, cfg *config.MinioConfig) (*MinioStore, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created upload bucket", "bucket", cfg.Bucket)
	}

	return &MinioStore{client: cli, bucket: cfg.Bucket, now: time.Now}, nil
}

func (s *MinioStore) Save(ctx context.Context, name, mimeType string, r io.Reader) (*Document, error) {
	id := newID()
	key := storageKey(id, name)

	info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType:  mimeType,
		UserMetadata: map[string]string{"original-name": name},
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}
	if info.Size == 0 {
		_ = s.client.RemoveObject(context.WithoutCancel(ctx), s.bucket, key, minio.RemoveObjectOptions{})
		return nil, ErrEmpty
	}

	slog.Debug("Stored upload", "name", name, "bucket", s.bucket, "key", key, "bytes", info.Size)
	return &Document{
		ID:         id,
		Name:       name,
		MIMEType:   mimeType,
		Size:       info.Size,
		Key:        key,
		UploadedAt: s.now(),
	}, nil
}

func (s *MinioStore) Load(ctx context.Context, doc *Document) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, doc.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", doc.Key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, doc.Key)
		}
		return nil, fmt.Errorf("reading %s: %w", doc.Key, err)
	}
	return data, nil
}

func (s *MinioStore) Delete(ctx context.Context, doc *Document) error {
	if err := s.client.RemoveObject(ctx, s.bucket, doc.Key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s: %w", doc.Key, err)
	}
	return nil
}

func (s *MinioStore) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	removed := 0
	var errs []error
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: "upload-"}) {
		if obj.Err != nil {
			errs = append(errs, obj.Err)
			break
		}
		if !obj.LastModified.Before(cutoff) || !strings.HasPrefix(obj.Key, "upload-") {
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
