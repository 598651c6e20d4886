// Package artifact persists rendered preview bytes and hands back the
// object key reported as the job's result reference.
package artifact

import (
	"bytes"
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Papyszoo/Modelibr-sub007/internal/domain"
)

// Store saves one preview artifact per job.
type Store interface {
	PutPreview(ctx context.Context, job *domain.ThumbnailJob, data []byte, contentType string) (string, error)
}

// MinioConfig carries object-storage connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinioStore stores previews in an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects and creates the bucket if it does not exist yet.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object storage: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "modelibr-previews"
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// PutPreview writes the artifact under a key derived from the subject and
// the content fingerprint, so re-renders of unchanged content overwrite
// in place and duplicate invocations are harmless.
func (s *MinioStore) PutPreview(ctx context.Context, job *domain.ThumbnailJob, data []byte, contentType string) (string, error) {
	key := ObjectKey(job)
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("store preview %s: %w", key, err)
	}
	return key, nil
}

// ObjectKey is previews/<subjectType>/<subjectId>/<fingerprint>.
func ObjectKey(job *domain.ThumbnailJob) string {
	return fmt.Sprintf("previews/%s/%d/%s", job.SubjectType, job.SubjectID, job.ContentFingerprint)
}
