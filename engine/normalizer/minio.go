package normalizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// StorageConfig holds the object-store settings for image publication.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base; defaults to the endpoint.
	PublicURL string
}

// MinioUploader publishes normalized images to a MinIO/S3 bucket.
type MinioUploader struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinioUploader connects to the object store and ensures the bucket
// exists.
func NewMinioUploader(ctx context.Context, cfg *StorageConfig) (*MinioUploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("normalizer: connect object store: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("normalizer: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("normalizer: create bucket %s: %w", cfg.Bucket, err)
		}
		logger.FromContext(ctx).Info("created object-store bucket", "bucket", cfg.Bucket)
	}
	publicURL := strings.TrimSuffix(cfg.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + cfg.Endpoint
	}
	return &MinioUploader{client: client, bucket: cfg.Bucket, publicURL: publicURL}, nil
}

// Upload pushes localPath under objectName and returns its public URL.
func (u *MinioUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	contentType := contentTypeForImage(objectName)
	_, err := u.client.FPutObject(ctx, u.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("normalizer: put object %s: %w", objectName, err)
	}
	return fmt.Sprintf("%s/%s/%s", u.publicURL, u.bucket, objectName), nil
}

func contentTypeForImage(name string) string {
	switch strings.ToLower(name[strings.LastIndex(name, ".")+1:]) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
