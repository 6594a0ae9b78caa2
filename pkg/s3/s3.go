package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConnected is returned when an upload is attempted before Connect.
var ErrNotConnected = errors.New("object storage not connected")

// ObjectStorageClient stores detection snapshots in an S3-compatible bucket.
type ObjectStorageClient interface {
	Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error
	UploadSnapshot(ctx context.Context, bucketName, objectName string, data []byte) (string, error)
}

// ObjectStorage holds the object storage client instance.
type ObjectStorage struct {
	Conn       *minio.Client
	Region     string
	LinkExpiry time.Duration
}

// NewObjectStorage initialization
func NewObjectStorage() *ObjectStorage {
	return &ObjectStorage{
		Region:     "us-east-1",
		LinkExpiry: 7 * 24 * time.Hour,
	}
}

// Connect establishes the object storage connection and checks it by listing buckets.
func (o *ObjectStorage) Connect(ctx context.Context, endpoint, accessKeyID, secretAccessKey string, useSSL bool) error {
	conn, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}
	if _, err := conn.ListBuckets(ctx); err != nil {
		return fmt.Errorf("failed to establish minio connection: %w", err)
	}
	o.Conn = conn
	return nil
}

// UploadSnapshot stores a JPEG and returns a presigned download link.
// The bucket is created on first use.
func (o *ObjectStorage) UploadSnapshot(ctx context.Context, bucketName, objectName string, data []byte) (string, error) {
	if o.Conn == nil {
		return "", ErrNotConnected
	}
	if bucketName == "" || objectName == "" {
		return "", errors.New("bucket and object name are required")
	}

	if err := o.Conn.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: o.Region}); err != nil {
		exists, errBucketExists := o.Conn.BucketExists(ctx, bucketName)
		if !(errBucketExists == nil && exists) {
			return "", fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	if _, err := o.Conn.PutObject(ctx, bucketName, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	}); err != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", err)
	}

	presignedURL, err := o.Conn.PresignedGetObject(ctx, bucketName, objectName, o.LinkExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign snapshot: %w", err)
	}
	return presignedURL.String(), nil
}
