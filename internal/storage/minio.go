package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("messenger-storage")

// Object key namespaces.
const (
	originalPrefix = "original/"
	variantsPrefix = "variants/"
)

// OriginalKey returns the object key for a media's original bytes
func OriginalKey(mediaID string) string {
	return originalPrefix + mediaID
}

// VariantKey returns the object key for one derived encoding
func VariantKey(mediaID, kind, profile, ext string) string {
	return fmt.Sprintf("%s%s/%s/%s.%s", variantsPrefix, mediaID, kind, profile, ext)
}

// VariantPrefix returns the key prefix under which all of a media's
// variants live.
func VariantPrefix(mediaID string) string {
	return variantsPrefix + mediaID + "/"
}

// ObjectInfo is the subset of object metadata the pipeline needs.
type ObjectInfo struct {
	Key         string
	Size        int64
	ContentType string
}

// MinioClient wraps MinIO operations with tracing
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// NewMinioClient initializes a new MinIO client
func NewMinioClient(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		logrus.WithField("bucket", bucketName).Info("Creating bucket")
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return mc, nil
}

// PutObject uploads an object with tracing
func (mc *MinioClient) PutObject(ctx context.Context, objectKey, contentType string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.put_object",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	reader := bytes.NewReader(data)
	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to put object: %w", err)
	}

	return nil
}

// GetObject streams an object's bytes with tracing. The caller must close
// the returned reader.
func (mc *MinioClient) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "minio.get_object",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	object, err := mc.client.GetObject(ctx, mc.bucketName, objectKey, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return object, nil
}

// StatObject returns object metadata with tracing
func (mc *MinioClient) StatObject(ctx context.Context, objectKey string) (*ObjectInfo, error) {
	ctx, span := tracer.Start(ctx, "minio.stat_object",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	info, err := mc.client.StatObject(ctx, mc.bucketName, objectKey, minio.StatObjectOptions{})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return &ObjectInfo{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: info.ContentType,
	}, nil
}

// DeleteObject deletes an object with tracing. A missing object is
// treated as already deleted.
func (mc *MinioClient) DeleteObject(ctx context.Context, objectKey string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_object",
		trace.WithAttributes(attribute.String("object_key", objectKey)),
	)
	defer span.End()

	err := mc.client.RemoveObject(ctx, mc.bucketName, objectKey, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		span.RecordError(err)
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// DeleteByPrefix removes every object under a key prefix in one batched
// pass with tracing. Missing objects are treated as already deleted.
func (mc *MinioClient) DeleteByPrefix(ctx context.Context, prefix string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_by_prefix",
		trace.WithAttributes(attribute.String("prefix", prefix)),
	)
	defer span.End()

	objects := mc.client.ListObjects(ctx, mc.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	keys := make(chan minio.ObjectInfo)
	listed := 0
	go func() {
		defer close(keys)
		for obj := range objects {
			if obj.Err != nil {
				continue
			}
			listed++
			keys <- obj
		}
	}()

	// RemoveObjects only emits entries for objects that failed to
	// delete; anything else listed was removed.
	for result := range mc.client.RemoveObjects(ctx, mc.bucketName, keys, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && !isNotFound(result.Err) {
			span.RecordError(result.Err)
			return fmt.Errorf("failed to delete %s: %w", result.ObjectName, result.Err)
		}
	}

	span.SetAttributes(attribute.Int("deleted", listed))
	return nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" ||
		strings.Contains(err.Error(), "does not exist")
}
