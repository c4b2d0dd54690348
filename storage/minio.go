package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/raushankrgupta/fitly-tryon/apperr"
)

type minioAPI interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// MinioStore stores objects on a MinIO server.
type MinioStore struct {
	client        minioAPI
	publicBaseURL string
	presign       bool
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool, publicBaseURL string, presign bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, publicBaseURL: publicBaseURL, presign: presign}, nil
}

func (m *MinioStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return classifyMinioError("minio put", err)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classifyMinioError("minio delete", err)
	}
	return nil
}

func (m *MinioStore) URL(ctx context.Context, bucket, key string) (string, error) {
	if !m.presign {
		return PublicObjectURL(m.publicBaseURL, bucket, key), nil
	}
	u, err := m.client.PresignedGetObject(ctx, bucket, key, time.Hour, nil)
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func classifyMinioError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == 0:
		return apperr.Transport(op, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Auth(op, fmt.Errorf("%w: %v", apperr.ErrAuthExpired, err))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.Transport(op, err)
	default:
		return apperr.Validation(op, err)
	}
}
