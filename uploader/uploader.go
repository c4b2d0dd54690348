// Package uploader pushes local media to object storage under an owner-scoped path.
package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/raushankrgupta/fitly-tryon/logger"
	"github.com/raushankrgupta/fitly-tryon/metrics"
	"github.com/raushankrgupta/fitly-tryon/storage"
)

// RetryPolicy controls the exponential backoff applied to transport errors.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// Uploader is stateless apart from its collaborators.
type Uploader struct {
	store   storage.ObjectStore
	log     *logger.Logger
	metrics *metrics.Metrics
	policy  RetryPolicy
}

func New(store storage.ObjectStore, policy RetryPolicy, log *logger.Logger, m *metrics.Metrics) *Uploader {
	return &Uploader{
		store:   store,
		log:     logger.OrNop(log).With("component", "uploader"),
		metrics: m,
		policy:  policy,
	}
}

// Upload sends the file at localURI to {bucket}/{ownerID}/{generatedName} and returns the key.
func (u *Uploader) Upload(ctx context.Context, bucket, localURI, ownerID string) (string, error) {
	const op = "upload"
	if ownerID == "" {
		return "", apperr.Validationf(op, "owner id is required")
	}
	path, err := LocalPath(localURI)
	if err != nil {
		return "", apperr.Validation(op, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", apperr.Validation(op, fmt.Errorf("%w: %s", apperr.ErrFileNotFound, path))
		}
		return "", apperr.Validation(op, err)
	}
	if info.IsDir() {
		return "", apperr.Validation(op, fmt.Errorf("%w: %s is a directory", apperr.ErrFileNotFound, path))
	}

	// Unrecognised content sniffs as application/octet-stream.
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", apperr.Validation(op, fmt.Errorf("read %s: %w", path, err))
	}
	contentType := mt.String()
	ext := strings.ToLower(filepath.Ext(path))

	return u.withRetry(ctx, bucket, ownerID, ext, func(key string) error {
		f, err := os.Open(path)
		if err != nil {
			return backoff.Permanent(apperr.Validation(op, err))
		}
		defer f.Close()
		return u.store.Put(ctx, bucket, key, f, info.Size(), contentType)
	})
}

// UploadBytes stores an in-memory artifact (e.g. a generated result image).
func (u *Uploader) UploadBytes(ctx context.Context, bucket, ownerID string, data []byte, ext string) (string, error) {
	if ownerID == "" {
		return "", apperr.Validationf("upload bytes", "owner id is required")
	}
	if len(data) == 0 {
		return "", apperr.Validationf("upload bytes", "empty payload")
	}
	mt := mimetype.Detect(data)
	if ext == "" {
		ext = mt.Extension()
	}
	return u.withRetry(ctx, bucket, ownerID, ext, func(key string) error {
		return u.store.Put(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), mt.String())
	})
}

// withRetry generates a fresh key per attempt so retries never collide.
func (u *Uploader) withRetry(ctx context.Context, bucket, ownerID, ext string, put func(key string) error) (string, error) {
	var key string
	attempt := 0
	operation := func() error {
		attempt++
		key = ObjectKey(ownerID, ext)
		err := put(key)
		switch {
		case err == nil:
			u.metrics.UploadAttempt("ok")
			return nil
		case apperr.IsRetryable(err):
			u.metrics.UploadAttempt("transport_error")
			u.log.Warn("upload attempt failed", "bucket", bucket, "attempt", attempt, "error", err)
			return err
		default:
			u.metrics.UploadAttempt(string(apperr.KindOf(err)))
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(operation, u.backoff(ctx)); err != nil {
		return "", err
	}
	u.log.Debug("upload complete", "bucket", bucket, "key", key, "attempts", attempt)
	return key, nil
}

func (u *Uploader) backoff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = u.policy.InitialBackoff
	exp.MaxInterval = u.policy.MaxBackoff
	exp.MaxElapsedTime = 0
	retries := u.policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// URL returns a fetchable URL for a stored key.
func (u *Uploader) URL(ctx context.Context, bucket, key string) (string, error) {
	return u.store.URL(ctx, bucket, key)
}

// Delete removes a stored artifact.
func (u *Uploader) Delete(ctx context.Context, bucket, key string) error {
	return u.store.Delete(ctx, bucket, key)
}

// ObjectKey builds {ownerID}/{uuid}{ext}.
func ObjectKey(ownerID, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s/%s%s", ownerID, uuid.NewString(), ext)
}

// IsLocal reports whether uri points at the local filesystem rather than a remote URL.
func IsLocal(uri string) bool {
	return !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://")
}

// LocalPath turns a file:// URI or plain path into a filesystem path.
func LocalPath(uri string) (string, error) {
	if uri == "" {
		return "", fmt.Errorf("%w: empty uri", apperr.ErrFileNotFound)
	}
	if !strings.HasPrefix(uri, "file://") {
		return uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", uri, err)
	}
	return filepath.FromSlash(parsed.Path), nil
}
