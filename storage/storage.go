// Package storage implements the object storage collaborator used for source images and results.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/raushankrgupta/fitly-tryon/apperr"
	"github.com/tidwall/gjson"
)

// ObjectStore writes and removes objects under {bucket}/{key}.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, bucket, key string) error
	// URL returns a URL the inference collaborator can fetch the object from.
	URL(ctx context.Context, bucket, key string) (string, error)
}

// PublicObjectURL derives the public read URL of an object.
func PublicObjectURL(baseURL, bucket, key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", strings.TrimRight(baseURL, "/"), bucket, escapeKey(key))
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// classifyStatus maps a non-2xx storage response onto the error taxonomy.
func classifyStatus(op string, status int, body []byte) error {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "error").String()
	}
	return apperr.FromStatus(op, status, msg)
}
