package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/raushankrgupta/fitly-tryon/apperr"
)

// S3Options configures an S3 or S3-compatible gateway.
type S3Options struct {
	Region        string
	Endpoint      string // empty for AWS; set for S3-compatible gateways
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	Presign       bool
}

// S3Store stores objects through the AWS SDK.
type S3Store struct {
	client        *s3.Client
	presign       *s3.PresignClient
	publicBaseURL string
	usePresign    bool
}

// NewS3Store initializes the S3 client
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:        client,
		presign:       s3.NewPresignClient(client),
		publicBaseURL: opts.PublicBaseURL,
		usePresign:    opts.Presign,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return classifyS3Error("s3 put", err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error("s3 delete", err)
	}
	return nil
}

// URL presigns a GET when configured, otherwise derives the public URL.
func (s *S3Store) URL(ctx context.Context, bucket, key string) (string, error) {
	if !s.usePresign {
		return PublicObjectURL(s.publicBaseURL, bucket, key), nil
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(1*time.Hour))
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}
	return req.URL, nil
}

func classifyS3Error(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "ExpiredToken", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken":
			return apperr.Auth(op, fmt.Errorf("%w: %v", apperr.ErrAuthExpired, err))
		case "NoSuchBucket", "NoSuchKey":
			return apperr.NotFound(op, err)
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return apperr.Transport(op, err)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return apperr.Auth(op, fmt.Errorf("%w: %v", apperr.ErrAuthExpired, err))
		case status == http.StatusTooManyRequests || status >= 500:
			return apperr.Transport(op, err)
		case status >= 400:
			return apperr.Validation(op, err)
		}
	}
	if apiErr != nil {
		return apperr.Validation(op, err)
	}
	// No HTTP response at all: connection-level failure.
	return apperr.Transport(op, err)
}
