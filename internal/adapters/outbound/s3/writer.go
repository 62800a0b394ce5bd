// Package s3 provides an S3 adapter for writing ledger snapshots.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/archon-research/stl/stl-wrapper/internal/ports/outbound"
)

// s3WriterAPI defines the subset of S3 operations needed by the Writer.
type s3WriterAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Compile-time check that Writer implements outbound.S3Writer
var _ outbound.S3Writer = (*Writer)(nil)

// Writer implements the S3Writer interface using the AWS SDK.
type Writer struct {
	client s3WriterAPI
	logger *slog.Logger
}

// NewWriter creates a new S3 Writer with the given AWS config.
func NewWriter(cfg aws.Config, logger *slog.Logger) *Writer {
	return NewWriterWithOptions(cfg, logger)
}

// NewWriterWithOptions creates a new S3 Writer with optional S3 client options.
func NewWriterWithOptions(cfg aws.Config, logger *slog.Logger, optFns ...func(*s3.Options)) *Writer {
	return newWriter(s3.NewFromConfig(cfg, optFns...), logger)
}

func newWriter(client s3WriterAPI, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		client: client,
		logger: logger.With("component", "s3-writer"),
	}
}

// prepareBody handles optional gzip compression for the upload body.
func (w *Writer) prepareBody(content io.Reader, compressGzip bool) (io.Reader, *string, error) {
	if !compressGzip {
		return content, nil, nil
	}

	var buf bytes.Buffer
	gzWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzWriter, content); err != nil {
		return nil, nil, fmt.Errorf("failed to compress content: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return bytes.NewReader(buf.Bytes()), aws.String("gzip"), nil
}

func (w *Writer) putInput(bucket, key string, body io.Reader, contentEncoding *string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentType:     aws.String("application/json"),
		ContentEncoding: contentEncoding,
	}
}

// WriteFile writes content to the specified key, replacing any existing object.
func (w *Writer) WriteFile(ctx context.Context, bucket, key string, content io.Reader, compressGzip bool) error {
	body, contentEncoding, err := w.prepareBody(content, compressGzip)
	if err != nil {
		return err
	}

	if _, err := w.client.PutObject(ctx, w.putInput(bucket, key, body, contentEncoding)); err != nil {
		return fmt.Errorf("failed to write to S3: %w", err)
	}

	w.logger.Debug("wrote file to S3", "bucket", bucket, "key", key, "compressed", compressGzip)
	return nil
}

// WriteFileIfNotExists writes content to the specified key in the bucket only if it does not exist.
func (w *Writer) WriteFileIfNotExists(ctx context.Context, bucket, key string, content io.Reader, compressGzip bool) (bool, error) {
	body, contentEncoding, err := w.prepareBody(content, compressGzip)
	if err != nil {
		return false, err
	}

	input := w.putInput(bucket, key, body, contentEncoding)
	input.IfNoneMatch = aws.String("*")

	if _, err := w.client.PutObject(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "PreconditionFailed" || apiErr.ErrorCode() == "412") {
			return false, nil
		}
		return false, fmt.Errorf("failed to write to S3: %w", err)
	}

	w.logger.Debug("wrote file to S3 (new)", "bucket", bucket, "key", key, "compressed", compressGzip)
	return true, nil
}

// FileExists checks if a file already exists at the given key.
func (w *Writer) FileExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := w.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check if file exists: %w", err)
	}
	return true, nil
}
