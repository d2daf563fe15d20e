// Package mirror copies exported PDFs to an S3 bucket.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/drawing-exporter/pkg/logging"
)

// ContentType of mirrored artifacts.
const ContentType = "application/pdf"

// Uploader is the subset of the S3 API used by the mirror.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config holds S3 connection settings.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the AWS endpoint (MinIO and other S3-compatible stores).
	// Path-style addressing is used whenever it is set.
	Endpoint string

	// Static credentials; the default AWS credential chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Mirror uploads files under a key prefix.
type S3Mirror struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   zerolog.Logger
}

// New creates a mirror writing to bucket/prefix.
func New(uploader Uploader, bucket, prefix string) *S3Mirror {
	return &S3Mirror{
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		logger:   logging.NewLogger("mirror"),
	}
}

// Key returns the object key for a file name.
func (m *S3Mirror) Key(name string) string {
	return path.Join(m.prefix, name)
}

// Upload copies the local file to the bucket and returns the object key.
func (m *S3Mirror) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := m.Key(filepath.Base(localPath))
	_, err = m.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentType),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", m.bucket, key, err)
	}

	m.logger.Debug().
		Str("bucket", m.bucket).
		Str("key", key).
		Int64("size", info.Size()).
		Msg("Mirrored artifact")

	return key, nil
}
