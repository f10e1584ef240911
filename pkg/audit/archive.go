package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

// Archiver stores an exported batch of audit entries before they are purged.
type Archiver interface {
	Archive(ctx context.Context, name string, data []byte, format ExportFormat) (location string, err error)
}

// S3API is the subset of the S3 client used by S3Archiver.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive bucket.
type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Archiver writes archives to an S3-compatible bucket.
type S3Archiver struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Client builds an S3 client from static credentials or the default
// credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// NewS3Archiver creates an archiver writing under bucket/prefix.
func NewS3Archiver(client S3API, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func contentType(format ExportFormat) string {
	switch format {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatJSON:
		return "application/json"
	default:
		return "application/x-ndjson"
	}
}

func (a *S3Archiver) Archive(ctx context.Context, name string, data []byte, format ExportFormat) (string, error) {
	key := path.Join(a.prefix, name)

	ctx, span := observability.Tracer().Start(ctx, "audit.Archive",
		trace.WithAttributes(
			attribute.String("s3.bucket", a.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(data)),
		),
	)
	defer span.End()

	sum := sha256.Sum256(data)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(format)),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(sum[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put object failed")
		return "", fmt.Errorf("failed to upload audit archive: %w", err)
	}

	return "s3://" + a.bucket + "/" + key, nil
}

// ArchiveName returns the object name for one batch purged at cutoff.
func ArchiveName(cutoff time.Time, batch int, format ExportFormat) string {
	ext := string(format)
	if ext == "" {
		ext = string(ExportFormatNDJSON)
	}
	return fmt.Sprintf("audit-%s-%05d.%s", cutoff.UTC().Format("20060102T150405Z"), batch, ext)
}
