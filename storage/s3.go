package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3Config points the report archiver at an S3-compatible bucket
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // MinIO, R2, Spaces; empty for AWS
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether enough is configured to archive anything
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// S3Archiver writes cleanup reports to object storage
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Upload stores data under the archiver prefix
func (a *S3Archiver) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	fullKey := key
	if a.prefix != "" {
		fullKey = a.prefix + "/" + key
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(fullKey),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", fullKey, err)
	}
	return nil
}

// ReportKey is the object key of a cleanup report: reports/<yyyy-mm-dd>/<run-id>.json
func ReportKey(runID uuid.UUID, startedAt time.Time) string {
	return path.Join("reports", startedAt.UTC().Format("2006-01-02"), runID.String()+".json")
}
