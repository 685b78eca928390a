// Package archive writes flushed session batches to cold object storage
// as JSON Lines, one file per flush. The archive is write-only from the
// ingestion path; reprocessing tools consume it offline.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/mctrack/mctrack/pkg/config"
	"github.com/mctrack/mctrack/pkg/ingest"
	"github.com/mctrack/mctrack/pkg/observability"
)

// s3Putter is the slice of the S3 API the archiver needs.
type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads session batches to a bucket, keyed by flush date.
type S3Archiver struct {
	client s3Putter
	bucket string
	logger *observability.Logger
}

// NewS3Archiver creates an archiver for the configured bucket.
func NewS3Archiver(cfg config.StorageConfig, logger *observability.Logger) (*S3Archiver, error) {
	ctx := context.Background()

	var awsConfig aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials (MinIO or AWS with explicit keys)
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain (IAM roles, env vars, etc.)
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		client: client,
		bucket: cfg.S3Bucket,
		logger: logger,
	}, nil
}

// ArchiveSessions uploads one JSONL object containing the batch. The
// key embeds the earliest session's start date so objects shard by day.
func (a *S3Archiver) ArchiveSessions(ctx context.Context, rows []ingest.SessionRow) error {
	if len(rows) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to encode session row: %w", err)
		}
	}

	day := rows[0].StartTime
	for _, row := range rows[1:] {
		if row.StartTime.Before(day) {
			day = row.StartTime
		}
	}

	key := fmt.Sprintf("sessions/%s/%s.jsonl", day.UTC().Format("2006/01/02"), uuid.NewString())

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"records": len(rows),
	}).Debug("archived session batch")
	return nil
}
