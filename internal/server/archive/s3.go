// Package archive stores compacted ledger records in an S3 compatible bucket
// as newline-delimited JSON, one object per compaction batch.
package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	sc "github.com/dmitrijs2005/budgetsync/internal/server/config"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
	"github.com/goccy/go-json"
)

const contentType = "application/x-ndjson"

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) putObjectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client putObjectAPI
	bucket string
}

// NewS3Archiver builds an archiver from the server config. Static
// credentials and a custom endpoint make it work against MinIO as well.
func NewS3Archiver(ctx context.Context, cfg *sc.Config) (*S3Archiver, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive bucket is not configured")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.S3Region)}
	if cfg.S3RootUser != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3RootUser, cfg.S3RootPassword, "")))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3BaseEndpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: cfg.S3Bucket}, nil
}

// ObjectKey names the object holding a batch, by the creation date of its
// first record and its sequence range.
func ObjectKey(records []*models.ChangeRecord) string {
	first, last := records[0], records[len(records)-1]
	d := first.CreatedAt.UTC()
	return fmt.Sprintf("ledger/%04d/%02d/%02d/%020d-%020d.jsonl",
		d.Year(), d.Month(), d.Day(), first.Sequence, last.Sequence)
}

// Encode renders records as JSON lines.
func Encode(records []*models.ChangeRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", r.Sequence, err)
		}
	}
	return buf.Bytes(), nil
}

// Archive uploads one batch. Re-archiving the same batch overwrites the
// same object.
func (a *S3Archiver) Archive(ctx context.Context, records []*models.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	body, err := Encode(records)
	if err != nil {
		return err
	}

	key := ObjectKey(records)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
