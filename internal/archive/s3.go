// Package archive uploads assembled batch datasets to object storage. The
// archive is the audit trail for what a model version was trained on: the
// exact examples, scores, and dropout decisions of each submitted batch.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lalalune/babylon-train/internal/converter"
	"github.com/lalalune/babylon-train/internal/models"
)

// S3Archiver writes batch datasets to S3 paths like:
//
//	s3://<bucket>/<prefix>/batches/YYYY/MM/DD/<batchID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// dataset is the stored object: the batch record plus the full judged groups.
type dataset struct {
	Batch  models.TrainingBatch   `json:"batch"`
	Groups []converter.GroupInput `json:"groups"`
	Ts     time.Time              `json:"ts"`
}

// ArchiveBatch uploads the dataset for one batch. The object key is derived
// from the batch creation time so archives shard by day.
func (a *S3Archiver) ArchiveBatch(ctx context.Context, batch models.TrainingBatch, groups []converter.GroupInput) error {
	body, err := json.Marshal(dataset{
		Batch:  batch,
		Groups: groups,
		Ts:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(a.Key(batch)),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}

// Key returns the object key ArchiveBatch would use for a batch.
func (a *S3Archiver) Key(batch models.TrainingBatch) string {
	ts := batch.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(a.prefix, "batches",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", batch.ID),
	)
}
