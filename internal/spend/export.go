package spend

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"maestro/internal/logging"
)

// S3Exporter uploads monthly ledger exports to an S3 bucket. Optional; only
// constructed when an export bucket is configured.
type S3Exporter struct {
	store    *Store
	bucket   string
	uploader *manager.Uploader
	log      *zap.Logger
}

// NewS3Exporter resolves AWS credentials from the default chain (env,
// shared config, instance role).
func NewS3Exporter(ctx context.Context, store *Store, bucket string) (*S3Exporter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("spend: export bucket is required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("spend: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Exporter{
		store:    store,
		bucket:   bucket,
		uploader: manager.NewUploader(client),
		log:      logging.L().Named("spend.export"),
	}, nil
}

// ExportMonth renders the month's CSV and uploads it as
// spend/<YYYY-MM>.csv. Returns the object key.
func (e *S3Exporter) ExportMonth(ctx context.Context, month time.Time) (string, error) {
	var buf bytes.Buffer
	if err := e.store.ExportCSV(&buf, month); err != nil {
		return "", err
	}

	key := fmt.Sprintf("spend/%s.csv", MonthKey(month))
	_, err := e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return "", fmt.Errorf("spend: upload export: %w", err)
	}
	e.log.Info("monthly spend export uploaded",
		zap.String("bucket", e.bucket),
		zap.String("key", key),
		zap.Int("bytes", buf.Len()))
	return key, nil
}

// Run exports the current month on a fixed interval until ctx ends. Upload
// failures are logged and retried on the next tick.
func (e *S3Exporter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			exportCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			if _, err := e.ExportMonth(exportCtx, time.Now().UTC()); err != nil {
				e.log.Warn("spend export failed", zap.Error(err))
			}
			cancel()
		}
	}
}
