package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/analyst/internal/metrics"
	"github.com/Kocoro-lab/Shannon/go/analyst/internal/state"
)

const defaultUploadTimeout = 30 * time.Second

// ObjectPutter is the slice of the minio client the archiver uses
type ObjectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Options configures the minio connection
type Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	// Timeout bounds a single upload
	Timeout time.Duration
}

// Document is the archived object body
type Document struct {
	RequestID   string              `json:"request_id"`
	ProductName string              `json:"product_name"`
	Params      state.Params        `json:"params"`
	Stages      []state.StageOutput `json:"stages"`
	Report      *state.Report       `json:"report"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	ArchivedAt  time.Time           `json:"archived_at"`
}

// Archiver uploads completed reports to object storage
type Archiver struct {
	client  ObjectPutter
	bucket  string
	timeout time.Duration
	logger  *zap.Logger
}

// New connects to minio and makes sure the bucket exists
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Archiver, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	cli, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return NewWithClient(cli, opts.Bucket, opts.Timeout, logger), nil
}

// NewWithClient builds an Archiver over an existing client
func NewWithClient(client ObjectPutter, bucket string, timeout time.Duration, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultUploadTimeout
	}
	return &Archiver{client: client, bucket: bucket, timeout: timeout, logger: logger}
}

// ObjectKey is where the report for requestID is stored
func ObjectKey(requestID string) string {
	return fmt.Sprintf("reports/%s.json", requestID)
}

// Hook has the engine CompletionHook signature. Failed requests are skipped and
// upload errors are only logged.
func (a *Archiver) Hook(ctx context.Context, requestID string, final *state.AnalysisState) {
	if final == nil || final.Status != state.StatusCompleted {
		return
	}
	if err := a.Archive(ctx, final); err != nil {
		metrics.ReportsArchived.WithLabelValues("error").Inc()
		a.logger.Warn("Report archive failed",
			zap.String("request_id", requestID),
			zap.String("bucket", a.bucket),
			zap.Error(err),
		)
		return
	}
	metrics.ReportsArchived.WithLabelValues("success").Inc()
}

// Archive uploads the report of a completed request
func (a *Archiver) Archive(ctx context.Context, s *state.AnalysisState) error {
	report, ok := s.Report()
	if !ok {
		return fmt.Errorf("request %s has no report output", s.RequestID)
	}
	body, err := json.Marshal(Document{
		RequestID:   s.RequestID,
		ProductName: s.ProductName,
		Params:      s.Params,
		Stages:      s.Outputs,
		Report:      report,
		CompletedAt: s.CompletedAt,
		ArchivedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	uctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	key := ObjectKey(s.RequestID)
	info, err := a.client.PutObject(uctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"request-id": s.RequestID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug("Report archived",
		zap.String("request_id", s.RequestID),
		zap.String("key", key),
		zap.Int64("size", info.Size),
	)
	return nil
}
