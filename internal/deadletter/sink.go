// Package deadletter stores batches that could not be processed as CSV
// objects in an S3-compatible bucket.
package deadletter

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	etl "github.com/paccafe/retail-etl"
)

// ContentType is the content type of every quarantined object.
const ContentType = "application/csv"

// stampLayout formats the UTC time in object names.
const stampLayout = "2006-01-02 15:04:05"

// ObjectStore is the subset of *minio.Client the sink uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioConfig holds the object store connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// NewMinio creates a MinIO client with static credentials.
func NewMinio(cfg MinioConfig) (*minio.Client, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: minio %s: %w", etl.ErrConnection, cfg.Endpoint, err)
	}
	return cli, nil
}

// Sink writes batches to an ObjectStore.
type Sink struct {
	store ObjectStore
	now   func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithClock overrides time.Now for object names.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New creates a Sink over store.
func New(store ObjectStore, opts ...Option) *Sink {
	s := &Sink{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ObjectName is the name a batch quarantined at t is stored under.
func ObjectName(a etl.Artifact, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s_%s.csv", a.Step, a.Component, a.Table, t.UTC().Format(stampLayout))
}

// Quarantine writes b as CSV with a header row and returns the object name.
// The bucket is created when it does not exist.
func (s *Sink) Quarantine(ctx context.Context, b *etl.Batch, a etl.Artifact) (string, error) {
	if b == nil {
		return "", fmt.Errorf("%w: nothing to quarantine for %s", etl.ErrSink, a.Table)
	}
	body, err := encode(b)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %w", etl.ErrSink, a.Table, err)
	}
	if err := s.ensureBucket(ctx, a.Bucket); err != nil {
		return "", err
	}

	object := ObjectName(a, s.now())
	_, err = s.store.PutObject(ctx, a.Bucket, object, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: ContentType})
	if err != nil {
		return "", fmt.Errorf("%w: put %s/%s: %w", etl.ErrSink, a.Bucket, object, err)
	}
	return object, nil
}

func (s *Sink) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %w", etl.ErrSink, bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("%w: make bucket %s: %w", etl.ErrSink, bucket, err)
	}
	return nil
}

func encode(b *etl.Batch) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(b.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(b.Columns))
	for _, row := range b.Rows {
		for i, v := range row {
			record[i] = cell(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
