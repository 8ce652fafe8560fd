package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/objectstore"
)

// maxObjectBytes caps a single CSV download.
const maxObjectBytes = 64 << 20

// MinIOSource reads <TICKER>.csv objects from one bucket.
type MinIOSource struct {
	client *minio.Client
	bucket string
}

func NewMinIOSource(cfg objectstore.Config) (*MinIOSource, error) {
	client, err := objectstore.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &MinIOSource{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinIOSource) Load(ctx context.Context, ticker string) (Series, error) {
	name := ObjectName(ticker)
	obj, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return Series{}, fmt.Errorf("get %s/%s: %w", s.bucket, name, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(io.LimitReader(obj, maxObjectBytes+1))
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return Series{}, fmt.Errorf("%w: %s/%s", ErrNotFound, s.bucket, name)
		}
		return Series{}, fmt.Errorf("read %s/%s: %w", s.bucket, name, err)
	}
	if len(raw) > maxObjectBytes {
		return Series{}, fmt.Errorf("%s/%s exceeds %d bytes", s.bucket, name, maxObjectBytes)
	}
	series, err := Parse(ticker, raw)
	if err != nil {
		return Series{}, fmt.Errorf("parse %s/%s: %w", s.bucket, name, err)
	}
	return series, nil
}

func (s *MinIOSource) Check(ctx context.Context) error {
	return objectstore.CheckBucket(ctx, s.client, s.bucket)
}
