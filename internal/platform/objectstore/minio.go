// Package objectstore configures the MinIO client used for the market-data bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/env"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("MARKETDATA_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("MARKETDATA_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("MARKETDATA_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("MARKETDATA_MINIO_SECRET_KEY", ""),
		Region:    env.String("MARKETDATA_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("MARKETDATA_MINIO_BUCKET", "marketdata"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("MARKETDATA_MINIO_ENDPOINT is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("MARKETDATA_MINIO_ENDPOINT must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" || strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("MARKETDATA_MINIO_ACCESS_KEY and MARKETDATA_MINIO_SECRET_KEY are required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("MARKETDATA_MINIO_BUCKET is required")
	}
	return nil
}

// Env renders the config back into the variables ConfigFromEnv reads, so a
// worker started elsewhere sees the same bucket.
func (c Config) Env() map[string]string {
	return map[string]string{
		"MARKETDATA_MINIO_ENDPOINT":   c.Endpoint,
		"MARKETDATA_MINIO_ACCESS_KEY": c.AccessKey,
		"MARKETDATA_MINIO_SECRET_KEY": c.SecretKey,
		"MARKETDATA_MINIO_REGION":     c.Region,
		"MARKETDATA_MINIO_USE_SSL":    fmt.Sprint(c.UseSSL),
		"MARKETDATA_MINIO_BUCKET":     c.Bucket,
	}
}

func NewClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// CheckBucket backs the readiness probe.
func CheckBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket missing: %s", bucket)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
