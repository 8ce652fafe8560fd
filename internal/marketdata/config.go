package marketdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/backtest-orchestrator/internal/platform/env"
	"github.com/animus-labs/backtest-orchestrator/internal/platform/objectstore"
)

const (
	SourceFile  = "file"
	SourceMinIO = "minio"
)

// Checker is implemented by sources that can verify they are reachable.
type Checker interface {
	Check(ctx context.Context) error
}

type Config struct {
	Source string
	Dir    string
	MinIO  objectstore.Config
}

func ConfigFromEnv() (Config, error) {
	source, err := env.OneOf("MARKETDATA_SOURCE", SourceFile, SourceFile, SourceMinIO)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Source: source, Dir: env.String("MARKETDATA_DIR", "data")}
	if source == SourceMinIO {
		if cfg.MinIO, err = objectstore.ConfigFromEnv(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Env renders the variables a worker needs to open the same source.
func (c Config) Env() map[string]string {
	out := map[string]string{"MARKETDATA_SOURCE": c.Source}
	switch c.Source {
	case SourceMinIO:
		for k, v := range c.MinIO.Env() {
			out[k] = v
		}
	default:
		out["MARKETDATA_DIR"] = c.Dir
	}
	return out
}

// Open builds the configured source. The result also implements Checker.
func Open(c Config) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(c.Source)) {
	case SourceFile, "":
		return NewFileSource(c.Dir)
	case SourceMinIO:
		if err := c.MinIO.Validate(); err != nil {
			return nil, err
		}
		return NewMinIOSource(c.MinIO)
	default:
		return nil, fmt.Errorf("unknown market data source %q", c.Source)
	}
}
