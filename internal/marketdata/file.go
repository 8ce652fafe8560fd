package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSource reads <dir>/<TICKER>.csv.
type FileSource struct {
	dir string
}

func NewFileSource(dir string) (*FileSource, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("market data directory is required")
	}
	return &FileSource{dir: dir}, nil
}

func (s *FileSource) Load(ctx context.Context, ticker string) (Series, error) {
	if err := ctx.Err(); err != nil {
		return Series{}, err
	}
	name := ObjectName(ticker)
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Series{}, fmt.Errorf("invalid ticker %q", ticker)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Series{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Series{}, fmt.Errorf("read %s: %w", name, err)
	}
	series, err := Parse(ticker, raw)
	if err != nil {
		return Series{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return series, nil
}

// Check backs the readiness probe.
func (s *FileSource) Check(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}
