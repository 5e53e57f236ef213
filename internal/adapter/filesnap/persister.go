// Package filesnap implements the cache persistence port on a local file.
package filesnap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/solosolocodes/lablab-sub002/internal/port/cache"
)

// Persister writes cache snapshots to a single file.
type Persister struct {
	path string
}

// New creates a Persister for path. The parent directory is created on first save.
func New(path string) *Persister {
	return &Persister{path: path}
}

// Load reads the snapshot file.
func (p *Persister) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path) //nolint:gosec // G304: path comes from configuration
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, cache.ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot %s: %w", p.path, err)
	}
	return data, nil
}

// Save replaces the snapshot file. The data is written to a temp file in the
// same directory and renamed over the old snapshot so readers never observe a
// partial write.
func (p *Persister) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
