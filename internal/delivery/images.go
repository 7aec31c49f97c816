package delivery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ImageStore stages rendered images on disk so buffered messages stay small
type ImageStore struct {
	dir string
	now func() time.Time
	log *zap.Logger
}

// NewImageStore creates dir if needed
func NewImageStore(dir string, log *zap.Logger) (*ImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &ImageStore{dir: dir, now: time.Now, log: log}, nil
}

// Stage writes data and returns its path. Empty data stages nothing.
func (s *ImageStore) Stage(killID int64, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	path := filepath.Join(s.dir, fmt.Sprintf("km_%d_%d.img", killID, s.now().UnixMilli()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage image: %w", err)
	}
	return path, nil
}

// Release removes a staged image. A missing file is not an error.
func (s *ImageStore) Release(path string) {
	if s == nil || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("Failed to remove staged image", zap.String("path", path), zap.Error(err))
	}
}
