package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const uploadPrefix = "upload-"

// UploadDir holds the short-lived files handed to the image analyzer.
type UploadDir struct {
	root   string
	logger *zap.Logger
}

// NewUploadDir creates root if needed.
func NewUploadDir(root string, logger *zap.Logger) (*UploadDir, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &UploadDir{root: root, logger: logger}, nil
}

// Root returns the directory path.
func (u *UploadDir) Root() string { return u.root }

// Create writes data to a new uniquely named file and returns its path.
func (u *UploadDir) Create(data []byte, ext string) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	path := filepath.Join(u.root, uploadPrefix+uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// Remove deletes a file created by Create. Failures are logged only.
func (u *UploadDir) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		u.logger.Warn("remove upload file failed", zap.String("path", path), zap.Error(err))
	}
}

// SweepStale deletes upload files older than maxAge, left behind by a process
// that exited mid-request. It returns the number of files removed.
func (u *UploadDir) SweepStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(u.root)
	if err != nil {
		u.logger.Warn("sweep upload dir failed", zap.String("dir", u.root), zap.Error(err))
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), uploadPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(u.root, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			u.logger.Warn("remove stale upload failed", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		u.logger.Info("removed stale uploads", zap.Int("count", removed))
	}
	return removed
}
