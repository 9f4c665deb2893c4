package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage writes into a directory served publicly under
// <PublicURL>/uploads/.
type LocalStorage struct {
	basePath  string
	publicURL string
	now       func() time.Time
}

type LocalConfig struct {
	BasePath  string
	PublicURL string
}

func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	return &LocalStorage{
		basePath:  absPath,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		now:       time.Now,
	}, nil
}

func (s *LocalStorage) Save(ctx context.Context, data []byte, mimeType, fileName string) (Stored, error) {
	name := UniqueName(s.now(), mimeType, fileName)
	path, err := s.fullPath(name)
	if err != nil {
		return Stored{}, err
	}

	tmpFile, err := os.CreateTemp(s.basePath, ".tmp-*")
	if err != nil {
		return Stored{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmpFile, bytes.NewReader(data)); err != nil {
		_ = tmpFile.Close()
		return Stored{}, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return Stored{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Stored{}, fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true

	return Stored{
		Key:  name,
		Path: path,
		URL:  s.publicURL + "/uploads/" + name,
	}, nil
}

// fullPath joins name under the base path and rejects names that would
// escape it.
func (s *LocalStorage) fullPath(name string) (string, error) {
	path := filepath.Join(s.basePath, name)
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || strings.ContainsRune(rel, os.PathSeparator) {
		return "", fmt.Errorf("media name %q escapes %s", name, s.basePath)
	}
	return path, nil
}

func (s *LocalStorage) BasePath() string { return s.basePath }
