package stager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStager resolves file:// URIs and bare paths. Staged files are used
// in place; only delivery copies.
type FileStager struct{}

// NewFileStager creates a stager for local data.
func NewFileStager() *FileStager {
	return &FileStager{}
}

// StageIn verifies the file exists and returns its absolute path. Nothing
// is copied; local inputs are read where they live.
func (s *FileStager) StageIn(_ context.Context, location, _ string) (string, error) {
	scheme, path := ParseLocation(location)
	switch scheme {
	case SchemeFile, "":
	default:
		return "", fmt.Errorf("file stager: unsupported scheme %q", scheme)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("file stager: abs path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("file stager: %w", err)
	}
	return abs, nil
}

// Deliver copies the artifact into destDir, creating it as needed.
func (s *FileStager) Deliver(_ context.Context, localPath, destDir string) (string, error) {
	destPath := filepath.Join(destDir, filepath.Base(localPath))
	if err := copyFile(localPath, destPath); err != nil {
		return "", fmt.Errorf("file stager: deliver: %w", err)
	}
	return destPath, nil
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
