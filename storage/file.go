package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stagehand-ai/stagehand/types"
	"github.com/stagehand-ai/stagehand/workflow"
)

// File stores blobs as files under a base directory. Writes go through a
// temp-file rename so readers never observe a partial blob.
type File struct {
	baseDir string
}

// NewFile creates a file store rooted at baseDir, creating it if needed.
func NewFile(baseDir string) (*File, error) {
	if baseDir == "" {
		baseDir = "stagehand-storage"
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, types.NewError(types.ErrStorageUnavailable, "create storage directory").WithCause(err)
	}
	return &File{baseDir: baseDir}, nil
}

// resolve maps a storage key to a filesystem path, rejecting escapes from the
// base directory.
func (f *File) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid storage path: %q", path)
	}
	return filepath.Join(f.baseDir, clean), nil
}

func (f *File) Read(_ context.Context, path string) ([]byte, bool, error) {
	full, err := f.resolve(path)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, types.NewError(types.ErrStorageUnavailable, "read blob").WithCause(err)
	}
	return data, true, nil
}

func (f *File) Write(_ context.Context, path string, data []byte) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "create blob directory").WithCause(err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return types.NewError(types.ErrStorageUnavailable, "write blob").WithCause(err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return types.NewError(types.ErrStorageUnavailable, "commit blob").WithCause(err)
	}
	return nil
}

var _ workflow.Storage = (*File)(nil)
