package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps artifacts in a directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

func (s *LocalStore) Put(ctx context.Context, name string, data []byte) (ModelHandle, error) {
	hash := Hash(data)
	path := filepath.Join(s.dir, objectName(name, hash))

	// Write-then-rename so a concurrent reader never sees a partial file.
	tmp, err := os.CreateTemp(s.dir, ".artifact-*")
	if err != nil {
		return ModelHandle{}, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ModelHandle{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ModelHandle{}, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return ModelHandle{}, err
	}

	return ModelHandle{URI: "file://" + filepath.ToSlash(path), Hash: hash}, nil
}

func (s *LocalStore) Get(ctx context.Context, uri string) ([]byte, error) {
	return ReadFile(uri)
}

// ReadFile loads a file:// URI or a plain path.
func ReadFile(uri string) ([]byte, error) {
	path := uri
	if Scheme(uri) != "" {
		if Scheme(uri) != "file" {
			return nil, fmt.Errorf("unsupported artifact uri %q", uri)
		}
		path = filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
	}

	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return b, err
}
