package store

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ajaxrace/ajaxrace/pkg/errors"
)

// FileBackend keeps documents as files below a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, errors.CodeStoreConnect, "create store directory %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, filepath.FromSlash(key))
}

// Put writes to a temp file first, then renames (atomic).
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "put %s", key)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "put %s", key)
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Wrapf(err, errors.CodeStoreWrite, "put %s", key)
	}
	return nil
}

func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(b.Name(), key)
		}
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "get %s", key)
	}
	return data, nil
}

func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.CodeStoreWrite, "delete %s", key)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.dir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeStoreRead, "list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// Name returns "file".
func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Close() error { return nil }
