package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/adrianmcphee/shelterbase"
)

const (
	dirPermissions  = 0o755
	healthCheckFile = ".health_check"
)

// FilesystemBackend implements Backend on a local directory. Writes replace
// files atomically so a crashed write never leaves a torn record.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks
}

// NewFilesystemBackend creates a filesystem backend with 32 lock stripes
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.path(key))
	if err != nil {
		return nil, classifyFSError(err, key)
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return classifyFSError(err, key)
	}

	unlock := b.locks.Lock(key)
	defer unlock()
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return classifyFSError(err, key)
	}
	return nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	if err := os.Remove(b.path(key)); err != nil {
		return classifyFSError(err, key)
	}
	return nil
}

// List walks prefix and returns slash-separated keys in lexical order.
func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	root := b.path(prefix)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return []string{}, nil
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || d.Name() == healthCheckFile || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping checks that the base directory exists and is writable.
func (b *FilesystemBackend) Ping(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", b.basePath)
	}

	probe := filepath.Join(b.basePath, healthCheckFile)
	if err := atomic.WriteFile(probe, strings.NewReader("ok")); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	_ = os.Remove(probe)
	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}

func classifyFSError(err error, key string) error {
	switch {
	case os.IsNotExist(err):
		return shelterbase.WithContext(shelterbase.ErrNotFound, map[string]interface{}{"key": key})
	case os.IsPermission(err):
		return shelterbase.Wrap(shelterbase.ErrUnauthorized, err, map[string]interface{}{"key": key})
	default:
		return err
	}
}
