package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal"
)

const scheme = "file://"

type Option func(*Repository)

// Repository stores artifacts on the local filesystem.
type Repository struct {
	basePath string
	prefix   string
	logger   *zap.Logger
}

func WithPrefix(prefix string) Option {
	return func(r *Repository) {
		r.prefix = prefix
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Repository) {
		r.logger = logger
	}
}

func New(basePath string, opts ...Option) *Repository {
	r := &Repository{
		basePath: basePath,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put writes data to a new file. Existing files are never replaced.
func (r *Repository) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fullPath, err := filepath.Abs(filepath.Join(
		r.basePath,
		r.prefix,
		filepath.FromSlash(key),
	))
	if err != nil {
		return "", err
	}
	r.logger.Info("writing file", zap.String("path", fullPath))

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", internal.StorageError("mkdir", err)
	}

	file, err := os.OpenFile(fullPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, fs.ErrExist) {
		return "", fmt.Errorf("%s: %w", key, internal.ErrExists)
	}
	if err != nil {
		return "", internal.StorageError("create", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(fullPath)
		return "", internal.StorageError("write", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(fullPath)
		return "", internal.StorageError("close", err)
	}

	return scheme + filepath.ToSlash(fullPath), nil
}

func (r *Repository) Get(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(location, scheme) {
		return nil, fmt.Errorf("unsupported location %q: expected %s", location, scheme)
	}

	bs, err := os.ReadFile(filepath.FromSlash(strings.TrimPrefix(location, scheme)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", location, internal.ErrNotFound)
	}
	if err != nil {
		return nil, internal.StorageError("read", err)
	}
	return bs, nil
}

func (r *Repository) BasePath() string {
	return r.basePath
}
