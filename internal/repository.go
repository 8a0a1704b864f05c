package internal

import (
	"context"
	"errors"
)

var (
	// ErrExists is returned when a put targets a key that is already stored.
	ErrExists = errors.New("object already exists")
	// ErrNotFound is returned when a location does not resolve to a stored object.
	ErrNotFound = errors.New("object not found")
)

// Repository is blob storage for pipeline artifacts. Keys are never overwritten.
type Repository interface {
	// Put stores data under key and returns the location that Get accepts.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
}
