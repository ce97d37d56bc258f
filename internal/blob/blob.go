// Package blob stores uploaded audio artifacts. The record store keeps only
// artifact paths; bytes live here.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no artifact exists at the requested path.
var ErrNotFound = errors.New("artifact not found")

// Store is the artifact store contract: durable put/get/delete keyed by the
// path recorded on the Upload row.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader) (int64, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}
