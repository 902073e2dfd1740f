// Package iopath provides a uniform read/write/exists/copy/size/hash
// capability over heterogeneous storages (spec.md §4.A), generalizing the
// teacher's internal/iwdr staging logic (which moved files between a task
// working directory and a single "local" scheme) to arbitrary schemes.
package iopath

import (
	"context"
	"io"
)

// HashKind names a supported checksum algorithm.
type HashKind string

const (
	MD5    HashKind = "md5"
	SHA256 HashKind = "sha256"
)

// MultipartOptions configures the cross-scheme copy threshold required by
// spec.md §4.A.
type MultipartOptions struct {
	Threshold int64 // default 5 GiB
	PartSize  int64 // minimum 5 MiB
	MaxParts  int   // at most 10000
}

// DefaultMultipartOptions returns the spec-mandated defaults.
func DefaultMultipartOptions() MultipartOptions {
	return MultipartOptions{
		Threshold: 5 * 1 << 30,
		PartSize:  5 * 1 << 20,
		MaxParts:  10000,
	}
}

// Capability is the uniform storage interface every backend's localization
// and delocalization step is built on (spec.md §4.A).
type Capability interface {
	// Exists reports whether path refers to an object.
	Exists(ctx context.Context, path string) (bool, error)

	// Size returns the byte size of path.
	Size(ctx context.Context, path string) (int64, error)

	// ReadAll reads the full contents of path.
	ReadAll(ctx context.Context, path string) ([]byte, error)

	// WriteAll writes data to path, creating or truncating it.
	WriteAll(ctx context.Context, path string, data []byte) error

	// Copy copies src to dst, which may live under different schemes
	// (local<->object, object<->object). Implementations must apply the
	// multipart threshold from opts.
	Copy(ctx context.Context, src, dst string, opts MultipartOptions) error

	// Delete removes path.
	Delete(ctx context.Context, path string) error

	// Checksum returns a content digest of path. Implementations return the
	// backing store's recorded digest in O(1) when available, and stream
	// otherwise.
	Checksum(ctx context.Context, path string, kind HashKind) (string, error)

	// Resolve joins subpath onto path using the scheme's own path rules.
	Resolve(path, subpath string) string

	// ListDir lists the immediate children of path.
	ListDir(ctx context.Context, path string) ([]string, error)
}

// Reader opens path for streaming reads; used internally by Checksum
// fallbacks and cross-scheme Copy.
type Reader interface {
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// Writer opens path for streaming writes.
type Writer interface {
	Create(ctx context.Context, path string) (io.WriteCloser, error)
}
