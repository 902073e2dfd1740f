// Package local implements iopath.Capability over the local filesystem,
// grounded in the teacher's internal/iwdr staging helpers which already
// moved files in and out of a task working directory with os.* calls.
package local

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/wilke-labs/gowe-engine/internal/iopath"
)

// Capability implements iopath.Capability over os.*.
type Capability struct {
	logger *slog.Logger
}

// New creates a local filesystem Capability.
func New(logger *slog.Logger) *Capability {
	return &Capability{logger: logger.With("component", "iopath-local")}
}

func (c *Capability) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (c *Capability) Size(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *Capability) ReadAll(_ context.Context, path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (c *Capability) WriteAll(_ context.Context, path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Copy copies src to dst. MultipartOptions do not apply to local-to-local
// copies (they only bound object-store part counts) but are accepted to
// satisfy the uniform Capability signature.
func (c *Capability) Copy(_ context.Context, src, dst string, _ iopath.MultipartOptions) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open src %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create dst %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (c *Capability) Delete(_ context.Context, path string) error {
	return os.Remove(path)
}

// Checksum streams the file and, per spec.md §4.A, MAY materialize a
// sibling <file>.md5 to amortize future lookups. Callers must be aware this
// sidecar is not invalidated on overwrite.
func (c *Capability) Checksum(_ context.Context, path string, kind iopath.HashKind) (string, error) {
	if kind == iopath.MD5 {
		if sidecar, err := os.ReadFile(path + ".md5"); err == nil {
			return string(sidecar), nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sum string
	switch kind {
	case iopath.MD5:
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		sum = hex.EncodeToString(h.Sum(nil))
	case iopath.SHA256:
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
		sum = hex.EncodeToString(h.Sum(nil))
	default:
		return "", fmt.Errorf("unsupported hash kind %q", kind)
	}

	if kind == iopath.MD5 {
		if err := os.WriteFile(path+".md5", []byte(sum), 0o644); err != nil {
			c.logger.Warn("write md5 sidecar failed", "path", path, "error", err)
		}
	}
	return sum, nil
}

func (c *Capability) Resolve(path, subpath string) string {
	return filepath.Join(path, subpath)
}

func (c *Capability) ListDir(_ context.Context, path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Open implements iopath.Reader for streaming cross-scheme copies.
func (c *Capability) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Create implements iopath.Writer for streaming cross-scheme copies.
func (c *Capability) Create(_ context.Context, path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

var _ iopath.Capability = (*Capability)(nil)
