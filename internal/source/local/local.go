// Package local provides a filesystem-rooted chunk source.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sly67/streambridge/internal/source"
)

// Source serves ranges out of files under a root directory. Handles carry
// the object key relative to the root.
type Source struct {
	rootPath string
}

// New creates a local chunk source rooted at rootPath.
func New(rootPath string) (*Source, error) {
	if rootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root path %s: %w", rootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", rootPath)
	}

	return &Source{rootPath: rootPath}, nil
}

func (s *Source) fullPath(key string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(key))
}

// ProbeSize returns the file's size via Stat.
func (s *Source) ProbeSize(_ context.Context, handles json.RawMessage) (int64, error) {
	h, err := source.ParseHandle(handles)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(s.fullPath(h.Key))
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", h.Key, err)
	}
	return info.Size(), nil
}

// FetchRange opens the file, seeks to offset and limits the reader to length.
func (s *Source) FetchRange(_ context.Context, handles json.RawMessage, offset, length int64) (io.ReadCloser, error) {
	h, err := source.ParseHandle(handles)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.fullPath(h.Key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", h.Key, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek %s: %w", h.Key, err)
		}
	}

	return &limitedReadCloser{
		Reader: io.LimitReader(f, length),
		Closer: f,
	}, nil
}

// Type returns "local".
func (s *Source) Type() string { return "local" }

// Close is a no-op for local sources.
func (s *Source) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
