// Package source defines the chunk source interface: the external provider
// of raw file bytes given the handles stored on a file record.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidHandle is returned when a record's handles are missing or cannot
// be interpreted by the configured backend.
var ErrInvalidHandle = errors.New("source: invalid handle")

// Handle is the token set a backend needs to re-fetch content. It is stored
// opaquely on the file record and interpreted only here.
type Handle struct {
	Key string `json:"key"`
}

// ParseHandle decodes raw record handles.
func ParseHandle(raw json.RawMessage) (Handle, error) {
	if len(raw) == 0 {
		return Handle{}, ErrInvalidHandle
	}
	var h Handle
	if err := json.Unmarshal(raw, &h); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", ErrInvalidHandle, err)
	}
	if h.Key == "" {
		return Handle{}, ErrInvalidHandle
	}
	return h, nil
}

// Source yields file bytes for the streaming path.
type Source interface {
	// ProbeSize returns the total size of the content behind the handles
	// without fetching the body.
	ProbeSize(ctx context.Context, handles json.RawMessage) (int64, error)

	// FetchRange returns a reader over length bytes starting at offset.
	FetchRange(ctx context.Context, handles json.RawMessage, offset, length int64) (io.ReadCloser, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
