// Package metadata defines the file/user/ban records and the store contract
// shared by all metadata backends.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist. Malformed ids
	// surface as ErrNotFound too, so callers can treat "absent" uniformly.
	ErrNotFound = errors.New("metadata: not found")

	// ErrInvalidInput is returned when required record fields are missing.
	ErrInvalidInput = errors.New("metadata: invalid input")
)

// FileRecord describes one shareable file.
type FileRecord struct {
	ID        string          `json:"id"`
	OwnerID   int64           `json:"owner_id"`
	UniqueID  string          `json:"unique_id"`
	Name      string          `json:"name"`
	MimeType  string          `json:"mime_type"`
	Size      int64           `json:"size"` // 0 = unknown, resolved lazily by probing
	Handles   json.RawMessage `json:"handles,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Clone returns a deep copy of the record.
func (f *FileRecord) Clone() *FileRecord {
	out := *f
	if f.Handles != nil {
		out.Handles = append(json.RawMessage(nil), f.Handles...)
	}
	return &out
}

// UserRecord tracks per-user accounting.
type UserRecord struct {
	ID        int64     `json:"id"`
	JoinedAt  time.Time `json:"joined_at"`
	LinkCount int64     `json:"link_count"`
}

// Store is the metadata store contract. Implementations must be safe for
// concurrent use; every mutating operation is atomic with respect to readers.
type Store interface {
	// AddFile stores a new file record and returns its id. When a record
	// with the same (OwnerID, UniqueID) already exists its id is returned
	// and nothing is written. A new record gets a fresh id, and the owner's
	// link count is incremented (the owner's user record is created first
	// if needed).
	AddFile(ctx context.Context, rec *FileRecord) (string, error)

	// GetFile returns a copy of the record, or ErrNotFound.
	GetFile(ctx context.Context, id string) (*FileRecord, error)

	// UpdateFileHandles atomically replaces the record's chunk handles.
	UpdateFileHandles(ctx context.Context, id string, handles json.RawMessage) error

	// UpdateFileSize caches a probed total size back onto the record.
	UpdateFileSize(ctx context.Context, id string, size int64) error

	// DeleteFile removes the record; absent ids are not an error.
	DeleteFile(ctx context.Context, id string) error

	// AddUser creates a user record with a zero link count. Idempotent.
	AddUser(ctx context.Context, id int64) error

	// GetUser returns a copy of the user record, or ErrNotFound.
	GetUser(ctx context.Context, id int64) (*UserRecord, error)

	// CountUsers returns the number of registered users.
	CountUsers(ctx context.Context) (int64, error)

	// AdjustLinkCount applies delta to the user's link count, clamped at 0.
	// No-op if the user does not exist.
	AdjustLinkCount(ctx context.Context, id int64, delta int64) error

	// IsBanned reports whether the user is on the blacklist.
	IsBanned(ctx context.Context, id int64) (bool, error)

	// BanUser and UnbanUser are idempotent in both directions.
	BanUser(ctx context.Context, id int64) error
	UnbanUser(ctx context.Context, id int64) error

	Close() error
}

// ValidateNew checks the fields required to ingest a new file record.
func ValidateNew(rec *FileRecord) error {
	if rec == nil || rec.OwnerID == 0 || rec.UniqueID == "" {
		return ErrInvalidInput
	}
	return nil
}
