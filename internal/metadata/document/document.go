// Package document implements the metadata store as a single local JSON
// document, the fallback used when no database is available.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sly67/streambridge/internal/logging"
	"github.com/sly67/streambridge/internal/metadata"
)

// doc is the on-disk layout: three top-level collections. A document missing
// one of them loads as empty rather than failing.
type doc struct {
	Files     map[string]*metadata.FileRecord `json:"files"`
	Users     map[string]*metadata.UserRecord `json:"users"`
	Blacklist []int64                         `json:"blacklist"`
}

func newDoc() *doc {
	return &doc{
		Files:     make(map[string]*metadata.FileRecord),
		Users:     make(map[string]*metadata.UserRecord),
		Blacklist: []int64{},
	}
}

func (d *doc) clone() *doc {
	next := &doc{
		Files:     make(map[string]*metadata.FileRecord, len(d.Files)),
		Users:     make(map[string]*metadata.UserRecord, len(d.Users)),
		Blacklist: append([]int64(nil), d.Blacklist...),
	}
	for id, f := range d.Files {
		next.Files[id] = f.Clone()
	}
	for id, u := range d.Users {
		copied := *u
		next.Users[id] = &copied
	}
	return next
}

// Store is a single-document JSON metadata store. Every mutation runs as one
// critical section covering the in-memory update and the flush to disk; the
// in-memory document is only swapped after the flush succeeds, so a failed
// flush cannot leave a half-applied update behind.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  *doc
}

// New opens (or creates) the document at path.
func New(path string) (*Store, error) {
	s := &Store{path: path, doc: newDoc()}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := s.flush(s.doc); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read document %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, s.doc); err != nil {
			logging.Warn("document unreadable, starting fresh",
				zap.String("path", path), zap.Error(err))
			s.doc = newDoc()
			if err := s.flush(s.doc); err != nil {
				return nil, err
			}
		}
	}

	// Older documents may lack a collection.
	if s.doc.Files == nil {
		s.doc.Files = make(map[string]*metadata.FileRecord)
	}
	if s.doc.Users == nil {
		s.doc.Users = make(map[string]*metadata.UserRecord)
	}
	if s.doc.Blacklist == nil {
		s.doc.Blacklist = []int64{}
	}

	return s, nil
}

// flush writes the document atomically via temp file + rename.
func (s *Store) flush(d *doc) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".streambridge-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", s.path, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", s.path, err)
	}

	return nil
}

// mutate applies fn to a copy of the document, flushes it, and swaps it in.
func (s *Store) mutate(fn func(*doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := s.flush(next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// AddFile stores a new file record, deduplicating on (OwnerID, UniqueID).
func (s *Store) AddFile(_ context.Context, rec *metadata.FileRecord) (string, error) {
	if err := metadata.ValidateNew(rec); err != nil {
		return "", err
	}

	var id string
	err := s.mutate(func(d *doc) error {
		for _, f := range d.Files {
			if f.OwnerID == rec.OwnerID && f.UniqueID == rec.UniqueID {
				id = f.ID
				return nil
			}
		}

		stored := rec.Clone()
		stored.ID = uuid.NewString()
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now().UTC()
		}
		d.Files[stored.ID] = stored

		key := userKey(rec.OwnerID)
		u, ok := d.Users[key]
		if !ok {
			u = &metadata.UserRecord{ID: rec.OwnerID, JoinedAt: time.Now().UTC()}
			d.Users[key] = u
		}
		u.LinkCount++

		id = stored.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetFile returns a copy of the record.
func (s *Store) GetFile(_ context.Context, id string) (*metadata.FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.doc.Files[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return f.Clone(), nil
}

// UpdateFileHandles replaces the record's chunk handles.
func (s *Store) UpdateFileHandles(_ context.Context, id string, handles json.RawMessage) error {
	return s.mutate(func(d *doc) error {
		f, ok := d.Files[id]
		if !ok {
			return metadata.ErrNotFound
		}
		f.Handles = append(json.RawMessage(nil), handles...)
		return nil
	})
}

// UpdateFileSize caches a probed size onto the record.
func (s *Store) UpdateFileSize(_ context.Context, id string, size int64) error {
	return s.mutate(func(d *doc) error {
		f, ok := d.Files[id]
		if !ok {
			return metadata.ErrNotFound
		}
		f.Size = size
		return nil
	})
}

// DeleteFile removes the record; absent ids are a no-op.
func (s *Store) DeleteFile(_ context.Context, id string) error {
	return s.mutate(func(d *doc) error {
		delete(d.Files, id)
		return nil
	})
}

// AddUser creates a user record if absent.
func (s *Store) AddUser(_ context.Context, id int64) error {
	return s.mutate(func(d *doc) error {
		key := userKey(id)
		if _, ok := d.Users[key]; ok {
			return nil
		}
		d.Users[key] = &metadata.UserRecord{ID: id, JoinedAt: time.Now().UTC()}
		return nil
	})
}

// GetUser returns a copy of the user record.
func (s *Store) GetUser(_ context.Context, id int64) (*metadata.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.doc.Users[userKey(id)]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.doc.Users)), nil
}

// AdjustLinkCount applies delta to the user's link count, clamped at 0.
func (s *Store) AdjustLinkCount(_ context.Context, id int64, delta int64) error {
	return s.mutate(func(d *doc) error {
		u, ok := d.Users[userKey(id)]
		if !ok {
			return nil
		}
		u.LinkCount += delta
		if u.LinkCount < 0 {
			u.LinkCount = 0
		}
		return nil
	})
}

// IsBanned reports whether the user is blacklisted.
func (s *Store) IsBanned(_ context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, banned := range s.doc.Blacklist {
		if banned == id {
			return true, nil
		}
	}
	return false, nil
}

// BanUser adds the user to the blacklist.
func (s *Store) BanUser(_ context.Context, id int64) error {
	return s.mutate(func(d *doc) error {
		for _, banned := range d.Blacklist {
			if banned == id {
				return nil
			}
		}
		d.Blacklist = append(d.Blacklist, id)
		return nil
	})
}

// UnbanUser removes the user from the blacklist.
func (s *Store) UnbanUser(_ context.Context, id int64) error {
	return s.mutate(func(d *doc) error {
		for i, banned := range d.Blacklist {
			if banned == id {
				d.Blacklist = append(d.Blacklist[:i], d.Blacklist[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// Close is a no-op; the document is flushed on every mutation.
func (s *Store) Close() error { return nil }
