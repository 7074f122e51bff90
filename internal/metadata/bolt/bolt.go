// Package bolt implements the metadata store on an embedded bbolt database.
// Records are stored as JSON values in per-collection buckets; bbolt's
// single-writer transactions provide the mutation critical section.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/sly67/streambridge/internal/metadata"
)

var (
	filesBucket     = []byte("files")
	usersBucket     = []byte("users")
	blacklistBucket = []byte("blacklist")
)

// Store is a bbolt-backed metadata store.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{filesBucket, usersBucket, blacklistBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func userKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func getUserTx(tx *bbolt.Tx, id int64) (*metadata.UserRecord, error) {
	data := tx.Bucket(usersBucket).Get(userKey(id))
	if data == nil {
		return nil, metadata.ErrNotFound
	}
	var u metadata.UserRecord
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("decode user %d: %w", id, err)
	}
	return &u, nil
}

func putUserTx(tx *bbolt.Tx, u *metadata.UserRecord) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return tx.Bucket(usersBucket).Put(userKey(u.ID), data)
}

func putFileTx(tx *bbolt.Tx, f *metadata.FileRecord) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return tx.Bucket(filesBucket).Put([]byte(f.ID), data)
}

// AddFile stores a new file record, deduplicating on (OwnerID, UniqueID)
// with a scan of the files bucket.
func (s *Store) AddFile(_ context.Context, rec *metadata.FileRecord) (string, error) {
	if err := metadata.ValidateNew(rec); err != nil {
		return "", err
	}

	var id string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(filesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var f metadata.FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decode file %s: %w", k, err)
			}
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
		if err := putFileTx(tx, stored); err != nil {
			return err
		}

		u, err := getUserTx(tx, rec.OwnerID)
		if err == metadata.ErrNotFound {
			u = &metadata.UserRecord{ID: rec.OwnerID, JoinedAt: time.Now().UTC()}
		} else if err != nil {
			return err
		}
		u.LinkCount++
		if err := putUserTx(tx, u); err != nil {
			return err
		}

		id = stored.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetFile returns the record with the given id.
func (s *Store) GetFile(_ context.Context, id string) (*metadata.FileRecord, error) {
	var f metadata.FileRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(filesBucket).Get([]byte(id))
		if data == nil {
			return metadata.ErrNotFound
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) updateFile(id string, apply func(*metadata.FileRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(filesBucket).Get([]byte(id))
		if data == nil {
			return metadata.ErrNotFound
		}
		var f metadata.FileRecord
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("decode file %s: %w", id, err)
		}
		apply(&f)
		return putFileTx(tx, &f)
	})
}

// UpdateFileHandles replaces the record's chunk handles.
func (s *Store) UpdateFileHandles(_ context.Context, id string, handles json.RawMessage) error {
	return s.updateFile(id, func(f *metadata.FileRecord) {
		f.Handles = append(json.RawMessage(nil), handles...)
	})
}

// UpdateFileSize caches a probed size onto the record.
func (s *Store) UpdateFileSize(_ context.Context, id string, size int64) error {
	return s.updateFile(id, func(f *metadata.FileRecord) {
		f.Size = size
	})
}

// DeleteFile removes the record; absent ids are a no-op.
func (s *Store) DeleteFile(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(id))
	})
}

// AddUser creates a user record if absent.
func (s *Store) AddUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket).Get(userKey(id)) != nil {
			return nil
		}
		return putUserTx(tx, &metadata.UserRecord{ID: id, JoinedAt: time.Now().UTC()})
	})
}

// GetUser returns the user record with the given id.
func (s *Store) GetUser(_ context.Context, id int64) (*metadata.UserRecord, error) {
	var u *metadata.UserRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		u, err = getUserTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(_ context.Context) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = int64(tx.Bucket(usersBucket).Stats().KeyN)
		return nil
	})
	return n, err
}

// AdjustLinkCount applies delta to the user's link count, clamped at 0.
func (s *Store) AdjustLinkCount(_ context.Context, id int64, delta int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		u, err := getUserTx(tx, id)
		if err == metadata.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		u.LinkCount += delta
		if u.LinkCount < 0 {
			u.LinkCount = 0
		}
		return putUserTx(tx, u)
	})
}

// IsBanned reports whether the user is blacklisted.
func (s *Store) IsBanned(_ context.Context, id int64) (bool, error) {
	var banned bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		banned = tx.Bucket(blacklistBucket).Get(userKey(id)) != nil
		return nil
	})
	return banned, err
}

// BanUser adds the user to the blacklist.
func (s *Store) BanUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blacklistBucket)
		if b.Get(userKey(id)) != nil {
			return nil
		}
		bannedAt, _ := time.Now().UTC().MarshalText()
		return b.Put(userKey(id), bannedAt)
	})
}

// UnbanUser removes the user from the blacklist.
func (s *Store) UnbanUser(_ context.Context, id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blacklistBucket).Delete(userKey(id))
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
