// Package postgres provides a PostgreSQL-backed metadata store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/sly67/streambridge/internal/metadata"
	"github.com/sly67/streambridge/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id         TEXT PRIMARY KEY,
	owner_id   BIGINT NOT NULL,
	unique_id  TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       BIGINT NOT NULL DEFAULT 0,
	handles    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner_id, unique_id)
);

CREATE TABLE IF NOT EXISTS users (
	id         BIGINT PRIMARY KEY,
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	link_count BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blacklist (
	user_id   BIGINT PRIMARY KEY,
	banned_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_id);
`

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New connects to PostgreSQL and ensures the schema exists.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddFile stores a new file record, deduplicating on (owner_id, unique_id)
// via the unique index. The insert and the owner's link-count increment run
// in one transaction.
func (s *Store) AddFile(ctx context.Context, rec *metadata.FileRecord) (string, error) {
	if err := metadata.ValidateNew(rec); err != nil {
		return "", err
	}

	start := time.Now()
	defer func() { metrics.RecordStoreQuery("add_file", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM files WHERE owner_id = $1 AND unique_id = $2`,
		rec.OwnerID, rec.UniqueID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("dedup lookup: %w", err)
	}

	id := uuid.NewString()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var handles any
	if len(rec.Handles) > 0 {
		handles = []byte(rec.Handles)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO files (id, owner_id, unique_id, name, mime_type, size, handles, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (owner_id, unique_id) DO NOTHING`,
		id, rec.OwnerID, rec.UniqueID, rec.Name, rec.MimeType, rec.Size, handles, createdAt)
	if err != nil {
		return "", fmt.Errorf("insert file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost the race to a concurrent insert of the same content.
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM files WHERE owner_id = $1 AND unique_id = $2`,
			rec.OwnerID, rec.UniqueID).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("post-conflict lookup: %w", err)
		}
		return existing, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		rec.OwnerID); err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET link_count = link_count + 1 WHERE id = $1`,
		rec.OwnerID); err != nil {
		return "", fmt.Errorf("increment link count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetFile returns the record with the given id.
func (s *Store) GetFile(ctx context.Context, id string) (*metadata.FileRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("get_file", time.Since(start)) }()

	var f metadata.FileRecord
	var handles []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, unique_id, name, mime_type, size, handles, created_at
		 FROM files WHERE id = $1`, id).
		Scan(&f.ID, &f.OwnerID, &f.UniqueID, &f.Name, &f.MimeType, &f.Size, &handles, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select file: %w", err)
	}
	if handles != nil {
		f.Handles = json.RawMessage(handles)
	}
	return &f, nil
}

// UpdateFileHandles replaces the record's chunk handles.
func (s *Store) UpdateFileHandles(ctx context.Context, id string, handles json.RawMessage) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("update_handles", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET handles = $2 WHERE id = $1`, id, []byte(handles))
	if err != nil {
		return fmt.Errorf("update handles: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// UpdateFileSize caches a probed size onto the record.
func (s *Store) UpdateFileSize(ctx context.Context, id string, size int64) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("update_size", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET size = $2 WHERE id = $1`, id, size)
	if err != nil {
		return fmt.Errorf("update size: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metadata.ErrNotFound
	}
	return nil
}

// DeleteFile removes the record; absent ids are a no-op.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("delete_file", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AddUser creates a user record if absent.
func (s *Store) AddUser(ctx context.Context, id int64) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("add_user", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns the user record with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*metadata.UserRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("get_user", time.Since(start)) }()

	var u metadata.UserRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, joined_at, link_count FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.JoinedAt, &u.LinkCount)
	if err == sql.ErrNoRows {
		return nil, metadata.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// AdjustLinkCount applies delta to the user's link count, clamped at 0.
func (s *Store) AdjustLinkCount(ctx context.Context, id int64, delta int64) error {
	start := time.Now()
	defer func() { metrics.RecordStoreQuery("adjust_link_count", time.Since(start)) }()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET link_count = GREATEST(link_count + $2, 0) WHERE id = $1`,
		id, delta); err != nil {
		return fmt.Errorf("adjust link count: %w", err)
	}
	return nil
}

// IsBanned reports whether the user is blacklisted.
func (s *Store) IsBanned(ctx context.Context, id int64) (bool, error) {
	var banned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM blacklist WHERE user_id = $1)`, id).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("ban lookup: %w", err)
	}
	return banned, nil
}

// BanUser adds the user to the blacklist.
func (s *Store) BanUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO blacklist (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		id); err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	return nil
}

// UnbanUser removes the user from the blacklist.
func (s *Store) UnbanUser(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM blacklist WHERE user_id = $1`, id); err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return nil
}
