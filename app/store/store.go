// Package store provides the SQLite-backed persistence layer. All tracked
// state (profile, queries, jobs with their letter data) lives in a single
// database file owned by a single process; writers are serialized, readers
// are not blocked.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

// taxonomy sentinels, stable across the service boundary
var (
	ErrUnavailable = errors.New("storage unavailable")     // cannot open or locked by another process
	ErrIO          = errors.New("storage io failure")      // statement or transaction failed
	ErrNotFound    = errors.New("not found")               // no row for the requested id
	ErrVersion     = errors.New("storage version too new") // db written by a newer release
)

// migrations are applied in order, one batch per version, each batch in its
// own transaction. PRAGMA user_version tracks the last applied one.
// Strictly additive, never destructive.
var migrations = [][]string{
	{ // v1, base schema
		`CREATE TABLE IF NOT EXISTS users (
			username           TEXT PRIMARY KEY,
			name               TEXT NOT NULL DEFAULT '',
			email              TEXT NOT NULL DEFAULT '',
			phone              TEXT NOT NULL DEFAULT '',
			linkedin_url       TEXT NOT NULL DEFAULT '',
			credentials        TEXT NOT NULL DEFAULT '[]',
			websites           TEXT NOT NULL DEFAULT '[]',
			source_documents   TEXT NOT NULL DEFAULT '[]',
			desired_titles     TEXT NOT NULL DEFAULT '[]',
			desired_locations  TEXT NOT NULL DEFAULT '[]',
			summary            TEXT NOT NULL DEFAULT '',
			summary_updated_at TIMESTAMP,
			letter_dir         TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMP NOT NULL,
			updated_at         TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id               TEXT PRIMARY KEY,
			username         TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			company          TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			location         TEXT NOT NULL DEFAULT '',
			link             TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			full_description INTEGER NOT NULL DEFAULT 0,
			date_found       TIMESTAMP NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			fit_notes        TEXT NOT NULL DEFAULT '',
			cover_letter     TEXT NOT NULL DEFAULT '',
			topics           TEXT NOT NULL DEFAULT '[]',
			questions        TEXT NOT NULL DEFAULT '[]',
			writing_style    TEXT NOT NULL DEFAULT '',
			updated_at       TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_found ON jobs(username, date_found DESC, id ASC)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_user_status ON jobs(username, status)`,
		`CREATE TABLE IF NOT EXISTS queries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			username     TEXT NOT NULL REFERENCES users(username) ON DELETE CASCADE,
			text         TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'active',
			ai_suggested INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMP NOT NULL,
			last_run_at  TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queries_user_created ON queries(username, created_at ASC, id ASC)`,
	},
	{ // v2, letter rendering and per-query run stats
		`ALTER TABLE jobs ADD COLUMN addressee TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE jobs ADD COLUMN pdf_path TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE queries ADD COLUMN last_results INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE users ADD COLUMN presence TEXT NOT NULL DEFAULT '[]'`,
	},
}

// Store is the sqlite-backed persistence layer. Safe for concurrent use,
// write transactions are serialized on a store-level mutex.
type Store struct {
	db   *sqlx.DB
	flk  *flock.Flock
	path string

	writeMu sync.Mutex
}

// New opens (creating if needed) the database at path, takes an exclusive
// file lock next to it and brings the schema up to date. A second process on
// the same path gets ErrUnavailable.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: make data dir: %v", ErrUnavailable, err)
	}

	flk := flock.New(path + ".lock")
	locked, err := flk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock %s: %v", ErrUnavailable, flk.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is in use by another process", ErrUnavailable, path)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		_ = flk.Unlock()
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}

	res := &Store{db: db, flk: flk, path: path}
	if err := res.migrate(); err != nil {
		_ = db.Close()
		_ = flk.Unlock()
		return nil, err
	}
	return res, nil
}

// Close releases the database pool and the process lock.
func (s *Store) Close() error {
	errDB := s.db.Close()
	errLock := s.flk.Unlock()
	return errors.Join(errDB, errLock)
}

// migrate applies pending schema migrations. Refuses to touch a database
// written by a newer release.
func (s *Store) migrate() error {
	var ver int
	if err := s.db.Get(&ver, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("%w: read schema version: %v", ErrIO, err)
	}
	if ver > len(migrations) {
		return fmt.Errorf("%w: schema version %d, runtime supports up to %d", ErrVersion, ver, len(migrations))
	}
	if ver == len(migrations) {
		log.Printf("[DEBUG] store at %s, schema version %d is current", s.path, ver)
		return nil
	}

	for i := ver; i < len(migrations); i++ {
		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("%w: begin migration %d: %v", ErrIO, i+1, err)
		}
		for _, stmt := range migrations[i] {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("%w: apply migration %d: %v", ErrIO, i+1, err)
			}
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: bump schema version to %d: %v", ErrIO, i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%w: commit migration %d: %v", ErrIO, i+1, err)
		}
	}
	log.Printf("[INFO] store opened at %s, schema migrated %d -> %d", s.path, ver, len(migrations))
	return nil
}

// Version returns the current schema version.
func (s *Store) Version() (int, error) {
	var ver int
	if err := s.db.Get(&ver, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("%w: read schema version: %v", ErrIO, err)
	}
	return ver, nil
}

// tx runs fn inside a write transaction. Writers are serialized, a write
// blocks until the one before it commits or rolls back. Readers don't take
// this path and are not blocked.
func (s *Store) tx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrIO, err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("[WARN] failed to rollback transaction: %v", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrIO, err)
	}
	return nil
}

// jsonValue encodes a slice-backed column as its JSON text representation
func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return string(b), nil
}

// jsonScan decodes a JSON text column into dst, NULL scans as zero value
func jsonScan(src, dst any) error {
	if src == nil {
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Strings is an ordered list of strings kept in a JSON text column.
type Strings []string

// Value implements driver.Valuer
func (s Strings) Value() (driver.Value, error) { return jsonValue([]string(s)) }

// Scan implements sql.Scanner
func (s *Strings) Scan(src any) error { return jsonScan(src, (*[]string)(s)) }
