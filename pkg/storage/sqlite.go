// Package storage persists sessions, steps, chat, and batch results in
// SQLite. The core treats it as an opaque get/put collaborator.
package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema.sql
var schemaSQL string

// Store manages SQLite database operations.
type Store struct {
	db         *sql.DB
	observers  []Observer
	observerMu sync.RWMutex
}

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// New creates a store and initializes the database at the given path. The
// special value ":memory:" opens an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer at a time, multiple readers with WAL.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Wait instead of immediately returning SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddObserver registers an observer that will receive storage events.
func (s *Store) AddObserver(observer Observer) {
	s.observerMu.Lock()
	s.observers = append(s.observers, observer)
	s.observerMu.Unlock()
}

// notify fans out events to observers without blocking the writer.
func (s *Store) notify(event Event) {
	s.observerMu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.observerMu.RUnlock()

	for _, observer := range observers {
		observer := observer
		go observer.HandleStorageEvent(event)
	}
}

// execRetry runs a write with exponential backoff on transient lock errors.
func (s *Store) execRetry(query string, args ...any) (sql.Result, error) {
	const maxRetries = 3
	baseDelay := 100 * time.Millisecond

	var res sql.Result
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res, err = s.db.Exec(query, args...)
		if err == nil {
			return res, nil
		}
		if isBusyError(err) && attempt < maxRetries {
			time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
			continue
		}
		return nil, err
	}
	return res, err
}

// Migration represents a database schema migration.
type Migration struct {
	Version int
	Name    string
	Apply   func(db *sql.DB) error
}

// migrations is the ordered list of all migrations. The base schema is
// version 1; later entries alter existing databases in place.
var migrations = []Migration{
	{1, "initial_schema", func(db *sql.DB) error { return nil }},
	{2, "sessions_message", ensureSessionsMessageColumn},
}

// runMigrations applies the base schema then any pending migrations.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		if err := m.Apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if err := recordMigration(db, m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

func recordMigration(db *sql.DB, version int, name string) error {
	_, err := db.Exec(
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		version, name,
	)
	return err
}

// GetSchemaVersion returns the current schema version.
func (s *Store) GetSchemaVersion() (int, error) {
	return getSchemaVersion(s.db)
}

// ensureSessionsMessageColumn adds the terminal result message column to
// databases created before it existed.
func ensureSessionsMessageColumn(db *sql.DB) error {
	rows, err := db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("sessions pragma: %w", err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan sessions pragma: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !cols["message"] {
		if _, err := db.Exec(`ALTER TABLE sessions ADD COLUMN message TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add sessions message: %w", err)
		}
	}
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
