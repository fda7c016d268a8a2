// Package store implements the durable persistence substrate for the
// conversation cache: a schema-versioned SQLite database holding sessions,
// messages, and active-stream bookkeeping records.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"convocache/internal/logging"
	"convocache/internal/types"

	_ "modernc.org/sqlite"
)

// timeLayout stores timestamps with a fixed-width fraction and offset so the
// lexicographic order SQLite uses on DATETIME text matches chronological
// order. The driver parses it back into time.Time on scan.
const timeLayout = "2006-01-02 15:04:05.000000000-07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Store owns all persisted bytes of the conversation cache. Every typed view
// (messages, sessions, streams) is a method set over this one handle; no other
// component caches row data that could go stale across a reload.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	dbPath   string
	inMemory bool
}

// New opens (or creates) the cache database at the given path. Opening is
// idempotent: on first use it creates all collections and indexes, on version
// mismatch it runs migrations in order, and it fails with SchemaError when the
// database was written by a newer schema than this build supports.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "store.New")
	defer timer.Stop()

	logging.Store("Opening conversation cache at: %s", path)

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, storeErr("mkdir", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, storeErr("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign_keys: %v", err)
	}

	s := &Store{db: db, dbPath: path, inMemory: inMemory}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewWithRecovery opens the database, degrading instead of failing:
//   - SchemaError (newer writer): the on-disk cache is wiped and rebuilt
//     empty, to be re-hydrated from server truth.
//   - any other open failure (restricted environments, broken disk): falls
//     back to a memory-only store so the host app loses the offline cache but
//     never crashes.
func NewWithRecovery(path string) (*Store, error) {
	s, err := New(path)
	if err == nil {
		return s, nil
	}

	if IsSchemaError(err) && path != ":memory:" {
		logging.Get(logging.CategoryBoot).Warn("Cache reset required: %v", err)
		removeDatabaseFiles(path)
		if s, err = New(path); err == nil {
			return s, nil
		}
	}

	logging.Get(logging.CategoryBoot).Warn("Persistent cache unavailable, falling back to memory-only: %v", err)
	return New(":memory:")
}

// removeDatabaseFiles deletes the database plus its WAL sidecar files.
func removeDatabaseFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logging.Get(logging.CategoryStore).Warn("Failed to remove %s: %v", p, err)
		}
	}
}

// initialize creates or migrates the schema.
func (s *Store) initialize() error {
	version, err := GetSchemaVersion(s.db)
	if err != nil {
		return storeErr("schema version", err)
	}

	switch {
	case version > CurrentSchemaVersion:
		logging.Get(logging.CategoryBoot).Error("Database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
		return &SchemaError{Found: version, Supported: CurrentSchemaVersion}
	case version == 0:
		logging.Store("Creating fresh schema at v%d", CurrentSchemaVersion)
		if err := createCurrentSchema(s.db); err != nil {
			return storeErr("create schema", err)
		}
		if err := SetSchemaVersion(s.db, CurrentSchemaVersion); err != nil {
			return storeErr("record schema version", err)
		}
	case version < CurrentSchemaVersion:
		// Disk databases get a file backup first so a failed migration can
		// be rolled back wholesale.
		var backupPath string
		if !s.inMemory {
			if backupPath, err = CreateBackup(s.dbPath); err != nil {
				return storeErr("backup", err)
			}
		}
		if _, err := RunMigrations(s.db, version, CurrentSchemaVersion); err != nil {
			if backupPath != "" {
				if restoreErr := RestoreBackup(s.dbPath, backupPath); restoreErr != nil {
					logging.Get(logging.CategoryBoot).Error("Failed to restore backup after migration failure: %v", restoreErr)
				}
			}
			return err
		}
		if backupPath != "" {
			os.Remove(backupPath)
		}
	default:
		// Already current; re-run idempotent DDL so a partially created
		// database heals itself.
		if err := createCurrentSchema(s.db); err != nil {
			return storeErr("ensure schema", err)
		}
	}

	return nil
}

// createCurrentSchema creates all collections and indexes of the current
// schema version. Every statement is idempotent.
func createCurrentSchema(db *sql.DB) error {
	sessionsTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_accessed DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		branch_point_id TEXT,
		branch_name TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_accessed ON sessions(last_accessed);
	CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id);
	`

	messagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`

	streamsTable := `
	CREATE TABLE IF NOT EXISTS active_streams (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'streaming',
		started_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, message_id)
	);
	`

	for _, table := range []string{sessionsTable, messagesTable, streamsTable} {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path (":memory:" for the fallback store).
func (s *Store) Path() string {
	return s.dbPath
}

// InMemory reports whether this store is the memory-only fallback.
func (s *Store) InMemory() bool {
	return s.inMemory
}

// withTx runs fn inside a transaction with guaranteed commit-or-rollback.
// Callers must already hold the appropriate lock.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Stats returns diagnostic counts across all collections.
func (s *Store) Stats() (types.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st types.Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.SessionCount); err != nil {
		return st, storeErr("stats sessions", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&st.MessageCount); err != nil {
		return st, storeErr("stats messages", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM active_streams").Scan(&st.ActiveStreamCount); err != nil {
		return st, storeErr("stats streams", err)
	}
	return st, nil
}
