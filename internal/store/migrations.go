package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"convocache/internal/logging"
)

// Schema versions:
// v1: sessions + messages tables
// v2: active_streams table for crash-recoverable stream tracking
// v3: branch columns on sessions (parent_id, branch_point_id, branch_name)
//     plus the parent index for lazy tree materialization
const CurrentSchemaVersion = 3

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	FromVersion   int
	ToVersion     int
	MigrationsRun int
	Duration      time.Duration
}

// GetSchemaVersion returns the schema version of a database. If no version
// marker exists, the version is inferred from table structure; 0 means empty.
func GetSchemaVersion(db *sql.DB) (int, error) {
	if tableExists(db, "schema_versions") {
		var version int
		query := "SELECT version FROM schema_versions ORDER BY applied_at DESC, id DESC LIMIT 1"
		if err := db.QueryRow(query).Scan(&version); err == nil {
			logging.StoreDebug("Schema version from marker table: %d", version)
			return version, nil
		}
		logging.StoreDebug("schema_versions table exists but holds no record")
	}
	return inferSchemaVersion(db), nil
}

// inferSchemaVersion determines the version from table structure, for
// databases written before the marker table existed.
func inferSchemaVersion(db *sql.DB) int {
	if !tableExists(db, "sessions") {
		logging.StoreDebug("No sessions table - version 0")
		return 0
	}
	if columnExists(db, "sessions", "parent_id") {
		logging.StoreDebug("Found parent_id column - version 3")
		return 3
	}
	if tableExists(db, "active_streams") {
		logging.StoreDebug("Found active_streams table - version 2")
		return 2
	}
	logging.StoreDebug("Base table structure - version 1")
	return 1
}

// SetSchemaVersion records a new schema version in the database.
func SetSchemaVersion(db *sql.DB, version int) error {
	createTable := `
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			description TEXT
		)
	`
	if _, err := db.Exec(createTable); err != nil {
		return fmt.Errorf("failed to create schema_versions table: %w", err)
	}

	desc := fmt.Sprintf("Migrated to schema version %d", version)
	if _, err := db.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		version, desc,
	); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	logging.Store("Schema version set to %d", version)
	return nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// MigrateV1ToV2 creates the active_streams table.
func MigrateV1ToV2(db *sql.DB) error {
	logging.Store("Migrating v1 -> v2: creating active_streams table")

	if tableExists(db, "active_streams") {
		logging.Store("active_streams table already exists, skipping")
		return nil
	}

	query := `CREATE TABLE active_streams (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'streaming',
		started_at DATETIME NOT NULL,
		PRIMARY KEY (session_id, message_id)
	)`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create active_streams table: %w", err)
	}
	return nil
}

// MigrateV2ToV3 adds the branch columns to sessions.
func MigrateV2ToV3(db *sql.DB) error {
	logging.Store("Migrating v2 -> v3: adding branch columns to sessions")

	columns := []struct {
		name string
		def  string
	}{
		{"parent_id", "TEXT"},
		{"branch_point_id", "TEXT"},
		{"branch_name", "TEXT"},
	}
	for _, c := range columns {
		if columnExists(db, "sessions", c.name) {
			logging.StoreDebug("Column already exists, skipping: sessions.%s", c.name)
			continue
		}
		query := fmt.Sprintf("ALTER TABLE sessions ADD COLUMN %s %s", c.name, c.def)
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to add sessions.%s: %w", c.name, err)
		}
		logging.Store("Migration applied: added sessions.%s", c.name)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id)"); err != nil {
		return fmt.Errorf("failed to create parent index: %w", err)
	}
	return nil
}

// RunMigrations brings the database from one schema version to another by
// running each step in order. The version marker is updated on success.
func RunMigrations(db *sql.DB, from, to int) (*MigrationResult, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "RunMigrations")
	defer timer.Stop()

	startTime := time.Now()
	result := &MigrationResult{FromVersion: from, ToVersion: to}

	logging.Store("Database at schema v%d, target v%d", from, to)

	if from >= to {
		result.Duration = time.Since(startTime)
		return result, nil
	}

	for v := from; v < to; v++ {
		nextVersion := v + 1
		logging.Store("Running migration v%d -> v%d", v, nextVersion)

		var migrationErr error
		switch nextVersion {
		case 2:
			migrationErr = MigrateV1ToV2(db)
		case 3:
			migrationErr = MigrateV2ToV3(db)
		default:
			migrationErr = fmt.Errorf("unknown migration: v%d -> v%d", v, nextVersion)
		}

		if migrationErr != nil {
			logging.Get(logging.CategoryBoot).Error("Migration v%d -> v%d failed: %v", v, nextVersion, migrationErr)
			return nil, storeErr("migrate", migrationErr)
		}
		result.MigrationsRun++
	}

	if err := SetSchemaVersion(db, to); err != nil {
		return nil, storeErr("record schema version", err)
	}

	result.Duration = time.Since(startTime)
	logging.Store("Migration complete: v%d -> v%d in %v (steps=%d)",
		from, to, result.Duration, result.MigrationsRun)
	return result, nil
}

// CreateBackup creates a backup copy of the database file before a migration.
func CreateBackup(dbPath string) (string, error) {
	timestamp := time.Now().Format("20060102_150405")
	backupPath := dbPath + fmt.Sprintf(".backup_%s", timestamp)

	logging.Store("Creating database backup: %s -> %s", dbPath, backupPath)

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open source database: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	bytesCopied, err := io.Copy(dst, src)
	if err != nil {
		return "", fmt.Errorf("failed to copy database to backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync backup to disk: %w", err)
	}

	logging.Store("Database backup created: %s (%d bytes)", backupPath, bytesCopied)
	return backupPath, nil
}

// RestoreBackup restores a database from a backup file.
func RestoreBackup(dbPath, backupPath string) error {
	logging.Store("Restoring database from backup: %s -> %s", backupPath, dbPath)

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(dbPath)
	if err != nil {
		return fmt.Errorf("failed to create database file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to restore from backup: %w", err)
	}
	return dst.Sync()
}
