// Package persistence provides the SQLite schema and queries behind the
// durable session checkpoint store.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"codeagent/pkg/logx"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open connects to the database at path, applies pending migrations and
// limits the pool to the single writer SQLite supports.
func Open(path string) (*sql.DB, error) {
	logger := logx.NewLogger("persistence")

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection, so an in-memory database is shared by every query.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("database ready: %s (schema v%d)", path, CurrentSchemaVersion)
	return db, nil
}

func dsn(path string) string {
	if path == MemoryPath {
		return "file::memory:?_busy_timeout=5000"
	}
	return fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path)
}
