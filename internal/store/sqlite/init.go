package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the schema if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// A single connection keeps token allocation serialized without
	// SQLITE_BUSY surprises.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS download_jobs (
			package_id TEXT PRIMARY KEY,
			session_token INTEGER NOT NULL,
			source_url TEXT NOT NULL DEFAULT '',
			expected_digest TEXT NOT NULL DEFAULT '',
			declared_size INTEGER NOT NULL DEFAULT 0,
			container_kind TEXT NOT NULL DEFAULT 'unknown',
			state TEXT NOT NULL DEFAULT 'queued',
			local_path TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			unverified INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT
		)`,
		`CREATE TABLE IF NOT EXISTS retryable_requests (
			package_id TEXT PRIMARY KEY,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			checked_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, err
		}
	}

	return db, nil
}
