// Package sqlite provides SQLite-based persistent storage for ktstudio.
// Uses WAL mode for concurrent reads and crash-safe writes.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sqlx.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serialises the claim statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Task queue
		`CREATE TABLE IF NOT EXISTS tasks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL,
			progress     INTEGER NOT NULL DEFAULT 0,
			eta_seconds  INTEGER NOT NULL DEFAULT 0,
			project_id   INTEGER NOT NULL DEFAULT 0,
			character_id INTEGER NOT NULL DEFAULT 0,
			scene_id     INTEGER NOT NULL DEFAULT 0,
			video_id     INTEGER NOT NULL DEFAULT 0,
			payload      TEXT NOT NULL DEFAULT '{}',
			result       TEXT,
			error        TEXT,
			error_kind   TEXT,
			created_at   INTEGER NOT NULL,
			started_at   INTEGER,
			completed_at INTEGER,
			duration_ms  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_character ON tasks(character_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_scene ON tasks(scene_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_video ON tasks(video_id)`,
		// At most one running row, whatever the caller does.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_single_running ON tasks(status) WHERE status = 'running'`,

		// Entities
		`CREATE TABLE IF NOT EXISTS style_presets (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			name            TEXT NOT NULL,
			engine_hint     TEXT NOT NULL DEFAULT '',
			style_pos       TEXT NOT NULL DEFAULT '',
			style_neg       TEXT NOT NULL DEFAULT '',
			llm_style_guard TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			code       TEXT NOT NULL UNIQUE,
			name       TEXT NOT NULL,
			style_id   INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS characters (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id      INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name            TEXT NOT NULL,
			sex             TEXT NOT NULL DEFAULT '',
			mark            TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			prompt_pos      TEXT NOT NULL DEFAULT '',
			prompt_neg      TEXT NOT NULL DEFAULT '',
			base_image_path TEXT NOT NULL DEFAULT '',
			views           TEXT NOT NULL DEFAULT '{}',
			status          TEXT NOT NULL DEFAULT 'draft',
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_characters_project ON characters(project_id)`,
		`CREATE TABLE IF NOT EXISTS scenes (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id        INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name              TEXT NOT NULL,
			scene_type        TEXT NOT NULL DEFAULT '',
			episode           INTEGER NOT NULL DEFAULT 0,
			shot              INTEGER NOT NULL DEFAULT 0,
			base_desc         TEXT NOT NULL DEFAULT '',
			scene_desc        TEXT NOT NULL DEFAULT '',
			prompt_pos        TEXT NOT NULL DEFAULT '',
			prompt_neg        TEXT NOT NULL DEFAULT '',
			base_image_path   TEXT NOT NULL DEFAULT '',
			merged_image_path TEXT NOT NULL DEFAULT '',
			final_image_path  TEXT NOT NULL DEFAULT '',
			composite_steps   TEXT NOT NULL DEFAULT '[]',
			video_context     TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL DEFAULT 'draft',
			updated_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scenes_project ON scenes(project_id)`,
		`CREATE TABLE IF NOT EXISTS scene_characters (
			scene_id     INTEGER NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
			character_id INTEGER NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
			position     INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (scene_id, character_id)
		)`,
		`CREATE TABLE IF NOT EXISTS videos (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			scene_id   INTEGER NOT NULL REFERENCES scenes(id) ON DELETE CASCADE,
			prompt_pos TEXT NOT NULL DEFAULT '',
			prompt_neg TEXT NOT NULL DEFAULT '',
			video_path TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'draft',
			updated_at INTEGER NOT NULL
		)`,

		// Operator-visible log
		`CREATE TABLE IF NOT EXISTS system_logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			module     TEXT NOT NULL,
			title      TEXT NOT NULL,
			content    TEXT NOT NULL,
			level      TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_logs_created ON system_logs(created_at)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────
// Timestamps are stored as unix milliseconds.

func unixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// encodeJSON marshals v for a TEXT column; nil yields NULL.
func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
