package store

import (
	"fmt"
	"time"
)

// migration statements must run on both SQLite and Postgres, so the schema
// sticks to TEXT, BIGINT and DOUBLE PRECISION and one statement per entry.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "source_calibrations: per (owner, source) satisfaction offset",
		Statements: []string{`
CREATE TABLE source_calibrations (
    id                 TEXT PRIMARY KEY,
    owner_id           TEXT NOT NULL,
    source_id          TEXT NOT NULL,

    -- Rolling window counters
    items_shown        BIGINT NOT NULL DEFAULT 0 CHECK (items_shown >= 0),
    items_liked        BIGINT NOT NULL DEFAULT 0 CHECK (items_liked >= 0),
    items_disliked     BIGINT NOT NULL DEFAULT 0 CHECK (items_disliked >= 0),
    window_start       BIGINT,

    -- Derived
    rolling_hit_rate   DOUBLE PRECISION,
    calibration_offset DOUBLE PRECISION NOT NULL DEFAULT 0,

    version            BIGINT NOT NULL DEFAULT 0,
    created_at         BIGINT NOT NULL,
    updated_at         BIGINT NOT NULL,

    UNIQUE (owner_id, source_id)
)`,
			`CREATE INDEX idx_calibrations_owner ON source_calibrations(owner_id)`,
		},
	},
	{
		Version:     2,
		Description: "account_trust_policies: per (source, handle) decayed trust",
		Statements: []string{`
CREATE TABLE account_trust_policies (
    id               TEXT PRIMARY KEY,
    source_id        TEXT NOT NULL,
    handle           TEXT NOT NULL,
    mode             TEXT NOT NULL DEFAULT 'auto' CHECK (mode IN ('auto', 'always', 'mute')),

    -- Decay
    pos_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    neg_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_feedback_at BIGINT,
    last_updated_at  BIGINT,

    version          BIGINT NOT NULL DEFAULT 0,
    created_at       BIGINT NOT NULL,
    updated_at       BIGINT NOT NULL,

    UNIQUE (source_id, handle)
)`,
			`CREATE INDEX idx_policies_source ON account_trust_policies(source_id)`,
		},
	},
	{
		Version:     3,
		Description: "feedback_events: external event log (read-only here)",
		Statements: []string{`
CREATE TABLE IF NOT EXISTS feedback_events (
    id              TEXT PRIMARY KEY,
    owner_id        TEXT NOT NULL,
    source_id       TEXT NOT NULL,
    content_item_id TEXT NOT NULL DEFAULT '',
    author_handle   TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    occurred_at     BIGINT NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_feedback_source_time ON feedback_events(source_id, occurred_at)`,
		},
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow(db.rebind("SELECT COUNT(*) FROM schema_versions WHERE version = ?"), m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		for _, stmt := range m.Statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}

		if _, err := tx.Exec(
			db.rebind("INSERT INTO schema_versions (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UnixMilli(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
