package store

import "fmt"

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "runs: one row per engine invocation",
		SQL: `
CREATE TABLE runs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL CHECK (kind IN ('apply', 'decay', 'retrieve')),
    source       TEXT NOT NULL DEFAULT 'cli',
    profile      TEXT NOT NULL,
    policy       TEXT NOT NULL DEFAULT '',
    context      TEXT NOT NULL DEFAULT '{}',
    query        TEXT NOT NULL DEFAULT '',
    record_count INTEGER NOT NULL DEFAULT 0,
    audit_count  INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE INDEX idx_runs_created_at ON runs(created_at DESC);
`,
	},
	{
		Version:     2,
		Description: "snapshots: record batches before and after a run",
		SQL: `
CREATE TABLE snapshots (
    run_id    TEXT NOT NULL,
    phase     TEXT NOT NULL CHECK (phase IN ('before', 'after')),
    position  INTEGER NOT NULL,
    record_id TEXT NOT NULL,
    weight    REAL NOT NULL,
    shielded  INTEGER NOT NULL DEFAULT 0,
    data      TEXT NOT NULL,

    PRIMARY KEY (run_id, phase, position),
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX idx_snapshots_record ON snapshots(record_id);
`,
	},
	{
		Version:     3,
		Description: "audit_entries: audit log rows per run",
		SQL: `
CREATE TABLE audit_entries (
    run_id    TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    stage     TEXT NOT NULL CHECK (stage IN ('parser', 'engine')),
    type      TEXT NOT NULL,
    record_id TEXT NOT NULL DEFAULT '',
    weight_before REAL,
    weight_after  REAL,
    rule      TEXT NOT NULL DEFAULT '',
    at        INTEGER NOT NULL,

    PRIMARY KEY (run_id, seq),
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX idx_audit_type   ON audit_entries(type);
CREATE INDEX idx_audit_record ON audit_entries(record_id);
`,
	},
}

const schemaVersionsDDL = `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
)`

// migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (db *DB) migrate() error {
	if _, err := db.Exec(schemaVersionsDDL); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	current, err := db.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_versions (version, description) VALUES (?, ?)`,
		m.Version, m.Description); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, 0 for a new database.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&version)
	return version, err
}
