package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "records: tiered memory records",
		SQL: `
CREATE TABLE records (
    id               TEXT PRIMARY KEY,
    tier             TEXT NOT NULL CHECK (tier IN ('working', 'episodic', 'semantic')),
    content          TEXT NOT NULL DEFAULT '',

    -- Consolidation state
    strength         REAL NOT NULL DEFAULT 1.0 CHECK (strength >= 0 AND strength <= 1),
    importance       REAL NOT NULL DEFAULT 5.0,
    access_count     INTEGER NOT NULL DEFAULT 0,
    total_accesses   INTEGER NOT NULL DEFAULT 0,
    archived         INTEGER NOT NULL DEFAULT 0,
    decayed_at       INTEGER,
    associated_at    INTEGER,

    -- Promotion
    source_id        TEXT,
    promoted_to      TEXT,
    promoting        INTEGER NOT NULL DEFAULT 0,

    -- Metadata
    tags             TEXT NOT NULL DEFAULT '[]',
    metadata         TEXT NOT NULL DEFAULT '{}',
    created_at       INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL
);

CREATE INDEX idx_records_tier     ON records(tier, archived);
CREATE INDEX idx_records_created  ON records(created_at, id);
CREATE INDEX idx_records_accessed ON records(last_accessed_at);
CREATE INDEX idx_records_source   ON records(source_id);
`,
	},
	{
		Version:     2,
		Description: "record_vectors: embedding vectors for similarity search",
		SQL: `
CREATE TABLE record_vectors (
    record_id  TEXT PRIMARY KEY,
    embedding  BLOB NOT NULL,
    model      TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (record_id) REFERENCES records(id) ON DELETE CASCADE
);
`,
	},
	{
		Version:     3,
		Description: "patterns: discovered pattern clusters",
		SQL: `
CREATE TABLE patterns (
    id                 TEXT PRIMARY KEY,
    centroid           BLOB NOT NULL,
    source_record_ids  TEXT NOT NULL DEFAULT '[]',
    instance_count     INTEGER NOT NULL,
    strength           REAL NOT NULL CHECK (strength >= 0 AND strength <= 1),
    feature_summary    TEXT NOT NULL DEFAULT '{}',
    representative     TEXT NOT NULL DEFAULT '',
    votes_positive     INTEGER NOT NULL DEFAULT 0,
    votes_total        INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    last_reinforced_at INTEGER NOT NULL
);

CREATE INDEX idx_patterns_created ON patterns(created_at, id);
`,
	},
	{
		Version:     4,
		Description: "edges: concept association graph",
		SQL: `
CREATE TABLE edges (
    from_concept        TEXT NOT NULL,
    to_concept          TEXT NOT NULL,
    strength            REAL NOT NULL,
    co_occurrence_count INTEGER NOT NULL DEFAULT 0,
    activation_count    INTEGER NOT NULL DEFAULT 0,
    created_at          INTEGER NOT NULL,
    last_activated_at   INTEGER,
    PRIMARY KEY (from_concept, to_concept)
);

CREATE INDEX idx_edges_from ON edges(from_concept, strength DESC);
`,
	},
	{
		Version:     5,
		Description: "privacy_sessions: differential privacy budget per session",
		SQL: `
CREATE TABLE privacy_sessions (
    session_id         TEXT PRIMARY KEY,
    cumulative_epsilon REAL NOT NULL DEFAULT 0 CHECK (cumulative_epsilon >= 0),
    ceiling            REAL NOT NULL CHECK (ceiling > 0),
    status             TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'closed')),
    started_at         INTEGER NOT NULL,
    ended_at           INTEGER
);

CREATE INDEX idx_privacy_sessions_status ON privacy_sessions(status, started_at DESC);
`,
	},
	{
		Version:     6,
		Description: "share_audit: privacy gate decisions",
		SQL: `
CREATE TABLE share_audit (
    id         INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    pattern_id TEXT NOT NULL,
    decision   TEXT NOT NULL CHECK (decision IN ('released', 'rejected')),
    reason     TEXT NOT NULL DEFAULT '',
    scope      TEXT NOT NULL DEFAULT '',
    epsilon    REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX idx_audit_session ON share_audit(session_id);
CREATE INDEX idx_audit_created ON share_audit(created_at DESC);
`,
	},
	{
		Version:     7,
		Description: "consolidation_runs: scheduler run history",
		SQL: `
CREATE TABLE consolidation_runs (
    id           TEXT PRIMARY KEY,
    state        TEXT NOT NULL CHECK (state IN ('running', 'completed', 'failed')),
    window_start INTEGER NOT NULL,
    window_end   INTEGER NOT NULL,
    report       TEXT NOT NULL DEFAULT '{}',
    error        TEXT NOT NULL DEFAULT '',
    started_at   INTEGER NOT NULL,
    finished_at  INTEGER
);

CREATE INDEX idx_runs_state ON consolidation_runs(state, window_end DESC);
`,
	},
	{
		Version:     8,
		Description: "records: promotion claim lease",
		SQL: `
ALTER TABLE records ADD COLUMN promoting_at INTEGER;
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
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

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
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
