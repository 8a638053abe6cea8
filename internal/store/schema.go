package store

import (
	"database/sql"
	"fmt"

	"corpusd/internal/logging"
)

// Schema versions:
// v1: initial layout (KBs, projects, documents, chunks, embeddings, symbols,
//     dependency_edges, repo_maps, hooks, jobs_snapshot, session_state)
// v2: documents.metadata column for free-form key/value pairs
// v3: hooks.paused_at column for backpressure reconciliation
const CurrentSchemaVersion = 3

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_bases (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	slug        TEXT NOT NULL UNIQUE,
	kb_type     TEXT NOT NULL DEFAULT 'generic',
	description TEXT NOT NULL DEFAULT '',
	dimensions  INTEGER NOT NULL DEFAULT 768,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS projects (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT NOT NULL UNIQUE,
	path        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS project_kbs (
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	kb_id      INTEGER NOT NULL UNIQUE REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	PRIMARY KEY (project_id, role)
);

CREATE TABLE IF NOT EXISTS documents (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kb_id        INTEGER NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	source_path  TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (kb_id, filename)
);
CREATE INDEX IF NOT EXISTS idx_documents_kb_filename ON documents(kb_id, filename);
CREATE INDEX IF NOT EXISTS idx_documents_kb_hash ON documents(kb_id, content_hash);

CREATE TABLE IF NOT EXISTS chunks (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	ordinal     INTEGER NOT NULL,
	text        TEXT NOT NULL,
	start_byte  INTEGER NOT NULL DEFAULT 0,
	end_byte    INTEGER NOT NULL DEFAULT 0,
	tokens      INTEGER NOT NULL DEFAULT 0,
	UNIQUE (document_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document_ordinal ON chunks(document_id, ordinal);

CREATE TABLE IF NOT EXISTS embeddings (
	chunk_id   INTEGER PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
	kb_id      INTEGER NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	dimensions INTEGER NOT NULL,
	vector     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_embeddings_kb ON embeddings(kb_id);

CREATE TABLE IF NOT EXISTS symbols (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kb_id      INTEGER NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	file       TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	line       INTEGER NOT NULL,
	signature  TEXT NOT NULL DEFAULT '',
	language   TEXT NOT NULL DEFAULT '',
	importance REAL NOT NULL DEFAULT 0,
	UNIQUE (kb_id, file, name, kind, line)
);
CREATE INDEX IF NOT EXISTS idx_symbols_kb_language ON symbols(kb_id, language);
CREATE INDEX IF NOT EXISTS idx_symbols_kb_importance ON symbols(kb_id, importance DESC);

CREATE TABLE IF NOT EXISTS dependency_edges (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	kb_id     INTEGER NOT NULL REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	from_file TEXT NOT NULL,
	to_file   TEXT NOT NULL,
	ident     TEXT NOT NULL DEFAULT '',
	kind      TEXT NOT NULL DEFAULT 'references',
	weight    REAL NOT NULL DEFAULT 1.0
);
CREATE INDEX IF NOT EXISTS idx_edges_kb ON dependency_edges(kb_id);

CREATE TABLE IF NOT EXISTS repo_maps (
	kb_id        INTEGER PRIMARY KEY REFERENCES knowledge_bases(id) ON DELETE CASCADE,
	text         TEXT NOT NULL,
	token_count  INTEGER NOT NULL,
	token_budget INTEGER NOT NULL,
	overflow     INTEGER NOT NULL DEFAULT 0,
	generated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS hooks (
	project_id   INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	enabled      INTEGER NOT NULL DEFAULT 0,
	folder_path  TEXT NOT NULL DEFAULT '',
	patterns     TEXT NOT NULL DEFAULT '[]',
	last_sync_at DATETIME,
	synced_files TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (project_id, role)
);

CREATE TABLE IF NOT EXISTS jobs_snapshot (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	progress     REAL NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	params       TEXT NOT NULL DEFAULT '{}',
	submitted_at DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs_snapshot(state);

CREATE TABLE IF NOT EXISTS session_state (
	project_id      INTEGER PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
	synced_files    TEXT NOT NULL DEFAULT '[]',
	last_structural DATETIME
);
`

// columnMigration adds a column to an existing table when missing.
type columnMigration struct {
	version int
	table   string
	column  string
	def     string
}

var columnMigrations = []columnMigration{
	{2, "documents", "metadata", "TEXT NOT NULL DEFAULT '{}'"},
	{3, "hooks", "paused_at", "DATETIME"},
}

// migrate creates the schema and applies pending forward migrations.
// Downgrades are not supported; a newer on-disk version is an error.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err == sql.ErrNoRows {
		version = 1
		if _, err := s.db.Exec("INSERT INTO schema_version (id, version) VALUES (1, ?)", version); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, CurrentSchemaVersion)
	}

	applied := 0
	for _, m := range columnMigrations {
		if m.version <= version {
			continue
		}
		if columnExists(s.db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.table, m.column, err)
		}
		applied++
	}

	if version < CurrentSchemaVersion {
		if _, err := s.db.Exec("UPDATE schema_version SET version = ? WHERE id = 1", CurrentSchemaVersion); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
		logging.Store("schema migrated v%d -> v%d (%d column adds)", version, CurrentSchemaVersion, applied)
	}
	return nil
}

// columnExists checks a column via PRAGMA table_info.
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
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
