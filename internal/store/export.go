package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"corpusd/internal/chunker"
	"corpusd/internal/config"
	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// ExportFormatVersion is checked on restore. Bump only with a migration.
const ExportFormatVersion = "1.0"

// ExportManifest accompanies every export file.
type ExportManifest struct {
	FormatVersion  string            `json:"format_version"`
	ExportedAt     time.Time         `json:"exported_at"`
	ProjectName    string            `json:"project_name"`
	KnowledgeBases []string          `json:"knowledge_bases"`
	Stats          map[string]int    `json:"stats"`
	Schema         map[string]string `json:"schema"`
}

const exportSchema = `
CREATE TABLE knowledge_bases (
	id          INTEGER PRIMARY KEY,
	name        TEXT NOT NULL,
	slug        TEXT NOT NULL,
	kb_type     TEXT NOT NULL,
	description TEXT NOT NULL,
	dimensions  INTEGER NOT NULL,
	created_at  DATETIME NOT NULL
);
CREATE TABLE documents (
	id          INTEGER PRIMARY KEY,
	kb_id       INTEGER NOT NULL,
	kb_name     TEXT NOT NULL,
	title       TEXT NOT NULL,
	content     TEXT NOT NULL,
	source_file TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL
);
CREATE TABLE embeddings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL,
	embedding   BLOB NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	dimensions  INTEGER NOT NULL
);
CREATE TABLE export_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// ExportProject writes a read-only snapshot of a project's KBs to
// <dir>/<project>_<ts>.db plus a manifest JSON next to it. Returns both
// paths.
func (s *Store) ExportProject(projectName, dir string) (dbPath, manifestPath string, err error) {
	project, err := s.GetProjectByName(projectName)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("create export dir: %w", err)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	base := fmt.Sprintf("%s_%s", types.Slugify(projectName), ts)
	dbPath = filepath.Join(dir, base+".db")
	manifestPath = filepath.Join(dir, base+".manifest.json")

	out, err := sql.Open(driverName, dbPath)
	if err != nil {
		return "", "", fmt.Errorf("open export db: %w", err)
	}
	defer out.Close()
	if _, err := out.Exec(exportSchema); err != nil {
		return "", "", fmt.Errorf("create export schema: %w", err)
	}

	manifest := ExportManifest{
		FormatVersion: ExportFormatVersion,
		ExportedAt:    time.Now().UTC(),
		ProjectName:   projectName,
		Stats:         map[string]int{},
		Schema: map[string]string{
			"documents":  "id, kb_id, kb_name, title, content, source_file, metadata, created_at",
			"embeddings": "id, document_id, embedding, model, dimensions",
		},
	}

	tx, err := out.Begin()
	if err != nil {
		return "", "", fmt.Errorf("begin export tx: %w", err)
	}
	defer tx.Rollback()

	for _, role := range types.ProjectRoles {
		kbID, ok := project.KBs[role]
		if !ok {
			continue
		}
		kb, err := s.GetKBByID(kbID)
		if err != nil {
			return "", "", err
		}
		manifest.KnowledgeBases = append(manifest.KnowledgeBases, kb.Name)

		if _, err := tx.Exec(`
			INSERT INTO knowledge_bases (id, name, slug, kb_type, description, dimensions, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			kb.ID, kb.Name, kb.Slug, string(kb.Type), kb.Description, kb.Dimensions, kb.CreatedAt); err != nil {
			return "", "", fmt.Errorf("export kb %q: %w", kb.Name, err)
		}

		docs, err := s.ListDocuments(kbID)
		if err != nil {
			return "", "", err
		}
		stored, err := s.ChunksForKB(kbID)
		if err != nil {
			return "", "", err
		}
		chunksByDoc := make(map[int64][]types.Chunk)
		vecByDoc := make(map[int64][]float32)
		for _, sc := range stored {
			chunksByDoc[sc.Chunk.DocumentID] = append(chunksByDoc[sc.Chunk.DocumentID], sc.Chunk)
			if sc.Vector != nil && vecByDoc[sc.Chunk.DocumentID] == nil {
				vecByDoc[sc.Chunk.DocumentID] = sc.Vector
			}
		}

		for _, doc := range docs {
			content := chunker.Reassemble(chunksByDoc[doc.ID])
			metadata := "{}"
			if len(doc.Metadata) > 0 {
				if data, err := json.Marshal(doc.Metadata); err == nil {
					metadata = string(data)
				}
			}
			if _, err := tx.Exec(`
				INSERT INTO documents (id, kb_id, kb_name, title, content, source_file, metadata, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				doc.ID, kb.ID, kb.Name, doc.Filename, content, doc.SourcePath, metadata, doc.CreatedAt); err != nil {
				return "", "", fmt.Errorf("export document %q: %w", doc.Filename, err)
			}
			if vec := vecByDoc[doc.ID]; vec != nil {
				if _, err := tx.Exec(`
					INSERT INTO embeddings (document_id, embedding, model, dimensions)
					VALUES (?, ?, ?, ?)`,
					doc.ID, EncodeVector(vec), "", len(vec)); err != nil {
					return "", "", fmt.Errorf("export embedding for %q: %w", doc.Filename, err)
				}
			}
			manifest.Stats["documents"]++
		}
		manifest.Stats["knowledge_bases"]++
	}

	if _, err := tx.Exec(
		"INSERT INTO export_metadata (key, value) VALUES ('format_version', ?), ('exported_at', ?)",
		ExportFormatVersion, manifest.ExportedAt.Format(time.RFC3339)); err != nil {
		return "", "", fmt.Errorf("export metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit export: %w", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return "", "", fmt.Errorf("write manifest: %w", err)
	}

	logging.Store("exported project %q: %d kbs, %d documents",
		projectName, manifest.Stats["knowledge_bases"], manifest.Stats["documents"])
	return dbPath, manifestPath, nil
}

// Restore imports an export file back into the store. KBs are created when
// missing; document content is re-chunked with the default chunker and left
// un-embedded for the next semantic index pass.
func (s *Store) Restore(exportPath string) error {
	in, err := sql.Open(driverName, exportPath)
	if err != nil {
		return fmt.Errorf("open export %s: %w", exportPath, err)
	}
	defer in.Close()

	var version string
	err = in.QueryRow("SELECT value FROM export_metadata WHERE key = 'format_version'").Scan(&version)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "export %s has no format_version", exportPath)
	}
	if version != ExportFormatVersion {
		return types.E(types.KindValidation,
			"export format %s not supported (want %s)", version, ExportFormatVersion)
	}

	type exportedKB struct {
		name, slug, kbType, description string
		dimensions                      int
	}
	kbs := map[int64]exportedKB{}
	rows, err := in.Query("SELECT id, name, slug, kb_type, description, dimensions FROM knowledge_bases")
	if err != nil {
		return fmt.Errorf("read exported kbs: %w", err)
	}
	for rows.Next() {
		var id int64
		var kb exportedKB
		if err := rows.Scan(&id, &kb.name, &kb.slug, &kb.kbType, &kb.description, &kb.dimensions); err != nil {
			rows.Close()
			return err
		}
		kbs[id] = kb
	}
	rows.Close()

	// Map exported kb ids to live ids, creating KBs as needed.
	liveID := map[int64]int64{}
	for id, kb := range kbs {
		existing, err := s.GetKB(kb.name)
		if err == nil {
			liveID[id] = existing.ID
			continue
		}
		if !types.IsKind(err, types.KindNotFound) {
			return err
		}
		created, err := s.CreateKB(kb.name, types.KBType(kb.kbType), kb.description, kb.dimensions)
		if err != nil {
			return err
		}
		liveID[id] = created.ID
	}

	ck := chunker.New(config.ChunkingConfig{})
	docRows, err := in.Query("SELECT kb_id, title, content, source_file, metadata FROM documents ORDER BY id")
	if err != nil {
		return fmt.Errorf("read exported documents: %w", err)
	}
	defer docRows.Close()

	restored := 0
	for docRows.Next() {
		var kbID int64
		var title, content, sourceFile, metadata string
		if err := docRows.Scan(&kbID, &title, &content, &sourceFile, &metadata); err != nil {
			return err
		}
		target, ok := liveID[kbID]
		if !ok {
			continue
		}

		doc := types.Document{
			Filename:    title,
			SourcePath:  sourceFile,
			Size:        int64(len(content)),
			ContentHash: types.HashBytes([]byte(content)),
		}
		if metadata != "" && metadata != "{}" {
			json.Unmarshal([]byte(metadata), &doc.Metadata)
		}
		chunks := ck.Chunk(content, title, nil)
		if _, err := s.UpsertDocument(target, doc, chunks, nil); err != nil {
			return fmt.Errorf("restore document %q: %w", title, err)
		}
		restored++
	}
	if err := docRows.Err(); err != nil {
		return err
	}

	logging.Store("restored %d documents from %s", restored, filepath.Base(exportPath))
	return nil
}

// FindExport resolves a backup id (export file base name, with or without
// extension) inside the exports directory.
func FindExport(exportsDir, backupID string) (string, error) {
	candidates := []string{
		filepath.Join(exportsDir, backupID),
		filepath.Join(exportsDir, backupID+".db"),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() && strings.HasSuffix(c, ".db") {
			return c, nil
		}
	}
	return "", types.E(types.KindNotFound, "backup %q not found in %s", backupID, exportsDir)
}
