package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// UpsertDocument writes a document with its chunks and embeddings in one
// transaction, replacing any previous version of (kb, filename). embeddings
// may be nil for structural-only ingestion; when present it must be aligned
// with chunks and match the KB's dimension.
func (s *Store) UpsertDocument(kbID int64, doc types.Document, chunks []types.Chunk, embeddings [][]float32) (int64, error) {
	if doc.Filename == "" {
		return 0, types.E(types.KindValidation, "document filename must not be empty")
	}
	if embeddings != nil && len(embeddings) != len(chunks) {
		return 0, types.E(types.KindValidation,
			"embeddings count %d does not match chunk count %d", len(embeddings), len(chunks))
	}

	kb, err := s.GetKBByID(kbID)
	if err != nil {
		return 0, err
	}
	for i, v := range embeddings {
		if len(v) != kb.Dimensions {
			return 0, types.E(types.KindValidation,
				"embedding %d has dimension %d, kb %q requires %d", i, len(v), kb.Name, kb.Dimensions)
		}
	}

	metadata := "{}"
	if len(doc.Metadata) > 0 {
		if data, err := json.Marshal(doc.Metadata); err == nil {
			metadata = string(data)
		}
	}

	var docID int64
	err = s.withWriteTx(func(tx *sql.Tx) error {
		// Replace semantics: the old version's chunks and embeddings go away
		// with it.
		var oldID int64
		err := tx.QueryRow(
			"SELECT id FROM documents WHERE kb_id = ? AND filename = ?", kbID, doc.Filename,
		).Scan(&oldID)
		if err == nil {
			for _, q := range []string{
				"DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)",
				"DELETE FROM chunks WHERE document_id = ?",
				"DELETE FROM documents WHERE id = ?",
			} {
				if _, err := tx.Exec(q, oldID); err != nil {
					return fmt.Errorf("replace document %q: %w", doc.Filename, err)
				}
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("lookup document %q: %w", doc.Filename, err)
		}

		res, err := tx.Exec(`
			INSERT INTO documents (kb_id, filename, source_path, size, content_type, content_hash, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			kbID, doc.Filename, doc.SourcePath, doc.Size, doc.ContentType, doc.ContentHash,
			metadata, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert document %q: %w", doc.Filename, err)
		}
		docID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read document id: %w", err)
		}

		chunkStmt, err := tx.Prepare(`
			INSERT INTO chunks (document_id, ordinal, text, start_byte, end_byte, tokens)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer chunkStmt.Close()

		var embStmt *sql.Stmt
		if embeddings != nil {
			embStmt, err = tx.Prepare(`
				INSERT INTO embeddings (chunk_id, kb_id, dimensions, vector)
				VALUES (?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("prepare embedding insert: %w", err)
			}
			defer embStmt.Close()
		}

		for i, ch := range chunks {
			res, err := chunkStmt.Exec(docID, i, ch.Text, ch.StartByte, ch.EndByte, ch.Tokens)
			if err != nil {
				return fmt.Errorf("insert chunk %d of %q: %w", i, doc.Filename, err)
			}
			if embStmt != nil {
				chunkID, err := res.LastInsertId()
				if err != nil {
					return fmt.Errorf("read chunk id: %w", err)
				}
				if _, err := embStmt.Exec(chunkID, kbID, kb.Dimensions, EncodeVector(embeddings[i])); err != nil {
					return fmt.Errorf("insert embedding %d of %q: %w", i, doc.Filename, err)
				}
			}
		}
		return touchKBTx(tx, kbID)
	})
	if err != nil {
		return 0, err
	}
	logging.StoreDebug("upserted document %q: %d chunks, embeddings=%v", doc.Filename, len(chunks), embeddings != nil)
	return docID, nil
}

// DocumentHash returns the stored content hash for (kb, filename), empty if
// the document does not exist. Used for idempotent re-indexing.
func (s *Store) DocumentHash(kbID int64, filename string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash string
	err := s.db.QueryRow(
		"SELECT content_hash FROM documents WHERE kb_id = ? AND filename = ?", kbID, filename,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("document hash: %w", err)
	}
	return hash, nil
}

// ListDocuments returns a KB's documents ordered by filename.
func (s *Store) ListDocuments(kbID int64) ([]types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, kb_id, filename, source_path, size, content_type, content_hash, metadata, created_at
		FROM documents WHERE kb_id = ? ORDER BY filename`, kbID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []types.Document
	for rows.Next() {
		var d types.Document
		var metadata string
		if err := rows.Scan(&d.ID, &d.KBID, &d.Filename, &d.SourcePath, &d.Size,
			&d.ContentType, &d.ContentHash, &metadata, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			json.Unmarshal([]byte(metadata), &d.Metadata)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDocument removes one document and its descendants.
func (s *Store) DeleteDocument(kbID int64, filename string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		var docID int64
		err := tx.QueryRow(
			"SELECT id FROM documents WHERE kb_id = ? AND filename = ?", kbID, filename,
		).Scan(&docID)
		if err == sql.ErrNoRows {
			return types.E(types.KindNotFound, "document %q not found", filename)
		}
		if err != nil {
			return fmt.Errorf("lookup document: %w", err)
		}
		for _, q := range []string{
			"DELETE FROM embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)",
			"DELETE FROM chunks WHERE document_id = ?",
			"DELETE FROM documents WHERE id = ?",
		} {
			if _, err := tx.Exec(q, docID); err != nil {
				return fmt.Errorf("delete document %q: %w", filename, err)
			}
		}
		return touchKBTx(tx, kbID)
	})
}

// StoredChunk is one chunk joined with its document and optional embedding,
// the raw material of the retrieval engine.
type StoredChunk struct {
	Chunk    types.Chunk
	Document string
	Vector   []float32
}

// ChunksForKB streams every chunk of a KB in (filename, ordinal) order,
// decoding embeddings when present.
func (s *Store) ChunksForKB(kbID int64) ([]StoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT c.id, c.document_id, c.ordinal, c.text, c.start_byte, c.end_byte, c.tokens,
		       d.filename, e.vector
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		LEFT JOIN embeddings e ON e.chunk_id = c.id
		WHERE d.kb_id = ?
		ORDER BY d.filename, c.ordinal`, kbID)
	if err != nil {
		return nil, fmt.Errorf("chunks for kb %d: %w", kbID, err)
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var sc StoredChunk
		var blob []byte
		if err := rows.Scan(&sc.Chunk.ID, &sc.Chunk.DocumentID, &sc.Chunk.Ordinal,
			&sc.Chunk.Text, &sc.Chunk.StartByte, &sc.Chunk.EndByte, &sc.Chunk.Tokens,
			&sc.Document, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if len(blob) > 0 {
			v, err := DecodeVector(blob)
			if err != nil {
				s.enterReadOnlyIfCorrupt(err)
				return nil, types.Wrap(types.KindIntegrity, err, "embedding blob for chunk %d", sc.Chunk.ID)
			}
			sc.Vector = v
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// enterReadOnlyIfCorrupt is a hook point; blob decode errors indicate
// on-disk damage rather than caller mistakes.
func (s *Store) enterReadOnlyIfCorrupt(err error) {
	logging.Get(logging.CategoryStore).Error("possible corruption: %v", err)
}
