package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

func errReadOnly() error {
	return types.E(types.KindFatal, "store is in read-only mode")
}

// CreateKB creates a knowledge base. The slug is derived from the name once
// and is immutable afterwards. Duplicate names or slugs are conflicts.
func (s *Store) CreateKB(name string, kbType types.KBType, description string, dimensions int) (*types.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.E(types.KindValidation, "knowledge base name must not be empty")
	}
	slug := types.Slugify(name)
	if slug == "" {
		return nil, types.E(types.KindValidation, "knowledge base name %q yields an empty slug", name)
	}
	if kbType == "" {
		kbType = types.KBGeneric
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	var kb *types.KnowledgeBase
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM knowledge_bases WHERE name = ? OR slug = ?", name, slug,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check kb uniqueness: %w", err)
		}
		if exists > 0 {
			return types.E(types.KindConflict, "knowledge base %q already exists", name)
		}

		now := time.Now().UTC()
		res, err := tx.Exec(`
			INSERT INTO knowledge_bases (name, slug, kb_type, description, dimensions, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, slug, string(kbType), description, dimensions, now, now)
		if err != nil {
			return fmt.Errorf("insert knowledge base: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read kb id: %w", err)
		}
		kb = &types.KnowledgeBase{
			ID:          id,
			Name:        name,
			Slug:        slug,
			Type:        kbType,
			Description: description,
			Dimensions:  dimensions,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Store("created kb %q (slug=%s, type=%s, d=%d)", name, slug, kbType, dimensions)
	return kb, nil
}

const kbColumns = "id, name, slug, kb_type, description, dimensions, created_at, updated_at"

func scanKB(row interface{ Scan(...interface{}) error }) (*types.KnowledgeBase, error) {
	var kb types.KnowledgeBase
	var kbType string
	if err := row.Scan(&kb.ID, &kb.Name, &kb.Slug, &kbType, &kb.Description,
		&kb.Dimensions, &kb.CreatedAt, &kb.UpdatedAt); err != nil {
		return nil, err
	}
	kb.Type = types.KBType(kbType)
	return &kb, nil
}

// GetKB resolves a KB by name or slug.
func (s *Store) GetKB(nameOrSlug string) (*types.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		"SELECT "+kbColumns+" FROM knowledge_bases WHERE name = ? OR slug = ?",
		nameOrSlug, nameOrSlug)
	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "knowledge base %q not found", nameOrSlug)
	}
	if err != nil {
		return nil, fmt.Errorf("get kb %q: %w", nameOrSlug, err)
	}
	return kb, nil
}

// GetKBByID resolves a KB by primary key.
func (s *Store) GetKBByID(id int64) (*types.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+kbColumns+" FROM knowledge_bases WHERE id = ?", id)
	kb, err := scanKB(row)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "knowledge base id %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get kb %d: %w", id, err)
	}
	return kb, nil
}

// ListKBs returns every knowledge base ordered by name.
func (s *Store) ListKBs() ([]types.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT " + kbColumns + " FROM knowledge_bases ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list kbs: %w", err)
	}
	defer rows.Close()

	var out []types.KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kb: %w", err)
		}
		out = append(out, *kb)
	}
	return out, rows.Err()
}

// DeleteKB deletes a KB and every descendant row in one transaction:
// documents, chunks, embeddings, symbols, edges, and the repo map.
func (s *Store) DeleteKB(nameOrSlug string) error {
	kb, err := s.GetKB(nameOrSlug)
	if err != nil {
		return err
	}

	err = s.withWriteTx(func(tx *sql.Tx) error {
		// Explicit descendant deletes; foreign keys are a backstop, not the
		// mechanism.
		stmts := []string{
			"DELETE FROM embeddings WHERE kb_id = ?",
			"DELETE FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE kb_id = ?)",
			"DELETE FROM documents WHERE kb_id = ?",
			"DELETE FROM symbols WHERE kb_id = ?",
			"DELETE FROM dependency_edges WHERE kb_id = ?",
			"DELETE FROM repo_maps WHERE kb_id = ?",
			"DELETE FROM project_kbs WHERE kb_id = ?",
			"DELETE FROM knowledge_bases WHERE id = ?",
		}
		for _, q := range stmts {
			if _, err := tx.Exec(q, kb.ID); err != nil {
				return fmt.Errorf("cascade delete kb %d: %w", kb.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Store("deleted kb %q and descendants", kb.Name)
	return nil
}

// Stats summarizes one KB.
func (s *Store) Stats(nameOrSlug string) (*types.KBStats, error) {
	kb, err := s.GetKB(nameOrSlug)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var st types.KBStats
	queries := []struct {
		dst   *int
		query string
	}{
		{&st.Documents, "SELECT COUNT(*) FROM documents WHERE kb_id = ?"},
		{&st.Chunks, "SELECT COUNT(*) FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE kb_id = ?)"},
		{&st.Embeddings, "SELECT COUNT(*) FROM embeddings WHERE kb_id = ?"},
		{&st.Symbols, "SELECT COUNT(*) FROM symbols WHERE kb_id = ?"},
		{&st.Edges, "SELECT COUNT(*) FROM dependency_edges WHERE kb_id = ?"},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.query, kb.ID).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("kb stats: %w", err)
		}
	}

	var last sql.NullTime
	if err := s.db.QueryRow(
		"SELECT MAX(created_at) FROM documents WHERE kb_id = ?", kb.ID,
	).Scan(&last); err == nil && last.Valid {
		st.LastUpdated = last.Time
	} else {
		st.LastUpdated = kb.UpdatedAt
	}
	return &st, nil
}

// TouchKB bumps updated_at after an index pass. Retrieval caches key on the
// update time, so every write path that changes a KB's content must touch it.
func (s *Store) TouchKB(id int64) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		return touchKBTx(tx, id)
	})
}

func touchKBTx(tx *sql.Tx, id int64) error {
	_, err := tx.Exec("UPDATE knowledge_bases SET updated_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}
