package store

import (
	"database/sql"
	"fmt"

	"corpusd/internal/graph"
	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// ReplaceStructuralIndex atomically swaps a KB's symbols, dependency edges,
// and repo-map artifact for the results of one index pass. Symbols with an
// empty file or a line below 1 are rejected before anything is written.
func (s *Store) ReplaceStructuralIndex(kbID int64, ranked []graph.RankedTag, edges []types.DependencyEdge, repoMap types.RepoMap) error {
	for _, rt := range ranked {
		if rt.File == "" || rt.Line < 1 {
			return types.E(types.KindIntegrity,
				"symbol %q has invalid location (file=%q line=%d)", rt.Name, rt.File, rt.Line)
		}
	}

	err := s.withWriteTx(func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM symbols WHERE kb_id = ?",
			"DELETE FROM dependency_edges WHERE kb_id = ?",
			"DELETE FROM repo_maps WHERE kb_id = ?",
		} {
			if _, err := tx.Exec(q, kbID); err != nil {
				return fmt.Errorf("clear structural index: %w", err)
			}
		}

		symStmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO symbols (kb_id, file, name, kind, line, signature, language, importance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare symbol insert: %w", err)
		}
		defer symStmt.Close()

		for _, rt := range ranked {
			if _, err := symStmt.Exec(kbID, rt.File, rt.Name, string(rt.Kind), rt.Line,
				rt.Signature, rt.Language, rt.Score); err != nil {
				return fmt.Errorf("insert symbol %q: %w", rt.Name, err)
			}
		}

		edgeStmt, err := tx.Prepare(`
			INSERT INTO dependency_edges (kb_id, from_file, to_file, ident, kind, weight)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare edge insert: %w", err)
		}
		defer edgeStmt.Close()

		for _, e := range edges {
			if _, err := edgeStmt.Exec(kbID, e.From, e.To, e.Ident, string(e.Kind), e.Weight); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.From, e.To, err)
			}
		}

		if _, err := tx.Exec(`
			INSERT INTO repo_maps (kb_id, text, token_count, token_budget, overflow, generated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			kbID, repoMap.Text, repoMap.TokenCount, repoMap.TokenBudget,
			boolToInt(repoMap.Overflow), repoMap.GeneratedAt); err != nil {
			return fmt.Errorf("insert repo map: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logging.Store("replaced structural index for kb %d: %d symbols, %d edges", kbID, len(ranked), len(edges))
	return nil
}

// GetRepoMap returns the stored repo-map artifact for a KB, or an empty map
// when the KB has never been structurally indexed.
func (s *Store) GetRepoMap(kbID int64) (*types.RepoMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rm types.RepoMap
	var overflow int
	err := s.db.QueryRow(`
		SELECT kb_id, text, token_count, token_budget, overflow, generated_at
		FROM repo_maps WHERE kb_id = ?`, kbID,
	).Scan(&rm.KBID, &rm.Text, &rm.TokenCount, &rm.TokenBudget, &overflow, &rm.GeneratedAt)
	if err == sql.ErrNoRows {
		return &types.RepoMap{KBID: kbID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get repo map: %w", err)
	}
	rm.Overflow = overflow != 0
	return &rm, nil
}

// SymbolsForKB returns symbols ordered by importance descending then
// (file, line) ascending, matching the ranking tie-break.
func (s *Store) SymbolsForKB(kbID int64) ([]types.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT file, name, kind, line, signature, language, importance
		FROM symbols WHERE kb_id = ?
		ORDER BY importance DESC, file ASC, line ASC`, kbID)
	if err != nil {
		return nil, fmt.Errorf("symbols for kb %d: %w", kbID, err)
	}
	defer rows.Close()

	var out []types.Tag
	for rows.Next() {
		var t types.Tag
		var kind string
		if err := rows.Scan(&t.File, &t.Name, &kind, &t.Line, &t.Signature,
			&t.Language, &t.Importance); err != nil {
			return nil, fmt.Errorf("scan symbol: %w", err)
		}
		t.Kind = types.TagKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

// EdgesForKB returns every dependency edge of a KB.
func (s *Store) EdgesForKB(kbID int64) ([]types.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT from_file, to_file, ident, kind, weight
		FROM dependency_edges WHERE kb_id = ?
		ORDER BY from_file, to_file`, kbID)
	if err != nil {
		return nil, fmt.Errorf("edges for kb %d: %w", kbID, err)
	}
	defer rows.Close()

	var out []types.DependencyEdge
	for rows.Next() {
		var e types.DependencyEdge
		var kind string
		if err := rows.Scan(&e.From, &e.To, &e.Ident, &kind, &e.Weight); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = types.EdgeKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
