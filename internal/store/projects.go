package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// roleKBType maps a project role to its KB type.
var roleKBType = map[types.KBRole]types.KBType{
	types.RoleMemories:  types.KBGeneric,
	types.RoleIndex:     types.KBCode,
	types.RoleProfile:   types.KBGeneric,
	types.RoleDocs:      types.KBDocumentation,
	types.RoleStructure: types.KBStructure,
}

// CreateProject creates a project and its five role KBs in one transaction.
// KB names follow "<project>-<role>".
func (s *Store) CreateProject(name, path, description string, dimensions int) (*types.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.E(types.KindValidation, "project name must not be empty")
	}
	if !filepath.IsAbs(path) {
		return nil, types.E(types.KindValidation, "project path %q must be absolute", path)
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	var project *types.Project
	err := s.withWriteTx(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM projects WHERE name = ?", name).Scan(&exists); err != nil {
			return fmt.Errorf("check project uniqueness: %w", err)
		}
		if exists > 0 {
			return types.E(types.KindConflict, "project %q already exists", name)
		}

		now := time.Now().UTC()
		res, err := tx.Exec(`
			INSERT INTO projects (name, path, description, created_at)
			VALUES (?, ?, ?, ?)`, name, path, description, now)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		projectID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read project id: %w", err)
		}

		kbs := make(map[types.KBRole]int64, len(types.ProjectRoles))
		for _, role := range types.ProjectRoles {
			kbName := fmt.Sprintf("%s-%s", name, role)
			slug := types.Slugify(kbName)
			res, err := tx.Exec(`
				INSERT INTO knowledge_bases (name, slug, kb_type, description, dimensions, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				kbName, slug, string(roleKBType[role]),
				fmt.Sprintf("%s KB for project %s", role, name), dimensions, now, now)
			if err != nil {
				return types.Wrap(types.KindConflict, err, "create role kb %q", kbName)
			}
			kbID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("read kb id: %w", err)
			}
			if _, err := tx.Exec(
				"INSERT INTO project_kbs (project_id, role, kb_id) VALUES (?, ?, ?)",
				projectID, string(role), kbID); err != nil {
				return fmt.Errorf("bind kb %q to project: %w", kbName, err)
			}
			kbs[role] = kbID
		}

		project = &types.Project{
			ID:          projectID,
			Name:        name,
			Path:        path,
			Description: description,
			KBs:         kbs,
			CreatedAt:   now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Store("created project %q with %d role kbs", name, len(project.KBs))
	return project, nil
}

// GetProject resolves a project by id.
func (s *Store) GetProject(id int64) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProjectLocked("id = ?", id)
}

// GetProjectByName resolves a project by name.
func (s *Store) GetProjectByName(name string) (*types.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProjectLocked("name = ?", name)
}

func (s *Store) getProjectLocked(where string, arg interface{}) (*types.Project, error) {
	var p types.Project
	err := s.db.QueryRow(
		"SELECT id, name, path, description, created_at FROM projects WHERE "+where, arg,
	).Scan(&p.ID, &p.Name, &p.Path, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "project %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	rows, err := s.db.Query("SELECT role, kb_id FROM project_kbs WHERE project_id = ?", p.ID)
	if err != nil {
		return nil, fmt.Errorf("project kbs: %w", err)
	}
	defer rows.Close()

	p.KBs = make(map[types.KBRole]int64)
	for rows.Next() {
		var role string
		var kbID int64
		if err := rows.Scan(&role, &kbID); err != nil {
			return nil, fmt.Errorf("scan project kb: %w", err)
		}
		p.KBs[types.KBRole(role)] = kbID
	}
	return &p, rows.Err()
}

// ListProjects returns every project ordered by name.
func (s *Store) ListProjects() ([]types.Project, error) {
	s.mu.RLock()
	ids := []int64{}
	rows, err := s.db.Query("SELECT id FROM projects ORDER BY name")
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	s.mu.RUnlock()

	out := make([]types.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// =============================================================================
// HOOKS
// =============================================================================

// UpsertHook writes a hook's full state.
func (s *Store) UpsertHook(h types.Hook) error {
	patterns, err := json.Marshal(h.Patterns)
	if err != nil {
		return fmt.Errorf("marshal hook patterns: %w", err)
	}
	synced, err := json.Marshal(h.SyncedFiles)
	if err != nil {
		return fmt.Errorf("marshal hook synced files: %w", err)
	}

	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO hooks (project_id, role, enabled, folder_path, patterns, last_sync_at, synced_files)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(project_id, role) DO UPDATE SET
				enabled = excluded.enabled,
				folder_path = excluded.folder_path,
				patterns = excluded.patterns,
				last_sync_at = excluded.last_sync_at,
				synced_files = excluded.synced_files`,
			h.ProjectID, string(h.Role), boolToInt(h.Enabled), h.FolderPath,
			string(patterns), nullTime(h.LastSyncAt), string(synced))
		return err
	})
}

// GetHook loads one hook; a missing row is NotFound.
func (s *Store) GetHook(projectID int64, role types.KBRole) (*types.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var h types.Hook
	var enabled int
	var patterns, synced string
	var lastSync, paused sql.NullTime
	err := s.db.QueryRow(`
		SELECT project_id, role, enabled, folder_path, patterns, last_sync_at, synced_files, paused_at
		FROM hooks WHERE project_id = ? AND role = ?`, projectID, string(role),
	).Scan(&h.ProjectID, &h.Role, &enabled, &h.FolderPath, &patterns, &lastSync, &synced, &paused)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "hook (%d, %s) not found", projectID, role)
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}

	h.Enabled = enabled != 0
	if lastSync.Valid {
		h.LastSyncAt = lastSync.Time
	}
	if paused.Valid {
		t := paused.Time
		h.PausedAt = &t
	}
	if err := json.Unmarshal([]byte(patterns), &h.Patterns); err != nil {
		return nil, types.Wrap(types.KindIntegrity, err, "hook patterns for (%d, %s)", projectID, role)
	}
	if err := json.Unmarshal([]byte(synced), &h.SyncedFiles); err != nil {
		return nil, types.Wrap(types.KindIntegrity, err, "hook synced files for (%d, %s)", projectID, role)
	}
	return &h, nil
}

// ListEnabledHooks returns every enabled hook across all projects, for
// watcher startup.
func (s *Store) ListEnabledHooks() ([]types.Hook, error) {
	s.mu.RLock()
	keys := [][2]interface{}{}
	rows, err := s.db.Query("SELECT project_id, role FROM hooks WHERE enabled = 1")
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	for rows.Next() {
		var projectID int64
		var role string
		if err := rows.Scan(&projectID, &role); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		keys = append(keys, [2]interface{}{projectID, role})
	}
	rows.Close()
	s.mu.RUnlock()

	out := make([]types.Hook, 0, len(keys))
	for _, k := range keys {
		h, err := s.GetHook(k[0].(int64), types.KBRole(k[1].(string)))
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, nil
}

// MarkHookSynced records one successful file sync on a hook. The read and
// update of the synced-files map happen in a single transaction so concurrent
// markers for different files never overwrite each other's entries.
func (s *Store) MarkHookSynced(projectID int64, role types.KBRole, filename, contentHash string) error {
	return s.withWriteTx(func(tx *sql.Tx) error {
		var synced string
		err := tx.QueryRow(
			"SELECT synced_files FROM hooks WHERE project_id = ? AND role = ?",
			projectID, string(role)).Scan(&synced)
		if err == sql.ErrNoRows {
			return types.E(types.KindNotFound, "hook (%d, %s) not found", projectID, role)
		}
		if err != nil {
			return fmt.Errorf("read hook synced files: %w", err)
		}

		files := make(map[string]string)
		if synced != "" {
			if err := json.Unmarshal([]byte(synced), &files); err != nil {
				return types.Wrap(types.KindIntegrity, err, "synced files for hook (%d, %s)", projectID, role)
			}
		}
		if contentHash == "" {
			delete(files, filename)
		} else {
			files[filename] = contentHash
		}
		data, err := json.Marshal(files)
		if err != nil {
			return fmt.Errorf("marshal synced files: %w", err)
		}

		_, err = tx.Exec(
			"UPDATE hooks SET synced_files = ?, last_sync_at = ? WHERE project_id = ? AND role = ?",
			string(data), time.Now().UTC(), projectID, string(role))
		if err != nil {
			return fmt.Errorf("update hook sync state: %w", err)
		}
		return nil
	})
}

// SetHookPaused records or clears the backpressure pause marker on a hook.
func (s *Store) SetHookPaused(projectID int64, role types.KBRole, paused bool) error {
	var at interface{}
	if paused {
		at = time.Now().UTC()
	}
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE hooks SET paused_at = ? WHERE project_id = ? AND role = ?",
			at, projectID, string(role))
		return err
	})
}

// SaveSessionState rewrites a project's session cursor.
func (s *Store) SaveSessionState(state types.SessionState) error {
	files, err := json.Marshal(state.SyncedFiles)
	if err != nil {
		return fmt.Errorf("marshal session files: %w", err)
	}
	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO session_state (project_id, synced_files, last_structural)
			VALUES (?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				synced_files = excluded.synced_files,
				last_structural = excluded.last_structural`,
			state.ProjectID, string(files), nullTime(state.LastStructural))
		return err
	})
}

// GetSessionState loads a project's session cursor; missing rows yield the
// zero state.
func (s *Store) GetSessionState(projectID int64) (*types.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &types.SessionState{ProjectID: projectID}
	var files string
	var last sql.NullTime
	err := s.db.QueryRow(
		"SELECT synced_files, last_structural FROM session_state WHERE project_id = ?", projectID,
	).Scan(&files, &last)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session state: %w", err)
	}
	json.Unmarshal([]byte(files), &state.SyncedFiles)
	if last.Valid {
		state.LastStructural = last.Time
	}
	return state, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
