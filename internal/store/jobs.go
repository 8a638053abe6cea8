package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"corpusd/internal/logging"
	"corpusd/internal/types"
)

// SaveJobSnapshot persists the latest view of a job.
func (s *Store) SaveJobSnapshot(snap types.JobSnapshot) error {
	params, err := json.Marshal(snap.Params)
	if err != nil {
		return fmt.Errorf("marshal job params: %w", err)
	}

	return s.withWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO jobs_snapshot (id, kind, state, progress, message, error, params, submitted_at, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				state = excluded.state,
				progress = excluded.progress,
				message = excluded.message,
				error = excluded.error,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at`,
			snap.ID, string(snap.Kind), string(snap.State), snap.Progress,
			snap.Message, snap.Error, string(params), snap.SubmittedAt,
			nullTimePtr(snap.StartedAt), nullTimePtr(snap.CompletedAt))
		return err
	})
}

// LoadJobSnapshots returns all persisted jobs, optionally filtered by state.
func (s *Store) LoadJobSnapshots(state types.JobState) ([]types.JobSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, kind, state, progress, message, error, params, submitted_at, started_at, completed_at
		FROM jobs_snapshot`
	args := []interface{}{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY submitted_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load job snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.JobSnapshot
	for rows.Next() {
		var snap types.JobSnapshot
		var kind, st, params string
		var started, completed sql.NullTime
		if err := rows.Scan(&snap.ID, &kind, &st, &snap.Progress, &snap.Message,
			&snap.Error, &params, &snap.SubmittedAt, &started, &completed); err != nil {
			return nil, fmt.Errorf("scan job snapshot: %w", err)
		}
		snap.Kind = types.JobKind(kind)
		snap.State = types.JobState(st)
		json.Unmarshal([]byte(params), &snap.Params)
		if started.Valid {
			t := started.Time
			snap.StartedAt = &t
		}
		if completed.Valid {
			t := completed.Time
			snap.CompletedAt = &t
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// RecoverInterruptedJobs handles jobs left running by a previous process:
// resumable kinds go back to queued, the rest fail with reason "interrupted".
// Returns the snapshots re-queued for resumption.
func (s *Store) RecoverInterruptedJobs() ([]types.JobSnapshot, error) {
	running, err := s.LoadJobSnapshots(types.JobRunning)
	if err != nil {
		return nil, err
	}

	var resumed []types.JobSnapshot
	for _, snap := range running {
		if snap.Kind.Resumable() {
			snap.State = types.JobQueued
			snap.StartedAt = nil
			resumed = append(resumed, snap)
		} else {
			snap.State = types.JobFailed
			snap.Error = "interrupted"
		}
		if err := s.SaveJobSnapshot(snap); err != nil {
			return nil, err
		}
	}
	if len(running) > 0 {
		logging.Jobs("recovered %d interrupted jobs (%d resumable)", len(running), len(resumed))
	}
	return resumed, nil
}

func nullTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
