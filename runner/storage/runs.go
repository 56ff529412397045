package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateRun records a new run in the "running" state.
func (s *Storage) CreateRun(projectName, gate string, ref RefInfo) (*Run, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO runs (status, gate, project_name, branch, tag, event, fork, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		"running", gate, projectName, ref.Branch, ref.Tag, ref.Event, ref.Fork, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get run ID: %w", err)
	}

	return &Run{
		ID:          int(id),
		Status:      "running",
		Gate:        gate,
		ProjectName: projectName,
		Branch:      ref.Branch,
		Tag:         ref.Tag,
		Event:       ref.Event,
		Fork:        ref.Fork,
		StartedAt:   now,
	}, nil
}

// UpdateRunStatus records a run's terminal status and duration.
func (s *Storage) UpdateRunStatus(runID int, status string, duration time.Duration) error {
	now := time.Now()
	durationStr := duration.String()
	_, err := s.db.Exec(
		"UPDATE runs SET status = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, now, durationStr, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

const runColumns = "id, status, gate, project_name, branch, tag, event, fork, started_at, finished_at, duration"

func scanRun(scan func(dest ...interface{}) error) (*Run, error) {
	var r Run
	var finishedAt sql.NullTime
	var duration sql.NullString

	err := scan(&r.ID, &r.Status, &r.Gate, &r.ProjectName, &r.Branch, &r.Tag, &r.Event, &r.Fork, &r.StartedAt, &finishedAt, &duration)
	if err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	if duration.Valid {
		durationStr := duration.String
		r.Duration = &durationStr
	}
	return &r, nil
}

// GetRuns retrieves the most recent runs, newest first.
func (s *Storage) GetRuns(limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY started_at DESC LIMIT ?"
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetRunsForProject retrieves a project's most recent runs, newest first.
func (s *Storage) GetRunsForProject(projectName string, limit int) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE project_name = ? ORDER BY started_at DESC LIMIT ?"
	rows, err := s.db.Query(query, projectName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query project runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// GetRun retrieves a single run by ID.
func (s *Storage) GetRun(runID int) (*Run, error) {
	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", runID)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}
