package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateJob records a matrix job in the "running" state.
func (s *Storage) CreateJob(runID int, uuid, name, toolchain, osName, cacheKey string) (*Job, error) {
	now := time.Now()
	result, err := s.db.Exec(
		"INSERT INTO jobs (uuid, run_id, name, toolchain, os, status, cache_key, started_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		uuid, runID, name, toolchain, osName, "running", cacheKey, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get job ID: %w", err)
	}

	return &Job{
		ID:        int(id),
		UUID:      uuid,
		RunID:     runID,
		Name:      name,
		Toolchain: toolchain,
		OS:        osName,
		Status:    "running",
		CacheKey:  cacheKey,
		StartedAt: now,
	}, nil
}

// UpdateJob records a job's terminal status, phase attribution, captured
// output and duration.
func (s *Storage) UpdateJob(jobID int, status, failedPhase, output string, duration time.Duration) error {
	now := time.Now()
	durationStr := duration.String()
	_, err := s.db.Exec(
		"UPDATE jobs SET status = ?, failed_phase = ?, output = ?, finished_at = ?, duration = ? WHERE id = ?",
		status, failedPhase, output, now, durationStr, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// GetJobsForRun retrieves all jobs of a run in matrix order (insertion
// order matches scheduling order).
func (s *Storage) GetJobsForRun(runID int) ([]*Job, error) {
	rows, err := s.db.Query(
		"SELECT id, uuid, run_id, name, toolchain, os, status, failed_phase, cache_key, output, started_at, finished_at, duration FROM jobs WHERE run_id = ? ORDER BY id ASC",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var j Job
		var output sql.NullString
		var finishedAt sql.NullTime
		var duration sql.NullString

		err := rows.Scan(&j.ID, &j.UUID, &j.RunID, &j.Name, &j.Toolchain, &j.OS, &j.Status, &j.FailedPhase, &j.CacheKey, &output, &j.StartedAt, &finishedAt, &duration)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		if output.Valid {
			j.Output = output.String
		}
		if finishedAt.Valid {
			j.FinishedAt = &finishedAt.Time
		}
		if duration.Valid {
			durationStr := duration.String
			j.Duration = &durationStr
		}

		jobs = append(jobs, &j)
	}

	return jobs, rows.Err()
}
