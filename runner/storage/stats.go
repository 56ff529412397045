package storage

import (
	"database/sql"
	"fmt"
)

// ProjectRunStats summarizes recent runs of one project.
type ProjectRunStats struct {
	ProjectName string  `json:"project_name"`
	RunID       int     `json:"run_id"`
	Status      string  `json:"status"`
	Branch      string  `json:"branch"`
	Event       string  `json:"event"`
	Duration    *string `json:"duration,omitempty"`
	StartedAt   string  `json:"started_at"`
	JobCount    int     `json:"job_count"`
	FailedJobs  int     `json:"failed_jobs"`
}

// GetLatestRunsForProject returns the latest runs of a project with per-run
// job counts, newest first, capped at limit.
func (s *Storage) GetLatestRunsForProject(projectName string, limit int) ([]ProjectRunStats, error) {
	query := `
		SELECT
			r.project_name,
			r.id,
			r.status,
			r.branch,
			r.event,
			r.duration,
			r.started_at,
			COUNT(j.id) as job_count,
			COALESCE(SUM(CASE WHEN j.status NOT IN ('success', 'running') THEN 1 ELSE 0 END), 0) as failed_jobs
		FROM runs r
		LEFT JOIN jobs j ON r.id = j.run_id
		WHERE r.project_name = ?
		GROUP BY r.id, r.project_name, r.status, r.branch, r.event, r.duration, r.started_at
		ORDER BY r.started_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, projectName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query project stats: %w", err)
	}
	defer rows.Close()

	stats := make([]ProjectRunStats, 0)
	for rows.Next() {
		var stat ProjectRunStats
		var duration sql.NullString

		err := rows.Scan(
			&stat.ProjectName,
			&stat.RunID,
			&stat.Status,
			&stat.Branch,
			&stat.Event,
			&duration,
			&stat.StartedAt,
			&stat.JobCount,
			&stat.FailedJobs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run stats: %w", err)
		}

		if duration.Valid {
			durationStr := duration.String
			stat.Duration = &durationStr
		}

		stats = append(stats, stat)
	}

	return stats, rows.Err()
}
