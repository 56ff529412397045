package storage

import "time"

// Run is one recorded pipeline run.
type Run struct {
	ID          int        `json:"id"`
	Status      string     `json:"status"` // "running", "success", "failed", "skipped"
	Gate        string     `json:"gate"`   // "proceeded" or "skipped"
	ProjectName string     `json:"project_name,omitempty"`
	Branch      string     `json:"branch"`
	Tag         string     `json:"tag,omitempty"`
	Event       string     `json:"event"`
	Fork        bool       `json:"fork"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Duration    *string    `json:"duration,omitempty"`
}

// Job is one recorded matrix job within a run.
type Job struct {
	ID          int        `json:"id"`
	UUID        string     `json:"uuid"`
	RunID       int        `json:"run_id"`
	Name        string     `json:"name"`
	Toolchain   string     `json:"toolchain"`
	OS          string     `json:"os"`
	Status      string     `json:"status"` // "running", "success", "failed", "timeout", "cancelled"
	FailedPhase string     `json:"failed_phase,omitempty"`
	CacheKey    string     `json:"cache_key,omitempty"`
	Output      string     `json:"output,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Duration    *string    `json:"duration,omitempty"`
}

// RefInfo carries the ref metadata recorded with a run. Mirrors the
// runner's RefMetadata without importing it (storage sits below runner).
type RefInfo struct {
	Branch string
	Tag    string
	Event  string
	Fork   bool
}
