package runner

import (
	"time"

	"conveyor/runner/cache"
	"conveyor/runner/storage"
)

// EventType identifies what kind of event produced a ref.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventAPI         EventType = "api"
	EventCron        EventType = "cron"
)

// RefMetadata describes the ref a run was requested for. It is supplied
// externally per run and never mutated by the engine.
type RefMetadata struct {
	Branch string    `json:"branch"`
	Tag    string    `json:"tag,omitempty"`
	Event  EventType `json:"event"`
	Fork   bool      `json:"fork"`
}

// Phase names. A job always runs install first, then script.
const (
	PhaseInstall = "install"
	PhaseScript  = "script"
)

// JobDefinition is one expanded matrix cell. Immutable after expansion;
// owned exclusively by the worker that runs it.
type JobDefinition struct {
	ID        string   `json:"id"`    // uuid, identifies the job's workspace and records
	Index     int      `json:"index"` // position in matrix order
	Name      string   `json:"name"`  // "<toolchain>/<os>"
	Toolchain string   `json:"toolchain"`
	OS        string   `json:"os"`
	Env       []string `json:"env"` // merged KEY=VALUE, global first, overlay wins
	CacheKey  string   `json:"cache_key,omitempty"`
}

// JobStatus is the terminal state of a single job.
type JobStatus string

const (
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobTimeout   JobStatus = "timeout"
	JobCancelled JobStatus = "cancelled"
)

// PhaseStatus is the outcome of one phase within a job.
type PhaseStatus string

const (
	PhaseSuccess PhaseStatus = "success"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
	PhaseTimeout PhaseStatus = "timeout"
)

// PhaseResult captures one phase's exit status and full output. Output is
// recorded verbatim for later inspection, never interpreted by the engine.
type PhaseResult struct {
	Name     string        `json:"name"`
	Status   PhaseStatus   `json:"status"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
}

// JobResult is the immutable outcome of executing a single job.
type JobResult struct {
	Job         JobDefinition `json:"job"`
	Status      JobStatus     `json:"status"`
	FailedPhase string        `json:"failed_phase,omitempty"` // install or script, empty on success
	Phases      []PhaseResult `json:"phases"`
	Duration    time.Duration `json:"duration"`
}

// Succeeded reports whether the job finished with every phase passing.
func (r JobResult) Succeeded() bool {
	return r.Status == JobSuccess
}

// GateDecision records whether the trigger condition let the run proceed.
type GateDecision string

const (
	GateProceeded GateDecision = "proceeded"
	GateSkipped   GateDecision = "skipped"
)

// RunResult is the aggregate, terminal state of a run. Jobs are indexed by
// matrix order regardless of completion order.
type RunResult struct {
	RunID    int           `json:"run_id"`
	Gate     GateDecision  `json:"gate"`
	Status   string        `json:"status"` // "success" or "failed"
	Jobs     []JobResult   `json:"jobs"`
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether every executed job passed. A gated-off run with
// no jobs counts as success.
func (r RunResult) Succeeded() bool {
	return r.Status == "success"
}

// RunOptions configures how a run is executed.
type RunOptions struct {
	Storage          *storage.Storage // optional run/job history persistence
	Cache            *cache.Manager   // optional dependency cache store
	Workers          int              // worker pool bound, <= 0 means DefaultWorkers
	WorkspaceRoot    string           // parent dir for per-job workspaces
	ProjectName      string           // recorded with the run, serve mode sets it
	StreamToTerminal bool             // mirror phase output to stdout/stderr
}

// DefaultWorkers bounds job parallelism when the caller does not set one.
// The cap reflects external capacity; it is configuration, not policy.
const DefaultWorkers = 4
