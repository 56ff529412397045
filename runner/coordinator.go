package runner

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conveyor/events"
	"conveyor/runner/storage"
)

// ShouldRun evaluates the spec's trigger condition against the ref. Pure:
// the same spec and ref always produce the same decision.
func ShouldRun(spec *PipelineSpec, ref RefMetadata) bool {
	return spec.Trigger.Eval(ref)
}

// ExecuteRun interprets a pipeline spec against ref metadata: it gates on
// the trigger condition, expands the matrix, runs the jobs concurrently
// under a bounded worker pool, and aggregates their results. A gated-off
// run executes nothing and succeeds. A job failure marks the run failed but
// never cancels sibling jobs; every job runs to completion so a single run
// yields the maximum diagnostic information.
//
// The returned error covers configuration problems only. Job failures are
// reported through RunResult, not as an error.
func ExecuteRun(ctx context.Context, spec *PipelineSpec, ref RefMetadata, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	broker := events.GetBroker()

	refInfo := storage.RefInfo{Branch: ref.Branch, Tag: ref.Tag, Event: string(ref.Event), Fork: ref.Fork}

	if !ShouldRun(spec, ref) {
		result := &RunResult{Gate: GateSkipped, Status: "success"}
		if opts.Storage != nil {
			run, err := opts.Storage.CreateRun(opts.ProjectName, string(GateSkipped), refInfo)
			if err != nil {
				return nil, err
			}
			result.RunID = run.ID
			_ = opts.Storage.UpdateRunStatus(run.ID, "skipped", time.Since(start))
		}
		broker.Broadcast(events.RunSkipped, map[string]interface{}{
			"project": opts.ProjectName,
			"branch":  ref.Branch,
			"event":   ref.Event,
		})
		result.Duration = time.Since(start)
		return result, nil
	}

	jobs, err := ExpandMatrix(spec)
	if err != nil {
		return nil, err
	}

	result := &RunResult{
		Gate:   GateProceeded,
		Status: "success",
		Jobs:   make([]JobResult, len(jobs)),
	}

	if opts.Storage != nil {
		run, err := opts.Storage.CreateRun(opts.ProjectName, string(GateProceeded), refInfo)
		if err != nil {
			return nil, err
		}
		result.RunID = run.ID
	}

	broker.Broadcast(events.RunStarted, map[string]interface{}{
		"run_id":  result.RunID,
		"project": opts.ProjectName,
		"branch":  ref.Branch,
		"event":   ref.Event,
		"jobs":    len(jobs),
	})

	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	// Bounded pool fed in matrix order: workers pull the next slot off an
	// unbuffered channel, so job N never starts before job N-1 has been
	// handed to a worker. Completion order is unconstrained; each result
	// lands in its job's own slot, so results are matched to definitions
	// by identity rather than completion order.
	slots := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for slot := range slots {
				result.Jobs[slot] = runOneJob(ctx, spec, jobs[slot], result.RunID, opts)
			}
		}()
	}
	for i := range jobs {
		slots <- i
	}
	close(slots)
	wg.Wait()

	for _, jr := range result.Jobs {
		if !jr.Succeeded() {
			result.Status = "failed"
			break
		}
	}
	result.Duration = time.Since(start)

	if opts.Storage != nil {
		_ = opts.Storage.UpdateRunStatus(result.RunID, result.Status, result.Duration)
	}
	broker.Broadcast(events.RunFinished, map[string]interface{}{
		"run_id":  result.RunID,
		"project": opts.ProjectName,
		"status":  result.Status,
	})

	return result, nil
}

// runOneJob is the per-job unit: restore cache, execute phases, run
// before-cache hooks, save cache, record the outcome. Cache trouble is
// logged and never escalated to a job failure.
func runOneJob(ctx context.Context, spec *PipelineSpec, job JobDefinition, runID int, opts RunOptions) JobResult {
	broker := events.GetBroker()
	start := time.Now()

	workspace, err := makeWorkspace(opts.WorkspaceRoot, job.ID)
	if err != nil {
		return JobResult{
			Job:         job,
			Status:      JobFailed,
			FailedPhase: PhaseInstall,
			Phases: []PhaseResult{{
				Name:     PhaseInstall,
				Status:   PhaseFailed,
				ExitCode: -1,
				Output:   "failed to create workspace: " + err.Error() + "\n",
			}},
			Duration: time.Since(start),
		}
	}
	defer os.RemoveAll(workspace)
	cacheRoot := filepath.Join(workspace, ".cache")

	var jobRec *storage.Job
	if opts.Storage != nil {
		jobRec, err = opts.Storage.CreateJob(runID, job.ID, job.Name, job.Toolchain, job.OS, job.CacheKey)
		if err != nil {
			log.Printf("⚠️  Failed to record job %s: %v", job.Name, err)
		}
	}
	broker.Broadcast(events.JobStarted, map[string]interface{}{
		"run_id": runID,
		"job":    job.Name,
		"job_id": job.ID,
	})

	if opts.Cache != nil && job.CacheKey != "" {
		hit, err := opts.Cache.Restore(job.CacheKey, cacheRoot)
		if err != nil {
			// Best effort: the job proceeds with an empty cache directory.
			log.Printf("⚠️  Cache restore failed for %s: %v", job.Name, err)
		} else if hit && opts.StreamToTerminal {
			log.Printf("📦 Cache restored for %s", job.Name)
		}
	}

	execJob := job
	execJob.Env = append(append([]string{}, job.Env...), jobRuntimeEnv(spec, job, workspace, cacheRoot)...)

	phases := []Phase{
		{Name: PhaseInstall, Commands: spec.Install, Timeout: spec.Timeouts.Install},
		{Name: PhaseScript, Commands: spec.Script, Timeout: spec.Timeouts.Script},
	}
	res := RunJob(ctx, execJob, phases, workspace, opts.StreamToTerminal)

	if opts.Cache != nil && job.CacheKey != "" && shouldSaveCache(res) {
		runBeforeCacheHooks(spec, job, workspace, execJob.Env)
		if err := opts.Cache.Save(job.CacheKey, cacheRoot, spec.Cache.Timeout); err != nil {
			log.Printf("⚠️  Cache save failed for %s: %v", job.Name, err)
		}
	}

	if opts.Storage != nil && jobRec != nil {
		_ = opts.Storage.UpdateJob(jobRec.ID, string(res.Status), res.FailedPhase, transcriptOf(res), res.Duration)
	}
	broker.Broadcast(events.JobFinished, map[string]interface{}{
		"run_id": runID,
		"job":    job.Name,
		"job_id": job.ID,
		"status": res.Status,
	})

	return res
}

// shouldSaveCache reports whether the job reached the point where its cache
// may be persisted. The save happens after the script phase completes,
// regardless of pass or fail. A cancelled or timed-out job was killed
// mid-flight, so its partial cache state is left untouched.
func shouldSaveCache(res JobResult) bool {
	if res.Status == JobCancelled || res.Status == JobTimeout {
		return false
	}
	for _, pr := range res.Phases {
		if pr.Name == PhaseScript {
			return pr.Status == PhaseSuccess || pr.Status == PhaseFailed
		}
	}
	return false
}

// runBeforeCacheHooks runs the declared hooks in order, synchronously,
// before the save step. Hook failures are logged and swallowed: cache
// maintenance is best effort and never fails the job.
func runBeforeCacheHooks(spec *PipelineSpec, job JobDefinition, workspace string, env []string) {
	for _, hook := range spec.BeforeCache {
		if _, err := RunHook(hook, workspace, append(os.Environ(), env...)); err != nil {
			log.Printf("⚠️  before_cache hook failed for %s (%q): %v", job.Name, hook, err)
		}
	}
}

// jobRuntimeEnv exposes the job's surroundings to its commands: workspace
// and cache locations, the read-only project directory, the matrix cell
// identity, and the addon package list for the external provisioner.
func jobRuntimeEnv(spec *PipelineSpec, job JobDefinition, workspace, cacheRoot string) []string {
	env := []string{
		"CONVEYOR_JOB_ID=" + job.ID,
		"CONVEYOR_JOB=" + job.Name,
		"CONVEYOR_TOOLCHAIN=" + job.Toolchain,
		"CONVEYOR_OS=" + job.OS,
		"CONVEYOR_WORKSPACE=" + workspace,
		"CONVEYOR_CACHE_DIR=" + cacheRoot,
		"CONVEYOR_PROJECT_DIR=" + spec.Dir,
	}
	if len(spec.Addons) > 0 {
		env = append(env, "CONVEYOR_ADDONS="+strings.Join(spec.Addons, ","))
	}
	return env
}

// makeWorkspace creates the job's isolated working directory, identified by
// the job's identity so concurrent jobs never share mutable state.
func makeWorkspace(root, jobID string) (string, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "conveyor")
	}
	workspace := filepath.Join(root, jobID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", err
	}
	return workspace, nil
}

// transcriptOf flattens a job's phase outputs into one stored log.
func transcriptOf(res JobResult) string {
	var b strings.Builder
	for _, pr := range res.Phases {
		b.WriteString("== " + pr.Name + " (" + string(pr.Status) + ") ==\n")
		b.WriteString(pr.Output)
	}
	return b.String()
}
