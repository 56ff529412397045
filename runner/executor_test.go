package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func phasesFor(install, script []string, scriptTimeout time.Duration) []Phase {
	return []Phase{
		{Name: PhaseInstall, Commands: install},
		{Name: PhaseScript, Commands: script, Timeout: scriptTimeout},
	}
}

func TestRunJobSuccess(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux", Env: []string{"GREETING=hello"}}
	res := RunJob(context.Background(), job,
		phasesFor([]string{"echo installing"}, []string{"echo $GREETING"}, 0),
		t.TempDir(), false)

	if res.Status != JobSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.FailedPhase != "" {
		t.Errorf("FailedPhase = %q, want empty", res.FailedPhase)
	}
	if len(res.Phases) != 2 {
		t.Fatalf("got %d phase results, want 2", len(res.Phases))
	}
	if !strings.Contains(res.Phases[0].Output, "installing") {
		t.Errorf("install output not captured: %q", res.Phases[0].Output)
	}
	if !strings.Contains(res.Phases[1].Output, "hello") {
		t.Errorf("job env not visible to script: %q", res.Phases[1].Output)
	}
}

func TestRunJobInstallFailureSkipsScript(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	res := RunJob(context.Background(), job,
		phasesFor([]string{"echo broken; exit 3"}, []string{"echo never"}, 0),
		t.TempDir(), false)

	if res.Status != JobFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.FailedPhase != PhaseInstall {
		t.Errorf("FailedPhase = %q, want install", res.FailedPhase)
	}
	install, script := res.Phases[0], res.Phases[1]
	if install.Status != PhaseFailed || install.ExitCode != 3 {
		t.Errorf("install = %s/%d, want failed/3", install.Status, install.ExitCode)
	}
	if script.Status != PhaseSkipped {
		t.Errorf("script = %s, want skipped", script.Status)
	}
	if script.Output != "" {
		t.Errorf("skipped script produced output: %q", script.Output)
	}
}

func TestRunJobScriptFailureStopsRemainingCommands(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	res := RunJob(context.Background(), job,
		phasesFor(nil, []string{"exit 1", "echo after"}, 0),
		t.TempDir(), false)

	if res.Status != JobFailed || res.FailedPhase != PhaseScript {
		t.Fatalf("status = %s/%s, want failed/script", res.Status, res.FailedPhase)
	}
	if strings.Contains(res.Phases[1].Output, "after") {
		t.Error("commands after a failure still ran")
	}
}

func TestRunJobScriptTimeout(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	start := time.Now()
	res := RunJob(context.Background(), job,
		phasesFor(nil, []string{"sleep 30"}, 300*time.Millisecond),
		t.TempDir(), false)
	elapsed := time.Since(start)

	if res.Status != JobTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if res.FailedPhase != PhaseScript {
		t.Errorf("FailedPhase = %q, want script", res.FailedPhase)
	}
	script := res.Phases[1]
	if script.Status != PhaseTimeout {
		t.Errorf("script status = %s, want timeout", script.Status)
	}
	// The phase is cut at its budget, not at the command's natural runtime.
	if elapsed > 5*time.Second {
		t.Errorf("timeout took %s, the process group was not killed", elapsed)
	}
	if script.Duration < 300*time.Millisecond || script.Duration > 5*time.Second {
		t.Errorf("script duration = %s, want ≈ the 300ms budget", script.Duration)
	}
}

func TestRunJobTimeoutIsNotPhaseFailure(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	res := RunJob(context.Background(), job,
		phasesFor(nil, []string{"sleep 30"}, 200*time.Millisecond),
		t.TempDir(), false)

	if res.Status == JobFailed {
		t.Error("timeout reported as a plain phase failure")
	}
	if res.Phases[1].Status == PhaseFailed {
		t.Error("timed-out phase reported as failed")
	}
}

func TestRunJobCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	start := time.Now()
	res := RunJob(ctx, job, phasesFor(nil, []string{"sleep 30"}, 0), t.TempDir(), false)

	if res.Status != JobCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation did not interrupt the running command")
	}
}

func TestRunJobFixedEnv(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	res := RunJob(context.Background(), job,
		phasesFor(nil, []string{"echo CI=$CI VERBOSE=$CI_VERBOSE"}, 0),
		t.TempDir(), false)

	if !strings.Contains(res.Phases[1].Output, "CI=true VERBOSE=1") {
		t.Errorf("fixed env constants missing: %q", res.Phases[1].Output)
	}
}

func TestRunJobOutputCapturedOnFailure(t *testing.T) {
	job := JobDefinition{ID: "test", Name: "1.0/linux"}
	res := RunJob(context.Background(), job,
		phasesFor(nil, []string{"echo to stdout; echo to stderr >&2; exit 1"}, 0),
		t.TempDir(), false)

	out := res.Phases[1].Output
	if !strings.Contains(out, "to stdout") || !strings.Contains(out, "to stderr") {
		t.Errorf("output not fully captured: %q", out)
	}
}
