package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Environment constants forced onto every phase of every job, on top of the
// job's merged environment. CI_VERBOSE keeps diagnostic output on for all
// jobs so captured logs are useful after the fact.
var fixedEnv = []string{
	"CI=true",
	"CI_VERBOSE=1",
}

// Phase is one ordered execution step of a job: its commands run in
// sequence under a shared wall-clock budget.
type Phase struct {
	Name     string
	Commands []string
	Timeout  time.Duration // 0 = unbounded
}

// RunJob executes the job's phases strictly in order inside workdir. A
// failing phase skips every later phase (fail fast, no retries) and the job
// carries that phase's name as its attribution. A phase that outlives its
// budget has its whole process group killed and is recorded as a timeout,
// distinct from a command that merely exited non-zero. Cancellation through
// ctx likewise kills the running process group and marks the job cancelled.
func RunJob(ctx context.Context, job JobDefinition, phases []Phase, workdir string, stream bool) JobResult {
	start := time.Now()
	env := append(os.Environ(), job.Env...)
	env = append(env, fixedEnv...)

	result := JobResult{
		Job:    job,
		Status: JobSuccess,
		Phases: make([]PhaseResult, 0, len(phases)),
	}

	halted := false
	for _, phase := range phases {
		if halted {
			result.Phases = append(result.Phases, PhaseResult{
				Name:   phase.Name,
				Status: PhaseSkipped,
			})
			continue
		}
		pr := runPhase(ctx, phase, workdir, env, stream)
		result.Phases = append(result.Phases, pr)
		switch pr.Status {
		case PhaseSuccess:
			// next phase proceeds
		case PhaseFailed:
			result.Status = JobFailed
			result.FailedPhase = phase.Name
			halted = true
		case PhaseTimeout:
			result.Status = JobTimeout
			result.FailedPhase = phase.Name
			halted = true
		}
		if ctx.Err() != nil {
			result.Status = JobCancelled
			halted = true
		}
	}

	result.Duration = time.Since(start)
	return result
}

// runPhase runs the phase's commands in order under one shared deadline.
// Output of all commands is captured into a single transcript.
func runPhase(ctx context.Context, phase Phase, workdir string, env []string, stream bool) PhaseResult {
	start := time.Now()
	var deadline time.Time
	if phase.Timeout > 0 {
		deadline = start.Add(phase.Timeout)
	}

	var transcript bytes.Buffer
	pr := PhaseResult{Name: phase.Name, Status: PhaseSuccess}

	for _, command := range phase.Commands {
		output, exitCode, timedOut, err := runShellCommand(ctx, command, workdir, env, deadline, stream)
		transcript.WriteString(output)
		pr.ExitCode = exitCode
		switch {
		case timedOut:
			pr.Status = PhaseTimeout
		case ctx.Err() != nil:
			pr.Status = PhaseFailed
		case err != nil:
			pr.Status = PhaseFailed
		}
		if pr.Status != PhaseSuccess {
			break
		}
	}

	pr.Output = transcript.String()
	pr.Duration = time.Since(start)
	return pr
}

// runShellCommand runs a single command through the shell with its own
// process group, so a timeout or cancellation kills the command and
// everything it spawned. Output is always captured in full; stream mirrors
// it to the terminal as well.
func runShellCommand(ctx context.Context, command, dir string, env []string, deadline time.Time, stream bool) (output string, exitCode int, timedOut bool, err error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	stdoutWriters := []io.Writer{&stdout}
	stderrWriters := []io.Writer{&stderr}
	if stream {
		stdoutWriters = append(stdoutWriters, os.Stdout)
		stderrWriters = append(stderrWriters, os.Stderr)
	}
	cmd.Stdout = io.MultiWriter(stdoutWriters...)
	cmd.Stderr = io.MultiWriter(stderrWriters...)

	combined := func() string {
		out := stdout.String() + stderr.String()
		if len(out) > 0 && out[len(out)-1] != '\n' {
			out += "\n"
		}
		return out
	}

	if err := cmd.Start(); err != nil {
		return combined(), -1, false, err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case waitErr := <-done:
		return combined(), exitCodeOf(waitErr), false, waitErr
	case <-timeoutCh:
		killProcessGroup(cmd)
		<-done
		return combined(), -1, true, context.DeadlineExceeded
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return combined(), -1, false, ctx.Err()
	}
}

// killProcessGroup delivers SIGKILL to the command's process group. The
// negative pid addresses the group set up by Setpgid.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// RunHook executes one before-cache hook command in dir. Hooks are cache
// maintenance, not part of the job: the caller logs failures and moves on.
func RunHook(command, dir string, env []string) (string, error) {
	cmd := exec.Command("bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
