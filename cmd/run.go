package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"conveyor/runner"
	"conveyor/runner/cache"
	"conveyor/runner/storage"
)

// Run executes the 'run' command: interpret a pipeline config against the
// ref metadata given on the command line.
func Run(args []string) error {
	flags := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", runner.DefaultPipelineFile, "pipeline config file")
	branch := flags.String("branch", "master", "branch the run is for")
	tag := flags.String("tag", "", "tag the run is for, if any")
	event := flags.String("event", string(runner.EventPush), "event type: push, pull_request, api, cron")
	fork := flags.Bool("fork", false, "ref comes from a fork")
	workers := flags.Int("workers", runner.DefaultWorkers, "max concurrently running jobs")
	noHistory := flags.Bool("no-history", false, "skip recording the run in the history database")
	if err := flags.Parse(args); err != nil {
		return err
	}

	// Load .env if present; absence is fine.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get current directory: %v", err)
	}

	dataDir := filepath.Join(cwd, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	var store *storage.Storage
	if !*noHistory {
		store, err = storage.NewStorage(filepath.Join(dataDir, "conveyor.db"))
		if err != nil {
			log.Fatalf("Failed to initialize storage: %v", err)
		}
		defer store.Close()
	}

	spec, err := runner.LoadSpec(*configPath)
	if err != nil {
		return err
	}

	var cacheMgr *cache.Manager
	if spec.Cache.Enabled {
		cacheMgr, err = cache.NewManager(filepath.Join(dataDir, "cache"))
		if err != nil {
			log.Fatalf("Failed to initialize cache store: %v", err)
		}
	}

	ref := runner.RefMetadata{
		Branch: *branch,
		Tag:    *tag,
		Event:  runner.EventType(*event),
		Fork:   *fork,
	}

	// Operator abort (Ctrl-C) cancels in-flight jobs, kills their process
	// groups and leaves their caches untouched.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := runner.ExecuteRun(ctx, spec, ref, runner.RunOptions{
		Storage:          store,
		Cache:            cacheMgr,
		Workers:          *workers,
		WorkspaceRoot:    filepath.Join(dataDir, "workspaces"),
		StreamToTerminal: true,
	})
	if err != nil {
		return err
	}

	if result.Gate == runner.GateSkipped {
		fmt.Printf("\n⏭️  Trigger condition not met for branch %q, nothing to run.\n", ref.Branch)
		return nil
	}

	fmt.Println()
	for _, jr := range result.Jobs {
		icon := "✅"
		detail := ""
		if !jr.Succeeded() {
			icon = "❌"
			detail = fmt.Sprintf(" (%s: %s)", jr.FailedPhase, jr.Status)
		}
		fmt.Printf("%s %-24s %s%s\n", icon, jr.Job.Name, jr.Duration.Round(time.Millisecond), detail)
	}
	fmt.Printf("\n📊 Run ID: %d | Status: %s | Duration: %s\n", result.RunID, result.Status, result.Duration.Round(time.Millisecond))

	if !result.Succeeded() {
		return fmt.Errorf("run failed")
	}
	return nil
}
