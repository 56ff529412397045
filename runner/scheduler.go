package runner

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"conveyor/runner/cache"
	"conveyor/runner/storage"
)

// Scheduler fires cron-event runs for registered projects based on the
// schedules declared in their pipeline configs. A due schedule produces a
// run with event type "cron", subject to the same trigger gate as any
// other ref.
type Scheduler struct {
	projectsConfig *ProjectsConfig
	storage        *storage.Storage
	cache          *cache.Manager
	baseDir        string
	workspaceRoot  string
	workers        int
	stopChan       chan struct{}
	lastRuns       map[string]time.Time // track last execution per schedule
	mu             sync.RWMutex         // protect lastRuns and runningJobs
	runningJobs    map[string]bool      // track currently running schedules
}

// NewScheduler creates a scheduler over the given projects registry.
func NewScheduler(projectsConfig *ProjectsConfig, store *storage.Storage, cacheMgr *cache.Manager, baseDir, workspaceRoot string, workers int) *Scheduler {
	return &Scheduler{
		projectsConfig: projectsConfig,
		storage:        store,
		cache:          cacheMgr,
		baseDir:        baseDir,
		workspaceRoot:  workspaceRoot,
		workers:        workers,
		stopChan:       make(chan struct{}),
		lastRuns:       make(map[string]time.Time),
		runningJobs:    make(map[string]bool),
	}
}

// Start begins the scheduler loop. It also sweeps expired cache entries
// once per tick so advisory cache timeouts actually evict.
func (s *Scheduler) Start() {
	log.Println("📅 Scheduler started")
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			log.Println("📅 Scheduler stopped")
			return
		}
	}
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// tick checks every registered project's schedules and triggers due runs.
func (s *Scheduler) tick() {
	if s.cache != nil {
		if evicted, err := s.cache.Sweep(time.Now()); err != nil {
			log.Printf("⚠️  Cache sweep failed: %v", err)
		} else if evicted > 0 {
			log.Printf("🧹 Evicted %d expired cache entr(ies)", evicted)
		}
	}

	for _, project := range s.projectsConfig.Projects {
		spec, err := LoadSpec(project.PipelinePath(s.baseDir))
		if err != nil {
			// Skip projects whose config can't be loaded right now.
			continue
		}

		if len(spec.Schedules) == 0 {
			continue
		}

		for i, schedule := range spec.Schedules {
			scheduleKey := fmt.Sprintf("%s-schedule-%d", project.Name, i)

			s.mu.RLock()
			lastRun := s.lastRuns[scheduleKey]
			isRunning := s.runningJobs[scheduleKey]
			s.mu.RUnlock()

			// A schedule never overlaps itself.
			if isRunning {
				continue
			}

			if s.shouldFire(schedule, lastRun) {
				s.mu.Lock()
				s.runningJobs[scheduleKey] = true
				s.lastRuns[scheduleKey] = time.Now()
				s.mu.Unlock()

				go func(p Project, spec *PipelineSpec, sched Schedule, key string) {
					s.executeSchedule(p, spec, sched)

					s.mu.Lock()
					delete(s.runningJobs, key)
					s.mu.Unlock()
				}(project, spec, schedule, scheduleKey)
			}
		}
	}
}

// shouldFire determines if a schedule is due now.
func (s *Scheduler) shouldFire(schedule Schedule, lastRun time.Time) bool {
	now := time.Now()

	// Time-based schedule (at: "HH:MM")
	if schedule.At != "" {
		hour, minute, err := parseAtTime(schedule.At)
		if err != nil {
			log.Printf("⚠️  Invalid time format '%s': %v", schedule.At, err)
			return false
		}

		if now.Hour() == hour && now.Minute() == minute {
			// Only once per day at this time.
			if lastRun.IsZero() || now.Sub(lastRun) >= 23*time.Hour {
				return true
			}
		}
		return false
	}

	// Interval-based schedule (every: "1h", "30m", etc.)
	if schedule.Every != "" {
		interval, err := time.ParseDuration(schedule.Every)
		if err != nil {
			log.Printf("⚠️  Invalid interval format '%s': %v", schedule.Every, err)
			return false
		}

		if lastRun.IsZero() || now.Sub(lastRun) >= interval {
			return true
		}
		return false
	}

	return false
}

// executeSchedule runs the project's pipeline for a cron ref on the
// schedule's branch.
func (s *Scheduler) executeSchedule(project Project, spec *PipelineSpec, schedule Schedule) {
	branch := schedule.Branch
	if branch == "" {
		branch = project.DefaultBranch()
	}

	log.Printf("⏰ Schedule triggered: %s (branch: %s)", project.Name, branch)

	ref := RefMetadata{Branch: branch, Event: EventCron}
	result, err := ExecuteRun(context.Background(), spec, ref, RunOptions{
		Storage:       s.storage,
		Cache:         s.cache,
		Workers:       s.workers,
		WorkspaceRoot: s.workspaceRoot,
		ProjectName:   project.Name,
	})
	if err != nil {
		log.Printf("❌ Scheduled run failed for %s: %v", project.Name, err)
		return
	}
	if result.Gate == GateSkipped {
		log.Printf("⏭️  Scheduled run gated off for %s", project.Name)
		return
	}
	if result.Succeeded() {
		log.Printf("✅ Scheduled run completed: %s (run %d)", project.Name, result.RunID)
	} else {
		log.Printf("❌ Scheduled run failed: %s (run %d)", project.Name, result.RunID)
	}
}

// parseAtTime parses "HH:MM" format.
func parseAtTime(at string) (hour, minute int, err error) {
	parts := strings.Split(at, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time format, expected HH:MM")
	}

	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour")
	}

	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute")
	}

	return hour, minute, nil
}
