package cmd

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"conveyor/api"
	"conveyor/runner"
	"conveyor/runner/cache"
	"conveyor/runner/storage"
)

// Serve starts the HTTP server over the run history, the project registry
// and the cron scheduler.
func Serve(args []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	workers := flags.Int("workers", runner.DefaultWorkers, "max concurrently running jobs per run")
	projectsPath := flags.String("projects", "", "projects registry file (default ./projects.yml)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	// Load .env file if it exists (ignore errors if it doesn't).
	_ = godotenv.Load()

	port := getEnv("PORT", "8080")

	cwd, err := os.Getwd()
	if err != nil {
		log.Fatalf("Failed to get current directory: %v", err)
	}

	dataDir := filepath.Join(cwd, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := storage.NewStorage(filepath.Join(dataDir, "conveyor.db"))
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	cacheMgr, err := cache.NewManager(filepath.Join(dataDir, "cache"))
	if err != nil {
		log.Fatalf("Failed to initialize cache store: %v", err)
	}

	if *projectsPath == "" {
		*projectsPath = filepath.Join(cwd, "projects.yml")
	}
	projectsConfig, err := runner.LoadProjects(*projectsPath)
	if err != nil {
		log.Printf("Warning: Failed to load projects config: %v", err)
		projectsConfig = &runner.ProjectsConfig{Projects: []runner.Project{}}
	} else {
		log.Printf("📁 Loaded %d project(s)", len(projectsConfig.Projects))
	}

	workspaceRoot := filepath.Join(dataDir, "workspaces")
	engine := api.Engine{
		Storage:       store,
		Cache:         cacheMgr,
		Workers:       *workers,
		WorkspaceRoot: workspaceRoot,
	}

	// Cron-event runs from in-config schedules.
	scheduler := runner.NewScheduler(projectsConfig, store, cacheMgr, cwd, workspaceRoot, *workers)
	go scheduler.Start()
	defer scheduler.Stop()

	mux := http.NewServeMux()

	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	mux.HandleFunc("/api/runs", api.GetRuns(store))
	mux.HandleFunc("/api/runs/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/status") {
			api.GetRunStatus(store)(w, r)
		} else {
			api.GetRun(store)(w, r)
		}
	})
	mux.HandleFunc("/api/run", api.PostRun(engine))

	mux.HandleFunc("/api/projects", api.GetProjects(projectsConfig, cwd))
	mux.HandleFunc("/api/projects/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/runs"):
			api.GetProjectRuns(store)(w, r)
		case strings.HasSuffix(r.URL.Path, "/run"):
			api.PostProjectRun(engine, projectsConfig, cwd)(w, r)
		case strings.HasSuffix(r.URL.Path, "/stats"):
			api.GetProjectStats(store)(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/events", api.SSEHandler())

	serverAddr := ":" + port
	log.Printf("🚀 Starting conveyor server on port %s...", port)

	if err := http.ListenAndServe(serverAddr, corsMiddleware(mux)); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// getEnv gets environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
