package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"conveyor/runner"
	"conveyor/runner/cache"
	"conveyor/runner/storage"
)

// Engine bundles the run-side dependencies handlers need to trigger runs.
type Engine struct {
	Storage       *storage.Storage
	Cache         *cache.Manager
	Workers       int
	WorkspaceRoot string
}

func (e Engine) runOptions(projectName string) runner.RunOptions {
	return runner.RunOptions{
		Storage:       e.Storage,
		Cache:         e.Cache,
		Workers:       e.Workers,
		WorkspaceRoot: e.WorkspaceRoot,
		ProjectName:   projectName,
	}
}

// refRequest is the ref metadata accepted on run-trigger endpoints.
type refRequest struct {
	Branch string `json:"branch"`
	Tag    string `json:"tag,omitempty"`
	Event  string `json:"event,omitempty"`
	Fork   bool   `json:"fork,omitempty"`
}

func (r refRequest) toRef() runner.RefMetadata {
	event := runner.EventType(r.Event)
	if event == "" {
		event = runner.EventAPI
	}
	return runner.RefMetadata{Branch: r.Branch, Tag: r.Tag, Event: event, Fork: r.Fork}
}

// GetRuns returns the most recent runs.
func GetRuns(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		runs, err := store.GetRuns(100)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get runs: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

// GetRun returns a single run with its jobs.
func GetRun(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		runID, ok := runIDFromPath(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Run not found: %v", err), http.StatusNotFound)
			return
		}

		jobs, err := store.GetJobsForRun(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get jobs: %v", err), http.StatusInternalServerError)
			return
		}

		type RunResponse struct {
			Run  *storage.Run   `json:"run"`
			Jobs []*storage.Job `json:"jobs"`
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(RunResponse{Run: run, Jobs: jobs})
	}
}

// GetRunStatus returns just the status of a run (lightweight for polling).
func GetRunStatus(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		runID, ok := runIDFromPath(w, r)
		if !ok {
			return
		}

		run, err := store.GetRun(runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("Run not found: %v", err), http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     run.ID,
			"status": run.Status,
			"gate":   run.Gate,
		})
	}
}

// PostRun triggers a run for an arbitrary pipeline config path.
func PostRun(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			ConfigPath string `json:"config_path"`
			refRequest
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
			return
		}
		if req.ConfigPath == "" {
			writeError(w, http.StatusBadRequest, "config_path is required")
			return
		}
		if req.Branch == "" {
			writeError(w, http.StatusBadRequest, "branch is required")
			return
		}

		configPath := req.ConfigPath
		if !filepath.IsAbs(configPath) {
			cwd, err := os.Getwd()
			if err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get working directory: %v", err))
				return
			}
			configPath = filepath.Join(cwd, configPath)
		}

		// Configuration-time errors surface synchronously: no run is
		// attempted for a spec that fails validation.
		spec, err := runner.LoadSpec(configPath)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ref := req.toRef()
		log.Printf("🚀 Triggering pipeline: %s (branch: %s)", configPath, ref.Branch)

		go func() {
			result, err := runner.ExecuteRun(context.Background(), spec, ref, engine.runOptions(""))
			if err != nil {
				log.Printf("❌ Pipeline execution failed: %v", err)
				return
			}
			log.Printf("🏁 Run %d finished: %s", result.RunID, result.Status)
		}()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "Run started",
			"status":  "starting",
		})
	}
}

// GetProjects returns all registered projects with validation state.
func GetProjects(projectsConfig *runner.ProjectsConfig, baseDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		type ProjectResponse struct {
			runner.Project
			Valid bool   `json:"valid"`
			Error string `json:"error,omitempty"`
		}

		projects := make([]ProjectResponse, 0, len(projectsConfig.Projects))
		for _, project := range projectsConfig.Projects {
			pr := ProjectResponse{Project: project, Valid: true}
			if err := project.Validate(baseDir); err != nil {
				pr.Valid = false
				pr.Error = err.Error()
			}
			projects = append(projects, pr)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(projects)
	}
}

// GetProjectRuns returns runs for a specific project.
func GetProjectRuns(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		projectName, ok := projectNameFromPath(w, r)
		if !ok {
			return
		}

		runs, err := store.GetRunsForProject(projectName, 100)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get runs: %v", err), http.StatusInternalServerError)
			return
		}
		if runs == nil {
			runs = []*storage.Run{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	}
}

// PostProjectRun triggers a run for a registered project.
func PostProjectRun(engine Engine, projectsConfig *runner.ProjectsConfig, baseDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		projectName, ok := projectNameFromPath(w, r)
		if !ok {
			return
		}

		project, err := projectsConfig.GetProject(projectName)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Project not found: %v", err))
			return
		}
		if err := project.Validate(baseDir); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid project: %v", err))
			return
		}

		var req refRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request: %v", err))
				return
			}
		}
		if req.Branch == "" {
			req.Branch = project.DefaultBranch()
		}

		spec, err := runner.LoadSpec(project.PipelinePath(baseDir))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ref := req.toRef()
		log.Printf("🚀 Triggering pipeline for project %s (branch: %s)", projectName, ref.Branch)

		go func() {
			result, err := runner.ExecuteRun(context.Background(), spec, ref, engine.runOptions(projectName))
			if err != nil {
				log.Printf("❌ Pipeline execution failed for %s: %v", projectName, err)
				return
			}
			log.Printf("🏁 Run %d finished for %s: %s", result.RunID, projectName, result.Status)
		}()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": fmt.Sprintf("Run started for %s", projectName),
			"status":  "starting",
		})
	}
}

// GetProjectStats returns recent run summaries for a project.
func GetProjectStats(store *storage.Storage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		projectName, ok := projectNameFromPath(w, r)
		if !ok {
			return
		}

		stats, err := store.GetLatestRunsForProject(projectName, 10)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get project stats: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// runIDFromPath parses /api/runs/:id[/...].
func runIDFromPath(w http.ResponseWriter, r *http.Request) (int, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return 0, false
	}
	runID, err := strconv.Atoi(pathParts[2])
	if err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return 0, false
	}
	return runID, true
}

// projectNameFromPath parses /api/projects/:name[/...].
func projectNameFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	pathParts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(pathParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return "", false
	}
	return pathParts[2], true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": message})
}
