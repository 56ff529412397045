package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultPipelineFile is the pipeline config looked up in a project
// directory when none is named.
const DefaultPipelineFile = "conveyor.yml"

// Project registers one repository checkout the serve mode can run
// pipelines for.
type Project struct {
	Name        string `yaml:"name" json:"name"`
	Path        string `yaml:"path" json:"path"`
	Pipeline    string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"` // config filename inside Path
	Branch      string `yaml:"branch,omitempty" json:"branch,omitempty"`     // default branch for triggered runs
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// ProjectsConfig holds the list of all registered projects.
type ProjectsConfig struct {
	Projects []Project `yaml:"projects" json:"projects"`
}

// LoadProjects loads the projects registry from a YAML file.
func LoadProjects(configPath string) (*ProjectsConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects config: %w", err)
	}

	var config ProjectsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse projects config: %w", err)
	}

	return &config, nil
}

// GetProject returns a project by name.
func (pc *ProjectsConfig) GetProject(name string) (*Project, error) {
	for _, project := range pc.Projects {
		if project.Name == name {
			return &project, nil
		}
	}
	return nil, fmt.Errorf("project '%s' not found", name)
}

// DefaultBranch is the branch cron and API runs use when the request names
// none.
func (p *Project) DefaultBranch() string {
	if p.Branch != "" {
		return p.Branch
	}
	return "master"
}

// Validate checks that the project's path exists and holds a pipeline file.
func (p *Project) Validate(baseDir string) error {
	projectPath := p.Path
	if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(baseDir, projectPath)
	}

	info, err := os.Stat(projectPath)
	if err != nil {
		return fmt.Errorf("project path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path is not a directory")
	}

	if _, err := os.Stat(p.PipelinePath(baseDir)); err != nil {
		return fmt.Errorf("pipeline config not found in project directory")
	}

	return nil
}

// PipelinePath returns the absolute path to the project's pipeline config.
func (p *Project) PipelinePath(baseDir string) string {
	projectPath := p.Path
	if !filepath.IsAbs(projectPath) {
		projectPath = filepath.Join(baseDir, projectPath)
	}
	pipeline := p.Pipeline
	if pipeline == "" {
		pipeline = DefaultPipelineFile
	}
	return filepath.Join(projectPath, pipeline)
}
