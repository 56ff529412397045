package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidMatrixEntry marks a matrix include entry that cannot become a
// job, currently only a missing toolchain version. Raised at load time; no
// run is attempted for a spec that fails validation.
var ErrInvalidMatrixEntry = errors.New("invalid matrix entry")

// DefaultOS is assumed for include entries that do not name one.
const DefaultOS = "linux"

// PipelineSpec is the parsed, validated pipeline configuration. It is built
// once per run by LoadSpec and treated as read-only afterwards.
type PipelineSpec struct {
	Trigger     Condition
	GlobalEnv   []string // KEY=VALUE, declaration order preserved
	Include     []MatrixEntry
	Addons      []string
	Install     []string
	Script      []string
	Timeouts    PhaseTimeouts
	Cache       CacheSpec
	BeforeCache []string
	Schedules   []Schedule
	Dir         string // directory the config file lives in
}

// MatrixEntry is one job template from matrix.include. Entries are used
// verbatim, one job each, in declaration order.
type MatrixEntry struct {
	Toolchain string   `yaml:"toolchain"`
	OS        string   `yaml:"os"`
	Env       []string `yaml:"env"`
}

// PhaseTimeouts bounds phase wall-clock time. Zero means unbounded.
type PhaseTimeouts struct {
	Install time.Duration
	Script  time.Duration
}

// CacheSpec configures the dependency cache for this pipeline.
type CacheSpec struct {
	Enabled bool
	Scope   []string // fingerprint tokens; tokens naming files hash contents
	Timeout time.Duration
}

// Schedule fires a cron-event run in serve mode. Exactly one of Every or
// At should be set.
type Schedule struct {
	Every  string `yaml:"every,omitempty" json:"every,omitempty"` // interval, e.g. "24h", "30m"
	At     string `yaml:"at,omitempty" json:"at,omitempty"`       // daily time, "HH:MM"
	Branch string `yaml:"branch,omitempty" json:"branch,omitempty"`
}

// commandList accepts either a single string or a sequence of strings, so
// install/script can be written both ways.
type commandList []string

func (c *commandList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*c = commandList{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*c = commandList(list)
		return nil
	default:
		return fmt.Errorf("expected string or list of strings")
	}
}

// duration parses Go duration syntax from YAML scalars.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

type rawSpec struct {
	Trigger string   `yaml:"trigger"`
	Env     []string `yaml:"env"`
	Matrix  struct {
		Include []MatrixEntry `yaml:"include"`
	} `yaml:"matrix"`
	Addons   []string    `yaml:"addons"`
	Install  commandList `yaml:"install"`
	Script   commandList `yaml:"script"`
	Timeouts struct {
		Install duration `yaml:"install"`
		Script  duration `yaml:"script"`
	} `yaml:"timeouts"`
	Cache struct {
		Enabled bool     `yaml:"enabled"`
		Scope   []string `yaml:"scope"`
		Timeout duration `yaml:"timeout"`
	} `yaml:"cache"`
	BeforeCache []string   `yaml:"before_cache"`
	Schedules   []Schedule `yaml:"schedules"`
}

// LoadSpec reads, parses and fully validates a pipeline file. All
// configuration-time errors surface here; after LoadSpec succeeds the spec
// is immutable and the run can only fail per job.
func LoadSpec(path string) (*PipelineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config directory: %w", err)
	}
	spec.Dir = dir
	return spec, nil
}

// ParseSpec builds a PipelineSpec from raw YAML. Split from LoadSpec so
// serve-mode callers holding config bytes can reuse the validation.
func ParseSpec(data []byte) (*PipelineSpec, error) {
	var raw rawSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}

	trigger, err := ParseCondition(raw.Trigger)
	if err != nil {
		return nil, err
	}

	if len(raw.Script) == 0 {
		return nil, fmt.Errorf("pipeline config defines no script phase")
	}

	for _, entry := range raw.Env {
		if !strings.Contains(entry, "=") {
			return nil, fmt.Errorf("malformed env entry %q, want KEY=VALUE", entry)
		}
	}

	include := make([]MatrixEntry, len(raw.Matrix.Include))
	for i, entry := range raw.Matrix.Include {
		if entry.Toolchain == "" {
			return nil, fmt.Errorf("%w: include entry %d has no toolchain", ErrInvalidMatrixEntry, i)
		}
		if entry.OS == "" {
			entry.OS = DefaultOS
		}
		for _, e := range entry.Env {
			if !strings.Contains(e, "=") {
				return nil, fmt.Errorf("%w: include entry %d has malformed env entry %q", ErrInvalidMatrixEntry, i, e)
			}
		}
		include[i] = entry
	}

	for _, sched := range raw.Schedules {
		if sched.Every == "" && sched.At == "" {
			return nil, fmt.Errorf("schedule needs an 'every' interval or 'at' time")
		}
	}

	return &PipelineSpec{
		Trigger:   trigger,
		GlobalEnv: raw.Env,
		Include:   include,
		Addons:    raw.Addons,
		Install:   []string(raw.Install),
		Script:    []string(raw.Script),
		Timeouts: PhaseTimeouts{
			Install: time.Duration(raw.Timeouts.Install),
			Script:  time.Duration(raw.Timeouts.Script),
		},
		Cache: CacheSpec{
			Enabled: raw.Cache.Enabled,
			Scope:   raw.Cache.Scope,
			Timeout: time.Duration(raw.Cache.Timeout),
		},
		BeforeCache: raw.BeforeCache,
		Schedules:   raw.Schedules,
	}, nil
}
