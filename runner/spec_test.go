package runner

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fullConfig = `
trigger: branch IN (master, milestone) OR fork OR tag =~ ^v\d+\.\d+\.\d+.*

env:
  - RUST_BACKTRACE=1
  - CARGO_INCREMENTAL=0

matrix:
  include:
    - toolchain: "1.32.0"
      os: osx
      env:
        - TEST_DIR=util
    - toolchain: "1.32.0"
      os: linux
      env:
        - TEST_DIR=chain

addons:
  - cmake
  - libssl-dev

install: cargo fetch
script:
  - cargo build
  - cargo test --all

timeouts:
  install: 10m
  script: 45m

cache:
  enabled: true
  scope:
    - Cargo.lock
  timeout: 720h

before_cache:
  - rm -rf .cache/registry/src

schedules:
  - every: 24h
    branch: master
`

func TestParseSpecFull(t *testing.T) {
	spec, err := ParseSpec([]byte(fullConfig))
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}

	if !spec.Trigger.Eval(RefMetadata{Branch: "master"}) {
		t.Error("trigger should accept master")
	}
	if spec.Trigger.Eval(RefMetadata{Branch: "feature-x"}) {
		t.Error("trigger should reject feature-x")
	}

	if len(spec.GlobalEnv) != 2 || spec.GlobalEnv[0] != "RUST_BACKTRACE=1" {
		t.Errorf("unexpected global env: %v", spec.GlobalEnv)
	}

	if len(spec.Include) != 2 {
		t.Fatalf("got %d include entries, want 2", len(spec.Include))
	}
	if spec.Include[0].OS != "osx" || spec.Include[1].OS != "linux" {
		t.Errorf("include order not preserved: %+v", spec.Include)
	}

	if len(spec.Install) != 1 || spec.Install[0] != "cargo fetch" {
		t.Errorf("scalar install should parse as one command, got %v", spec.Install)
	}
	if len(spec.Script) != 2 {
		t.Errorf("script list should parse as two commands, got %v", spec.Script)
	}

	if spec.Timeouts.Install != 10*time.Minute || spec.Timeouts.Script != 45*time.Minute {
		t.Errorf("unexpected timeouts: %+v", spec.Timeouts)
	}

	if !spec.Cache.Enabled || spec.Cache.Timeout != 720*time.Hour {
		t.Errorf("unexpected cache spec: %+v", spec.Cache)
	}
	if len(spec.Cache.Scope) != 1 || spec.Cache.Scope[0] != "Cargo.lock" {
		t.Errorf("unexpected cache scope: %v", spec.Cache.Scope)
	}

	if len(spec.BeforeCache) != 1 {
		t.Errorf("unexpected before_cache: %v", spec.BeforeCache)
	}
	if len(spec.Addons) != 2 {
		t.Errorf("unexpected addons: %v", spec.Addons)
	}
	if len(spec.Schedules) != 1 || spec.Schedules[0].Every != "24h" {
		t.Errorf("unexpected schedules: %+v", spec.Schedules)
	}
}

func TestParseSpecErrors(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr error // nil means any error is fine
	}{
		{
			name:    "bad trigger",
			config:  "trigger: commit = abc\nscript: \"true\"\n",
			wantErr: ErrInvalidExpression,
		},
		{
			name:    "include entry without toolchain",
			config:  "script: \"true\"\nmatrix:\n  include:\n    - os: linux\n",
			wantErr: ErrInvalidMatrixEntry,
		},
		{
			name:    "malformed include env entry",
			config:  "script: \"true\"\nmatrix:\n  include:\n    - toolchain: \"1.0\"\n      env: [JUSTAKEY]\n",
			wantErr: ErrInvalidMatrixEntry,
		},
		{
			name:   "missing script",
			config: "install: make deps\n",
		},
		{
			name:   "malformed global env entry",
			config: "script: \"true\"\nenv: [NOVALUE]\n",
		},
		{
			name:   "bad timeout",
			config: "script: \"true\"\ntimeouts:\n  script: soon\n",
		},
		{
			name:   "schedule without interval or time",
			config: "script: \"true\"\nschedules:\n  - branch: master\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSpec([]byte(tt.config))
			if err == nil {
				t.Fatal("ParseSpec succeeded, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadSpecResolvesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yml")
	if err := os.WriteFile(path, []byte("script: \"true\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadSpec(path)
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if spec.Dir != dir {
		t.Errorf("spec.Dir = %q, want %q", spec.Dir, dir)
	}
}

func TestLoadSpecMissingFile(t *testing.T) {
	_, err := LoadSpec(filepath.Join(t.TempDir(), "nope.yml"))
	if err == nil {
		t.Fatal("LoadSpec succeeded for a missing file")
	}
}
