package runner

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"conveyor/runner/cache"
)

// ExpandMatrix turns matrix.include into concrete job definitions. Each
// include entry is a fully-specified template used verbatim, one job per
// element, in declaration order — there is no Cartesian product. Order
// matters: reporting and worker assignment both index jobs by their matrix
// position. An empty include list expands to zero jobs, which makes the
// run a no-op success, not an error.
func ExpandMatrix(spec *PipelineSpec) ([]JobDefinition, error) {
	jobs := make([]JobDefinition, 0, len(spec.Include))
	fingerprint := ""
	if spec.Cache.Enabled {
		fingerprint = cache.ScopeFingerprint(spec.Dir, spec.Cache.Scope)
	}
	for i, entry := range spec.Include {
		if entry.Toolchain == "" {
			return nil, fmt.Errorf("%w: include entry %d has no toolchain", ErrInvalidMatrixEntry, i)
		}
		osName := entry.OS
		if osName == "" {
			osName = DefaultOS
		}
		job := JobDefinition{
			ID:        uuid.NewString(),
			Index:     i,
			Name:      entry.Toolchain + "/" + osName,
			Toolchain: entry.Toolchain,
			OS:        osName,
			Env:       mergeEnv(spec.GlobalEnv, entry.Env),
		}
		if spec.Cache.Enabled {
			job.CacheKey = cache.DeriveKey(job.Toolchain, job.OS, fingerprint)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// mergeEnv overlays job env entries onto the global ones. Last write wins
// on key collision; an overridden key keeps its original position so the
// declared ordering stays stable.
func mergeEnv(global, overlay []string) []string {
	merged := make([]string, 0, len(global)+len(overlay))
	index := make(map[string]int, len(global))
	for _, entry := range global {
		key := envKey(entry)
		if at, ok := index[key]; ok {
			merged[at] = entry
			continue
		}
		index[key] = len(merged)
		merged = append(merged, entry)
	}
	for _, entry := range overlay {
		key := envKey(entry)
		if at, ok := index[key]; ok {
			merged[at] = entry
			continue
		}
		index[key] = len(merged)
		merged = append(merged, entry)
	}
	return merged
}

func envKey(entry string) string {
	if i := strings.IndexByte(entry, '='); i >= 0 {
		return entry[:i]
	}
	return entry
}
