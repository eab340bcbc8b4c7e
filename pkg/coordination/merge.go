// Package coordination implements the parallel-work primitives: sync points,
// split/join of task graphs, result merging and the synthesis service that
// feeds merged results into continuation tasks.
package coordination

import (
	"log/slog"
	"strings"
)

// Merge strategies.
const (
	MergeCombine      = "combine"
	MergeUnion        = "union"
	MergeIntersection = "intersection"
	MergeCustom       = "custom"
)

// SourceResult is one completed source task's result, in merge order.
type SourceResult struct {
	TaskID string
	Result map[string]any
}

// MergeFunc is a caller-registered custom merge.
type MergeFunc func(sources []SourceResult) map[string]any

// customMerges holds registered custom merge functions by name.
var customMerges = map[string]MergeFunc{}

// RegisterMergeFunc registers a custom merge under a name, referenced by
// strategy "custom:<name>".
func RegisterMergeFunc(name string, fn MergeFunc) {
	customMerges[name] = fn
}

// MergeTaskResults merges the ordered source results under the given
// strategy. Unknown strategies and unknown custom functions fall back to
// combine.
func MergeTaskResults(strategy string, sources []SourceResult) map[string]any {
	switch {
	case strategy == MergeUnion:
		return mergeFlatten(sources, false)
	case strategy == MergeIntersection:
		return mergeIntersection(sources)
	case strategy == MergeCustom || strings.HasPrefix(strategy, MergeCustom+":"):
		name := strings.TrimPrefix(strategy, MergeCustom)
		name = strings.TrimPrefix(name, ":")
		if fn, ok := customMerges[name]; ok {
			return fn(sources)
		}
		slog.Warn("Unknown custom merge function, falling back to combine", "name", name)
		return mergeFlatten(sources, true)
	case strategy == MergeCombine:
		return mergeFlatten(sources, true)
	}
	slog.Warn("Unknown merge strategy, falling back to combine", "strategy", strategy)
	return mergeFlatten(sources, true)
}

// mergeFlatten flattens all non-meta keys into one map, later writers
// winning on conflict. withMeta additionally records every source result
// under _source_results.
func mergeFlatten(sources []SourceResult, withMeta bool) map[string]any {
	out := make(map[string]any)
	for _, s := range sources {
		for k, v := range s.Result {
			if strings.HasPrefix(k, "_") {
				continue
			}
			out[k] = v
		}
	}
	if withMeta {
		meta := make(map[string]any, len(sources))
		for _, s := range sources {
			meta[s.TaskID] = s.Result
		}
		out["_source_results"] = meta
	}
	return out
}

// mergeIntersection keeps only keys present in every source, with values
// taken from the last source.
func mergeIntersection(sources []SourceResult) map[string]any {
	if len(sources) == 0 {
		return map[string]any{}
	}

	counts := make(map[string]int)
	for _, s := range sources {
		for k := range s.Result {
			if strings.HasPrefix(k, "_") {
				continue
			}
			counts[k]++
		}
	}

	last := sources[len(sources)-1].Result
	out := make(map[string]any)
	for k, n := range counts {
		if n == len(sources) {
			if v, ok := last[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}
