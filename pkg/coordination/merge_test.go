package coordination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSources() []SourceResult {
	return []SourceResult{
		{TaskID: "t1", Result: map[string]any{"api": "done", "shared": "from-t1", "_meta": "x"}},
		{TaskID: "t2", Result: map[string]any{"ui": "done", "shared": "from-t2"}},
	}
}

func TestMergeCombine(t *testing.T) {
	merged := MergeTaskResults(MergeCombine, sampleSources())

	assert.Equal(t, "done", merged["api"])
	assert.Equal(t, "done", merged["ui"])
	// Later writers win on conflicts.
	assert.Equal(t, "from-t2", merged["shared"])
	// Meta keys from sources are not flattened.
	assert.NotContains(t, merged, "_meta")

	meta, ok := merged["_source_results"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, meta, "t1")
	assert.Contains(t, meta, "t2")
}

func TestMergeUnion(t *testing.T) {
	merged := MergeTaskResults(MergeUnion, sampleSources())

	assert.Equal(t, "from-t2", merged["shared"])
	assert.Equal(t, "done", merged["api"])
	// Union carries no source metadata.
	assert.NotContains(t, merged, "_source_results")
}

func TestMergeIntersection(t *testing.T) {
	merged := MergeTaskResults(MergeIntersection, sampleSources())

	// Only "shared" appears in both sources; value comes from the last one.
	assert.Equal(t, map[string]any{"shared": "from-t2"}, merged)

	assert.Empty(t, MergeTaskResults(MergeIntersection, nil))
}

func TestMergeCustom(t *testing.T) {
	RegisterMergeFunc("pick-first", func(sources []SourceResult) map[string]any {
		if len(sources) == 0 {
			return map[string]any{}
		}
		return sources[0].Result
	})

	merged := MergeTaskResults("custom:pick-first", sampleSources())
	assert.Equal(t, "from-t1", merged["shared"])

	// Unknown custom functions fall back to combine.
	merged = MergeTaskResults("custom:nope", sampleSources())
	assert.Contains(t, merged, "_source_results")
}

func TestMergeUnknownStrategyFallsBack(t *testing.T) {
	merged := MergeTaskResults("zip", sampleSources())
	assert.Contains(t, merged, "_source_results")
}

func TestPendingJoinReady(t *testing.T) {
	p := &PendingJoin{
		SourceIDs:    []string{"a", "b", "c"},
		CompletedIDs: map[string]bool{"a": true},
	}
	assert.False(t, p.ready())

	p.CompletedIDs["b"] = true
	p.CompletedIDs["c"] = true
	assert.True(t, p.ready())
}

func TestStringSlice(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringSlice([]string{"a", "b"}))
	// Payloads that crossed redis decode as []any.
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", "b"}))
	assert.Nil(t, stringSlice("a"))
	assert.Nil(t, stringSlice(nil))
}
