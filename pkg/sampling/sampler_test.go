package sampling_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/archive"
	"github.com/axAilotl/companion-keeper/pkg/sampling"
)

// writeConversation writes a JSONL file whose assistant content totals
// assistantChars characters.
func writeConversation(t *testing.T, dir, name string, assistantChars int) string {
	t.Helper()
	lines := []string{
		`{"role": "user", "text": "question"}`,
		fmt.Sprintf(`{"role": "assistant", "text": %q}`, strings.Repeat("a", assistantChars)),
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	return path
}

func selectedPaths(selected []sampling.Selected) []string {
	names := make([]string, 0, len(selected))
	for _, sel := range selected {
		names = append(names, filepath.Base(sel.Path))
	}
	return names
}

func TestScoreMessages(t *testing.T) {
	score := sampling.ScoreMessages([]archive.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello there"},
		{Role: "assistant", Content: "more"},
		{Role: "system", Content: "sys"},
	})
	assert.Equal(t, sampling.Score{AssistantChars: 15, AssistantTurns: 2, TotalTurns: 4}, score)
}

func TestSelectTopRanked(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeConversation(t, dir, "mid_20240101.jsonl", 500),
		writeConversation(t, dir, "small_20240102.jsonl", 50),
		writeConversation(t, dir, "big_20240103.jsonl", 5000),
	}

	selected := sampling.Select(paths, 2, "top-ranked", 0)
	assert.Equal(t, []string{"big_20240103.jsonl", "mid_20240101.jsonl"}, selectedPaths(selected))
}

func TestSelectSequential(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeConversation(t, dir, "first.jsonl", 10),
		writeConversation(t, dir, "second.jsonl", 9000),
		writeConversation(t, dir, "third.jsonl", 100),
	}

	selected := sampling.Select(paths, 2, "sequential", 0)
	assert.Equal(t, []string{"first.jsonl", "second.jsonl"}, selectedPaths(selected))
}

func TestSelectWeightedRandomDeterministicWithSeed(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 10; i++ {
		paths = append(paths, writeConversation(t, dir, fmt.Sprintf("c%02d.jsonl", i), (i+1)*100))
	}

	first := sampling.Select(paths, 4, "weighted-random", 42)
	second := sampling.Select(paths, 4, "weighted-random", 42)
	require.Len(t, first, 4)
	assert.Equal(t, selectedPaths(first), selectedPaths(second))

	// No duplicates: sampling is without replacement.
	seen := map[string]bool{}
	for _, name := range selectedPaths(first) {
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
}

func TestSelectUniformRandomDeterministicWithSeed(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 8; i++ {
		paths = append(paths, writeConversation(t, dir, fmt.Sprintf("c%d.jsonl", i), 100))
	}

	first := sampling.Select(paths, 3, "uniform-random", 7)
	second := sampling.Select(paths, 3, "uniform-random", 7)
	require.Len(t, first, 3)
	assert.Equal(t, selectedPaths(first), selectedPaths(second))
}

func TestSelectLimitCoversEverything(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeConversation(t, dir, "a.jsonl", 10),
		writeConversation(t, dir, "b.jsonl", 300),
	}

	// Limit at or above the pool returns everything, ranked.
	selected := sampling.Select(paths, 10, "weighted-random", 1)
	assert.Equal(t, []string{"b.jsonl", "a.jsonl"}, selectedPaths(selected))

	selected = sampling.Select(paths, 0, "top-ranked", 1)
	assert.Equal(t, []string{"b.jsonl", "a.jsonl"}, selectedPaths(selected))
}

func TestSelectSkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	good := writeConversation(t, dir, "good.jsonl", 100)
	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	missing := filepath.Join(dir, "missing.jsonl")

	selected := sampling.Select([]string{good, empty, missing}, 5, "top-ranked", 0)
	assert.Equal(t, []string{"good.jsonl"}, selectedPaths(selected))
}

func TestSelectEmptyPool(t *testing.T) {
	assert.Nil(t, sampling.Select(nil, 5, "weighted-random", 0))
}
