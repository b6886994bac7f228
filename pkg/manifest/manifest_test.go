package manifest_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/manifest"
)

func TestRecordAndIsScanned(t *testing.T) {
	man := manifest.New("/input")

	require.NoError(t, man.Record("", "a.jsonl", 100, 5000, map[string]any{"trait": "warm"}, nil))

	assert.True(t, man.IsScanned("a.jsonl", 100, 5000))
	assert.False(t, man.IsScanned("a.jsonl", 101, 5000), "size change invalidates")
	assert.False(t, man.IsScanned("a.jsonl", 100, 5001), "mtime change invalidates")
	assert.False(t, man.IsScanned("b.jsonl", 100, 5000))
	assert.Equal(t, 1, man.Len())
}

func TestRecordUpsertKeepsOrder(t *testing.T) {
	man := manifest.New("/input")

	require.NoError(t, man.Record("", "b.jsonl", 1, 1, map[string]any{"id": "b"}, nil))
	require.NoError(t, man.Record("", "a.jsonl", 1, 1, map[string]any{"id": "a"}, nil))
	// Re-recording b must not move it to the back.
	require.NoError(t, man.Record("", "b.jsonl", 2, 2, map[string]any{"id": "b2"}, nil))

	obs := man.Observations()
	require.Len(t, obs, 2)
	assert.Equal(t, "b2", obs[0]["id"])
	assert.Equal(t, "a", obs[1]["id"])
	assert.Equal(t, 2, man.Len())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifest.FileName)

	man := manifest.New("/input")
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("conv-%d.jsonl", i)
		require.NoError(t, man.Record("", name, int64(i), int64(i*10),
			map[string]any{"seq": fmt.Sprintf("%d", i)},
			[]map[string]any{{"content": fmt.Sprintf("memory %d", i)}},
		))
	}
	require.NoError(t, man.Save(path))

	loaded := manifest.Load(path)
	assert.Equal(t, "/input", loaded.InputDir)
	assert.NotEmpty(t, loaded.CreatedAtUTC)
	assert.Equal(t, 5, loaded.Len())

	// Insertion order survives the round trip.
	obs := loaded.Observations()
	require.Len(t, obs, 5)
	for i, o := range obs {
		assert.Equal(t, fmt.Sprintf("%d", i), o["seq"])
	}
	cands := loaded.Candidates()
	require.Len(t, cands, 5)
	assert.Equal(t, "memory 0", cands[0]["content"])
	assert.Equal(t, "memory 4", cands[4]["content"])

	for i := 0; i < 5; i++ {
		assert.True(t, loaded.IsScanned(fmt.Sprintf("conv-%d.jsonl", i), int64(i), int64(i*10)))
	}
}

func TestLoadMissingOrCorrupt(t *testing.T) {
	dir := t.TempDir()

	man := manifest.Load(filepath.Join(dir, "missing.json"))
	assert.Equal(t, 0, man.Len())
	assert.Equal(t, "", man.CreatedAtUTC)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	man = manifest.Load(corrupt)
	assert.Equal(t, 0, man.Len())
	assert.Equal(t, "", man.CreatedAtUTC)
}

func TestRecordPersistsWhenPathGiven(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifest.FileName)

	man := manifest.New("/input")
	require.NoError(t, man.Record(path, "a.jsonl", 10, 20, map[string]any{"x": "y"}, nil))

	// The file on disk already reflects the record.
	loaded := manifest.Load(path)
	assert.True(t, loaded.IsScanned("a.jsonl", 10, 20))
}

func TestConcurrentRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifest.FileName)
	man := manifest.New("/input")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("conv-%d.jsonl", i)
			_ = man.Record(path, name, int64(i), int64(i), map[string]any{"i": i}, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 16, man.Len())
	assert.Equal(t, 16, manifest.Load(path).Len())
}

func TestObservationsSkipsEmpty(t *testing.T) {
	man := manifest.New("/input")
	require.NoError(t, man.Record("", "a.jsonl", 1, 1, nil, []map[string]any{{"content": "c"}}))
	require.NoError(t, man.Record("", "b.jsonl", 1, 1, map[string]any{"trait": "x"}, nil))

	assert.Len(t, man.Observations(), 1)
	assert.Len(t, man.Candidates(), 1)
}
