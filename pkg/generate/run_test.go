package generate_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/config"
	"github.com/axAilotl/companion-keeper/pkg/generate"
	"github.com/axAilotl/companion-keeper/pkg/manifest"
)

func writeArchive(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		lines := []string{
			`{"role": "user", "text": "how was your day?"}`,
			fmt.Sprintf(`{"role": "assistant", "text": "day %d was gentle and full of small wins"}`, i),
		}
		name := fmt.Sprintf("conv%d_2024010%d.jsonl", i, i+1)
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))
	}
}

func runConfig(t *testing.T, inputDir, outputDir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Input.Dir = inputDir
	cfg.Output.Dir = outputDir
	cfg.Companion.Name = "Aster"
	cfg.Companion.Creator = "tester"
	cfg.Sampling.Seed = 1
	cfg.LLM.Model = "test-model"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunLLMPipeline(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeArchive(t, inputDir, 2)

	fake := happyCompleter()
	cfg := runConfig(t, inputDir, outputDir)

	report, err := generate.Run(context.Background(), cfg, generate.Options{
		Client:        fake,
		ContextWindow: 32000,
	})
	require.NoError(t, err)

	assert.Equal(t, "llm:ollama", report.Mode)
	assert.Equal(t, 2, report.ConversationFilesTotal)
	assert.Equal(t, 2, report.ConversationFilesSampled)
	assert.Equal(t, 2, report.NewFilesProcessed)
	assert.Equal(t, 0, report.PreviouslyScanned)
	assert.Equal(t, 2, report.TotalAccumulatedScans)
	assert.Empty(t, report.LLMError)
	assert.NotEmpty(t, report.RAGRecommendation)

	// Every artifact lands in the run directory.
	for _, path := range []string{
		report.OutputFiles.Card,
		report.OutputFiles.Lorebook,
		report.OutputFiles.Draft,
		report.OutputFiles.PersonaPayload,
		report.OutputFiles.MemoriesPayload,
		report.OutputFiles.Transcript,
		report.OutputFiles.Sources,
		report.OutputFiles.ProcessingManifest,
		report.ReportPath,
	} {
		info, statErr := os.Stat(path)
		require.NoError(t, statErr, path)
		assert.Greater(t, info.Size(), int64(0), path)
	}

	// The card is valid chara_card_v3.
	var card map[string]any
	data, err := os.ReadFile(report.OutputFiles.Card)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &card))
	assert.Equal(t, "chara_card_v3", card["spec"])
	assert.Empty(t, report.CardValidationErrors)
	assert.Empty(t, report.LorebookValidationErrors)

	// The scan manifest persists for the next run.
	man := manifest.Load(filepath.Join(outputDir, manifest.FileName))
	assert.Equal(t, 2, man.Len())
}

func TestRunIsResumable(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeArchive(t, inputDir, 3)

	cfg := runConfig(t, inputDir, outputDir)

	first := happyCompleter()
	report, err := generate.Run(context.Background(), cfg, generate.Options{Client: first, ContextWindow: 32000})
	require.NoError(t, err)
	assert.Equal(t, 3, report.NewFilesProcessed)
	firstCalls := first.callCount()
	assert.Equal(t, 3*2+2, firstCalls)

	// Second run: every file is already scanned, so only the synthesis
	// stages talk to the model.
	second := happyCompleter()
	report, err = generate.Run(context.Background(), cfg, generate.Options{Client: second, ContextWindow: 32000})
	require.NoError(t, err)
	assert.Equal(t, 0, report.NewFilesProcessed)
	assert.Equal(t, 3, report.PreviouslyScanned)
	assert.Equal(t, 3, report.TotalAccumulatedScans)
	assert.Equal(t, 2, second.callCount())
}

func TestRunRescansModifiedFiles(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeArchive(t, inputDir, 2)

	cfg := runConfig(t, inputDir, outputDir)
	_, err := generate.Run(context.Background(), cfg, generate.Options{Client: happyCompleter(), ContextWindow: 32000})
	require.NoError(t, err)

	// Grow one file; its manifest entry no longer matches.
	target := filepath.Join(inputDir, "conv0_20240101.jsonl")
	f, err := os.OpenFile(target, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n" + `{"role": "assistant", "text": "a brand new closing thought"}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	report, err := generate.Run(context.Background(), cfg, generate.Options{Client: happyCompleter(), ContextWindow: 32000})
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewFilesProcessed)
	assert.Equal(t, 1, report.PreviouslyScanned)
}

func TestRunFreshScanIgnoresManifest(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeArchive(t, inputDir, 2)

	cfg := runConfig(t, inputDir, outputDir)
	_, err := generate.Run(context.Background(), cfg, generate.Options{Client: happyCompleter(), ContextWindow: 32000})
	require.NoError(t, err)

	cfg.Input.FreshScan = true
	report, err := generate.Run(context.Background(), cfg, generate.Options{Client: happyCompleter(), ContextWindow: 32000})
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewFilesProcessed)
	assert.Equal(t, 0, report.PreviouslyScanned)
}

func TestRunHeuristicWithoutModel(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	writeArchive(t, inputDir, 1)

	cfg := runConfig(t, inputDir, outputDir)
	cfg.LLM.Model = ""

	report, err := generate.Run(context.Background(), cfg, generate.Options{})
	require.NoError(t, err)
	assert.Equal(t, "heuristic", report.Mode)
	assert.Empty(t, report.CardValidationErrors)

	// The fallback draft still yields a populated card and lorebook.
	var card map[string]any
	data, err := os.ReadFile(report.OutputFiles.Card)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &card))
	cardData := card["data"].(map[string]any)
	assert.Equal(t, "Aster", cardData["name"])
}

func TestRunFailsWithoutInput(t *testing.T) {
	cfg := runConfig(t, t.TempDir(), t.TempDir())
	_, err := generate.Run(context.Background(), cfg, generate.Options{Client: happyCompleter()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conversation files")
}
