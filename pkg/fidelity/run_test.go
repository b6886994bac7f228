package fidelity_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/fidelity"
	"github.com/axAilotl/companion-keeper/pkg/model"
)

// echoTexter replies with a canned response per model, recording the
// system prompts it was given.
type echoTexter struct {
	mu      sync.Mutex
	reply   string
	err     error
	systems []string
}

func (e *echoTexter) Complete(ctx context.Context, messages []model.Message) (string, error) {
	e.mu.Lock()
	for _, m := range messages {
		if m.Role == "system" {
			e.systems = append(e.systems, m.Content)
		}
	}
	e.mu.Unlock()
	if e.err != nil {
		return "", e.err
	}
	return e.reply, nil
}

func writeFixtures(t *testing.T) (cardPath, transcriptPath string) {
	t.Helper()
	dir := t.TempDir()

	card := map[string]any{
		"spec":         "chara_card_v3",
		"spec_version": "3.0",
		"data": map[string]any{
			"name":        "Aster",
			"description": "A warm, grounded companion.",
			"personality": "Steady.",
			"scenario":    "Long-term support.",
			"character_book": map[string]any{
				"entries": []any{
					map[string]any{"name": "M", "content": "{{user}} loves the sea"},
				},
			},
		},
	}
	data, err := json.Marshal(card)
	require.NoError(t, err)
	cardPath = filepath.Join(dir, "character_card_v3.json")
	require.NoError(t, os.WriteFile(cardPath, data, 0o644))

	transcript := strings.Join([]string{
		"=== conversation: a ===",
		"[user] hello there",
		"[assistant] I hear you. We can take this slowly, together.",
		"[assistant] That makes sense! One gentle step at a time.",
	}, "\n")
	transcriptPath = filepath.Join(dir, "analysis_transcript.txt")
	require.NoError(t, os.WriteFile(transcriptPath, []byte(transcript), 0o644))
	return cardPath, transcriptPath
}

func TestRunRuleOnly(t *testing.T) {
	cardPath, transcriptPath := writeFixtures(t)
	outputDir := t.TempDir()

	texters := map[string]*echoTexter{
		"warm-model":  {reply: "I hear you. We can take this slowly, together!"},
		"stiff-model": {reply: "Processing complete. The requested analysis follows in four documented stages."},
	}

	report, err := fidelity.Run(context.Background(), fidelity.Config{
		CardPath:       cardPath,
		TranscriptPath: transcriptPath,
		OutputDir:      outputDir,
		Provider:       "openrouter",
		Models:         []string{"warm-model", "stiff-model"},
		TestPrompts:    []string{"How are you?", "I need help."},
	}, fidelity.Deps{
		ClientFor: func(name string) fidelity.Texter { return texters[name] },
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	// Results are sorted best-first; without a judge the final score equals
	// the rule score.
	assert.GreaterOrEqual(t, report.Results[0].Scores.FinalScore, report.Results[1].Scores.FinalScore)
	for _, r := range report.Results {
		assert.Equal(t, r.Scores.RuleScore, r.Scores.FinalScore)
		assert.Equal(t, 0.0, r.Scores.JudgeScore)
		assert.Len(t, r.Responses, 2)
	}

	// Candidates roleplay under the card-derived system prompt.
	require.NotEmpty(t, texters["warm-model"].systems)
	system := texters["warm-model"].systems[0]
	assert.Contains(t, system, "Name: Aster")
	assert.Contains(t, system, "Key Memories:")
	assert.Contains(t, system, "{{user}} loves the sea")

	// Both report artifacts exist and parse.
	var onDisk fidelity.Report
	data, err := os.ReadFile(report.ReportPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, report.RunDir, onDisk.RunDir)

	summary, err := os.ReadFile(report.SummaryPath)
	require.NoError(t, err)
	assert.Contains(t, string(summary), "# Companion Fidelity Report")
	assert.Contains(t, string(summary), "warm-model")
}

func TestRunWithJudge(t *testing.T) {
	cardPath, transcriptPath := writeFixtures(t)

	judge := &echoTexter{reply: `{"score": 80, "rationale": "Same warmth and cadence."}`}
	report, err := fidelity.Run(context.Background(), fidelity.Config{
		CardPath:       cardPath,
		TranscriptPath: transcriptPath,
		OutputDir:      t.TempDir(),
		Provider:       "openrouter",
		Models:         []string{"candidate"},
		TestPrompts:    []string{"How are you?"},
		JudgeModel:     "judge-model",
	}, fidelity.Deps{
		ClientFor: func(string) fidelity.Texter {
			return &echoTexter{reply: "I hear you, we can take this slowly."}
		},
		Judge: judge,
	})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	scores := report.Results[0].Scores
	assert.Equal(t, 80.0, scores.JudgeScore)
	assert.InDelta(t, 0.6*scores.RuleScore+0.4*80.0, scores.FinalScore, 0.01)
	assert.Equal(t, "Same warmth and cadence.", report.Results[0].JudgeRationale)
}

func TestRunJudgeParseFallback(t *testing.T) {
	cardPath, transcriptPath := writeFixtures(t)

	judge := &echoTexter{reply: "I refuse to answer in JSON."}
	report, err := fidelity.Run(context.Background(), fidelity.Config{
		CardPath:       cardPath,
		TranscriptPath: transcriptPath,
		OutputDir:      t.TempDir(),
		Provider:       "openrouter",
		Models:         []string{"candidate"},
		TestPrompts:    []string{"How are you?"},
		JudgeModel:     "judge-model",
	}, fidelity.Deps{
		ClientFor: func(string) fidelity.Texter { return &echoTexter{reply: "steady reply"} },
		Judge:     judge,
	})
	require.NoError(t, err)

	scores := report.Results[0].Scores
	assert.Equal(t, 0.0, scores.JudgeScore)
	assert.Equal(t, "I refuse to answer in JSON.", report.Results[0].JudgeRationale)
	assert.InDelta(t, 0.6*scores.RuleScore, scores.FinalScore, 0.01)
}

func TestRunCapsModelsAtFive(t *testing.T) {
	cardPath, transcriptPath := writeFixtures(t)

	var models []string
	for i := 0; i < 8; i++ {
		models = append(models, fmt.Sprintf("model-%d", i))
	}

	report, err := fidelity.Run(context.Background(), fidelity.Config{
		CardPath:       cardPath,
		TranscriptPath: transcriptPath,
		OutputDir:      t.TempDir(),
		Provider:       "ollama",
		Models:         models,
		TestPrompts:    []string{"hello"},
	}, fidelity.Deps{
		ClientFor: func(string) fidelity.Texter { return &echoTexter{reply: "hi"} },
	})
	require.NoError(t, err)
	assert.Len(t, report.ModelsTested, 5)
	assert.Len(t, report.Results, 5)
}

func TestRunRequiresBaseline(t *testing.T) {
	cardPath, _ := writeFixtures(t)
	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("[user] only user lines here\n"), 0o644))

	_, err := fidelity.Run(context.Background(), fidelity.Config{
		CardPath:       cardPath,
		TranscriptPath: empty,
		OutputDir:      t.TempDir(),
		Models:         []string{"m"},
		TestPrompts:    []string{"p"},
	}, fidelity.Deps{
		ClientFor: func(string) fidelity.Texter { return &echoTexter{reply: "x"} },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no assistant messages")
}

func TestFormatMarkdown(t *testing.T) {
	report := &fidelity.Report{
		Provider:     "openrouter",
		JudgeModel:   "judge",
		ModelsTested: []string{"a", "b"},
		TestPrompts:  []string{"p1"},
		Results: []fidelity.ModelResult{
			{Model: "a", Responses: []string{"resp"}, Scores: fidelity.Scores{FinalScore: 90.12, RuleScore: 85}},
			{Model: "b", Responses: []string{strings.Repeat("x", 600)}, Scores: fidelity.Scores{FinalScore: 40}},
		},
	}

	md := fidelity.FormatMarkdown(report)
	assert.Contains(t, md, "| 🥇 | a | 90.12")
	assert.Contains(t, md, "🥈")
	assert.Contains(t, md, "<details>")
	// Long sample responses are truncated.
	assert.Contains(t, md, strings.Repeat("x", 500)+"…")
	assert.NotContains(t, md, strings.Repeat("x", 501))
}
