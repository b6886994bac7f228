package fidelity

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/axAilotl/companion-keeper/pkg/model"
)

// Texter is the plain-text completion surface a candidate or judge needs.
type Texter interface {
	Complete(ctx context.Context, messages []model.Message) (string, error)
}

// Config drives one fidelity evaluation.
type Config struct {
	CardPath       string
	TranscriptPath string
	OutputDir      string
	Provider       string
	Models         []string
	TestPrompts    []string
	JudgeModel     string
}

// Deps supplies the LLM clients. ClientFor returns a client bound to one
// candidate model; Judge is nil when no judge model is configured.
type Deps struct {
	ClientFor func(modelName string) Texter
	Judge     Texter
	LogFn     func(string)
}

// ModelResult is one candidate's evaluation.
type ModelResult struct {
	Model            string   `json:"model"`
	Responses        []string `json:"responses"`
	CandidateProfile Profile  `json:"candidate_profile"`
	Scores           Scores   `json:"scores"`
	JudgeRationale   string   `json:"judge_rationale"`
}

// Report is the fidelity_report.json document.
type Report struct {
	RunDir          string        `json:"run_dir"`
	BaselineProfile Profile       `json:"baseline_profile"`
	Provider        string        `json:"provider"`
	JudgeModel      string        `json:"judge_model"`
	ModelsTested    []string      `json:"models_tested"`
	TestPrompts     []string      `json:"test_prompts"`
	Results         []ModelResult `json:"results"`
	CreatedAtUTC    string        `json:"created_at_utc"`
	ReportPath      string        `json:"report_path,omitempty"`
	SummaryPath     string        `json:"summary_path,omitempty"`
}

// loadAssistantBaseline pulls the assistant lines out of an analysis
// transcript.
func loadAssistantBaseline(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	const prefix = "[assistant] "
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, prefix) {
			lines = append(lines, strings.TrimSpace(line[len(prefix):]))
		}
	}
	return lines, scanner.Err()
}

func cardString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// buildCharacterSystemPrompt flattens the card into a roleplay system
// prompt, including up to 20 lorebook memories when the card embeds them.
func buildCharacterSystemPrompt(card map[string]any) string {
	data, _ := card["data"].(map[string]any)
	parts := []string{
		"You are roleplaying the companion profile below as faithfully as possible.",
		"Do not optimize style. Mirror observed tone and structure.",
		"Name: " + cardString(data, "name"),
		"Description: " + cardString(data, "description"),
		"Personality: " + cardString(data, "personality"),
		"Scenario: " + cardString(data, "scenario"),
		"System Prompt: " + cardString(data, "system_prompt"),
		"Post-History Instructions: " + cardString(data, "post_history_instructions"),
	}
	if book, ok := data["character_book"].(map[string]any); ok {
		if entries, ok := book["entries"].([]any); ok && len(entries) > 0 {
			if len(entries) > 20 {
				entries = entries[:20]
			}
			var memLines []string
			for _, entry := range entries {
				if m, ok := entry.(map[string]any); ok {
					memLines = append(memLines, "- "+cardString(m, "content"))
				}
			}
			if len(memLines) > 0 {
				parts = append(parts, "Key Memories:\n"+strings.Join(memLines, "\n"))
			}
		}
	}
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

const judgeSystemPrompt = `You are a strict personality fidelity judge. Your ONLY job is to score how well a candidate AI's responses match the VOICE, TONE, and STYLE of a specific baseline personality.

You are NOT scoring response quality, helpfulness, accuracy, or coherence. A candidate that gives a perfect, helpful answer in the WRONG voice scores LOW. A candidate that sounds exactly like the baseline personality scores HIGH, even if less polished.

## Scoring rubric (0-100):
- **90-100**: Nearly indistinguishable from baseline. Same sentence structure, same emotional tone, same level of formality, same use of punctuation/emphasis, same conversational habits.
- **70-89**: Clearly the same personality. Minor differences in verbosity or style but the core voice is recognizable.
- **50-69**: Partial match. Some traits present but mixed with a clearly different default voice.
- **30-49**: Weak match. Occasional echoes of the personality but fundamentally different style.
- **0-29**: No resemblance. Generic AI assistant voice, or an entirely different personality.

## What to compare:
- Sentence length and structure (short/punchy vs long/flowing)
- Formality level (casual/conversational vs academic/professional)
- Use of questions, exclamations, hedging language
- Emotional warmth vs clinical detachment
- Use of metaphor, humor, directness
- First-person usage patterns
- How they open and close responses

Return JSON only: {"score": <number 0-100>, "rationale": "<2-3 sentences>"}`

// judgeScore asks the judge model to rate voice similarity. Unparseable
// judge output scores zero with the raw text as rationale.
func judgeScore(ctx context.Context, judge Texter, baselineExcerpt, characterDescription string, prompts, responses []string) (float64, string) {
	if judge == nil {
		return 0, ""
	}

	var exchanges []string
	for i := 0; i < len(prompts) && i < len(responses); i++ {
		exchanges = append(exchanges, fmt.Sprintf(
			"PROMPT %d: %s\nCANDIDATE RESPONSE %d: %s", i+1, prompts[i], i+1, responses[i]))
	}

	judgeUser := "## Baseline personality (from real historical conversations):\n\n" +
		clip(baselineExcerpt, 10000) +
		"\n\n## Character profile extracted from these conversations:\n\n" +
		clip(characterDescription, 4000) +
		"\n\n## Candidate responses to evaluate:\n\n" +
		strings.Join(exchanges, "\n\n---\n\n") +
		"\n\nScore ONLY how well the candidate's VOICE matches the baseline. " +
		"Ignore whether answers are correct or helpful."

	text, err := judge.Complete(ctx, []model.Message{
		{Role: "system", Content: judgeSystemPrompt},
		{Role: "user", Content: judgeUser},
	})
	if err != nil {
		return 0, clip(err.Error(), 600)
	}

	var payload struct {
		Score     float64 `json:"score"`
		Rationale string  `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return 0, clip(text, 600)
	}
	return math.Max(0, math.Min(100, payload.Score)), payload.Rationale
}

func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// Run evaluates each candidate model against the companion baseline and
// writes a ranked report plus a markdown summary.
func Run(ctx context.Context, cfg Config, deps Deps) (*Report, error) {
	logFn := deps.LogFn
	if logFn == nil {
		logFn = func(string) {}
	}

	cardData, err := os.ReadFile(cfg.CardPath)
	if err != nil {
		return nil, fmt.Errorf("read card: %w", err)
	}
	var card map[string]any
	if err := json.Unmarshal(cardData, &card); err != nil {
		return nil, fmt.Errorf("parse card: %w", err)
	}

	baseline, err := loadAssistantBaseline(cfg.TranscriptPath)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if len(baseline) == 0 {
		return nil, fmt.Errorf("no assistant messages found in transcript for baseline")
	}

	baselineProfile := BuildProfile(baseline)
	characterSystem := buildCharacterSystemPrompt(card)

	var models []string
	for _, m := range cfg.Models {
		if t := strings.TrimSpace(m); t != "" {
			models = append(models, t)
		}
	}
	if len(models) > 5 {
		models = models[:5]
	}
	var prompts []string
	for _, p := range cfg.TestPrompts {
		if t := strings.TrimSpace(p); t != "" {
			prompts = append(prompts, t)
		}
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("at least one candidate model is required")
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("at least one test prompt is required")
	}

	baselineExcerpt := strings.Join(baseline[:minInt(len(baseline), 120)], "\n")

	results := make([]ModelResult, len(models))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(15)

	for i, modelName := range models {
		i, modelName := i, modelName
		group.Go(func() error {
			logFn(fmt.Sprintf("Evaluating candidate model %s over %d prompts", modelName, len(prompts)))
			client := deps.ClientFor(modelName)

			responses := make([]string, len(prompts))
			promptGroup, promptCtx := errgroup.WithContext(groupCtx)
			for j, prompt := range prompts {
				j, prompt := j, prompt
				promptGroup.Go(func() error {
					text, err := client.Complete(promptCtx, []model.Message{
						{Role: "system", Content: characterSystem},
						{Role: "user", Content: prompt},
					})
					if err != nil {
						return fmt.Errorf("%s prompt %d: %w", modelName, j+1, err)
					}
					responses[j] = text
					return nil
				})
			}
			if err := promptGroup.Wait(); err != nil {
				return err
			}

			candidateProfile := BuildProfile(responses)
			scores := CompareProfiles(baselineProfile, candidateProfile)
			jScore, rationale := judgeScore(groupCtx, deps.Judge, baselineExcerpt, characterSystem, prompts, responses)
			scores.JudgeScore = round2(jScore)
			scores.FinalScore = scores.RuleScore
			if cfg.JudgeModel != "" {
				scores.FinalScore = round2(0.6*scores.RuleScore + 0.4*jScore)
			}

			results[i] = ModelResult{
				Model:            modelName,
				Responses:        responses,
				CandidateProfile: candidateProfile,
				Scores:           scores,
				JudgeRationale:   rationale,
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Scores.FinalScore > results[j].Scores.FinalScore
	})

	runDir := filepath.Join(cfg.OutputDir, "fidelity_run_"+time.Now().UTC().Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("run dir: %w", err)
	}

	report := &Report{
		RunDir:          runDir,
		BaselineProfile: baselineProfile,
		Provider:        cfg.Provider,
		JudgeModel:      cfg.JudgeModel,
		ModelsTested:    models,
		TestPrompts:     prompts,
		Results:         results,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}

	reportPath := filepath.Join(runDir, "fidelity_report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(reportPath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	summaryPath := filepath.Join(runDir, "fidelity_summary.md")
	if err := os.WriteFile(summaryPath, []byte(FormatMarkdown(report)), 0o644); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	report.ReportPath = reportPath
	report.SummaryPath = summaryPath
	logFn(fmt.Sprintf("Wrote fidelity results to %s", runDir))
	return report, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
