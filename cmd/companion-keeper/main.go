package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/axAilotl/companion-keeper/pkg/config"
	"github.com/axAilotl/companion-keeper/pkg/fidelity"
	"github.com/axAilotl/companion-keeper/pkg/generate"
	"github.com/axAilotl/companion-keeper/pkg/logging"
	"github.com/axAilotl/companion-keeper/pkg/model"
)

const usage = `companion-keeper preserves a chat companion as a CCv3 character card.

Usage:
  companion-keeper generate [flags]   Generate character card + lorebook from an archive
  companion-keeper fidelity [flags]   Benchmark candidate models against the companion voice

Run 'companion-keeper <command> -h' for command flags.
`

var defaultTestPrompts = []string{
	"I'm overwhelmed and need help organizing my thoughts.",
	"I feel like we're losing momentum in my healing process.",
	"Can you reflect back what matters most to me right now?",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch args[0] {
	case "generate":
		return cmdGenerate(ctx, args[1:])
	case "fidelity":
		return cmdFidelity(ctx, args[1:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", args[0], usage)
		return 1
	}
}

// newRunLogger builds the structured run logger plus a progress adapter.
// Logging failures degrade to stderr-only progress rather than aborting.
func newRunLogger(cfg *config.Config) (*logging.Logger, func(string)) {
	runID := logging.NewRunID()
	logger, err := logging.NewLogger(cfg.Logging.Dir, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: structured logging disabled: %v\n", err)
		return nil, func(msg string) { fmt.Fprintf(os.Stderr, "  %s\n", msg) }
	}
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(strings.ToLower(cfg.Logging.Level)))
	}
	progress := logger.Progress()
	return logger, func(msg string) {
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
		progress(msg)
	}
}

func cmdGenerate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	configPath := fs.String("config", "companion-keeper.yaml", "Path to YAML config file")
	inputDir := fs.String("input-dir", "", "Directory of conversation JSONL files")
	outputDir := fs.String("output-dir", "", "Directory for run outputs")
	companionName := fs.String("companion-name", "", "Name of the companion being preserved")
	provider := fs.String("provider", "", "LLM provider (ollama, openai, openrouter, anthropic)")
	modelName := fs.String("model", "", "LLM model name (empty for heuristic-only run)")
	samples := fs.Int("sample-conversations", 0, "Number of conversations to sample")
	strategy := fs.String("strategy", "", "Sampling strategy (weighted-random, uniform-random, top-ranked, sequential)")
	seed := fs.Int64("seed", -2, "Sampling seed (>=0 deterministic, -1 time-seeded)")
	maxMemories := fs.Int("max-memories", 0, "Cap on final consolidated memories")
	contextWindow := fs.Int("context-window", 0, "Override model context window in tokens")
	fresh := fs.Bool("fresh", false, "Ignore the existing scan manifest and start over")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	if *inputDir != "" {
		cfg.Input.Dir = *inputDir
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *companionName != "" {
		cfg.Companion.Name = *companionName
	}
	if *provider != "" {
		cfg.LLM.Provider = *provider
	}
	if *modelName != "" {
		cfg.LLM.Model = *modelName
	}
	if *samples > 0 {
		cfg.Sampling.SampleConversations = *samples
	}
	if *strategy != "" {
		cfg.Sampling.Strategy = *strategy
	}
	if *seed >= -1 {
		cfg.Sampling.Seed = *seed
	}
	if *maxMemories > 0 {
		cfg.Limits.MaxMemories = *maxMemories
	}
	if *contextWindow > 0 {
		cfg.LLM.ContextWindow = *contextWindow
	}
	if *fresh {
		cfg.Input.FreshScan = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 2
	}

	logger, logFn := newRunLogger(cfg)
	if logger != nil {
		defer logger.Close()
	}

	started := time.Now()
	report, err := generate.Run(ctx, cfg, generate.Options{LogFn: logFn})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Generation failed: %v\n", err)
		return 1
	}

	printJSON(map[string]any{
		"ok":          true,
		"elapsed_sec": round2(time.Since(started).Seconds()),
		"run_dir":     report.RunDir,
		"mode":        report.Mode,
		"report":      report.ReportPath,
	})
	return 0
}

func cmdFidelity(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("fidelity", flag.ExitOnError)
	configPath := fs.String("config", "companion-keeper.yaml", "Path to YAML config file")
	cardPath := fs.String("card-path", "", "Path to character_card_v3.json")
	transcriptPath := fs.String("transcript-path", "", "Path to analysis_transcript.txt")
	outputDir := fs.String("output-dir", "", "Directory for fidelity run outputs")
	models := fs.String("models", "", "Candidate models, comma-separated (max 5)")
	testPrompts := fs.String("test-prompts", "", "Test prompts separated by semicolons")
	judgeModel := fs.String("judge-model", "", "Optional judge model for blended scoring")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *cardPath == "" || *transcriptPath == "" || *models == "" {
		fmt.Fprintln(os.Stderr, "Error: -card-path, -transcript-path, and -models are required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 2
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}

	provider, err := model.NewProvider(cfg.LLM.Provider, model.ProviderOptions{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		SiteURL: cfg.LLM.SiteURL,
		AppName: cfg.LLM.AppName,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provider error: %v\n", err)
		return 2
	}
	if tc, ok := provider.(interface{ SetTimeout(time.Duration) }); ok && cfg.LLM.RequestTimeoutSeconds > 0 {
		tc.SetTimeout(cfg.LLM.RequestTimeout())
	}

	prompts := splitList(*testPrompts, ";")
	if len(prompts) == 0 {
		prompts = defaultTestPrompts
	}

	logger, logFn := newRunLogger(cfg)
	if logger != nil {
		defer logger.Close()
	}

	deps := fidelity.Deps{
		ClientFor: func(name string) fidelity.Texter {
			return model.NewClient(provider, name, model.ClientOptions{Temperature: cfg.LLM.Temperature})
		},
		LogFn: logFn,
	}
	if *judgeModel != "" {
		deps.Judge = model.NewClient(provider, *judgeModel, model.ClientOptions{Temperature: 0})
	}

	report, err := fidelity.Run(ctx, fidelity.Config{
		CardPath:       *cardPath,
		TranscriptPath: *transcriptPath,
		OutputDir:      cfg.Output.Dir,
		Provider:       cfg.LLM.Provider,
		Models:         splitList(*models, ","),
		TestPrompts:    prompts,
		JudgeModel:     *judgeModel,
	}, deps)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fidelity run failed: %v\n", err)
		return 1
	}

	printJSON(map[string]any{
		"ok":      true,
		"run_dir": report.RunDir,
		"report":  report.ReportPath,
		"summary": report.SummaryPath,
	})
	return 0
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
