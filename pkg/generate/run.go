package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/axAilotl/companion-keeper/pkg/archive"
	"github.com/axAilotl/companion-keeper/pkg/config"
	"github.com/axAilotl/companion-keeper/pkg/lorebook"
	"github.com/axAilotl/companion-keeper/pkg/manifest"
	"github.com/axAilotl/companion-keeper/pkg/model"
	"github.com/axAilotl/companion-keeper/pkg/sampling"
	"github.com/axAilotl/companion-keeper/pkg/tokens"
)

// Options tunes a generation run beyond the config surface.
type Options struct {
	// Client overrides provider construction, mainly for tests. When nil
	// and a model is configured, a provider client is built from config.
	Client Completer
	// ContextWindow forces the budget resolution when positive.
	ContextWindow int
	LogFn         func(string)
}

// SamplingInfo echoes the sampling settings into reports.
type SamplingInfo struct {
	Strategy            string `json:"strategy"`
	Seed                int64  `json:"seed"`
	SampleConversations int    `json:"sample_conversations"`
}

// ChunkMeta summarizes the chunk set handed to extraction.
type ChunkMeta struct {
	ChunksProcessed    int `json:"chunks_processed"`
	TokenEstimateTotal int `json:"token_estimate_total"`
}

// MemoryEntryCounts tracks compaction shrinkage.
type MemoryEntryCounts struct {
	DraftMemoriesBeforeCompaction  int `json:"draft_memories_before_compaction"`
	LorebookEntriesAfterCompaction int `json:"lorebook_entries_after_compaction"`
}

// OutputFiles lists every artifact a run writes.
type OutputFiles struct {
	Card               string `json:"card"`
	Lorebook           string `json:"lorebook"`
	Draft              string `json:"draft"`
	PersonaPayload     string `json:"persona_payload"`
	MemoriesPayload    string `json:"memories_payload"`
	Transcript         string `json:"transcript"`
	Sources            string `json:"sources"`
	ProcessingManifest string `json:"processing_manifest"`
}

// Report is the generation_report.json document returned to the caller.
type Report struct {
	RunDir                    string                  `json:"run_dir"`
	Mode                      string                  `json:"mode"`
	LLMError                  string                  `json:"llm_error"`
	InputDir                  string                  `json:"input_dir"`
	Sampling                  SamplingInfo            `json:"sampling"`
	ConversationFilesTotal    int                     `json:"conversation_files_total"`
	ConversationFilesSampled  int                     `json:"conversation_files_sampled"`
	ConversationFilesSelected []string                `json:"conversation_files_selected"`
	NewFilesProcessed         int                     `json:"new_files_processed"`
	PreviouslyScanned         int                     `json:"previously_scanned"`
	TotalAccumulatedScans     int                     `json:"total_accumulated_scans"`
	TranscriptMeta            sampling.TranscriptMeta `json:"transcript_meta"`
	ConversationChunkMeta     ChunkMeta               `json:"conversation_chunk_meta"`
	MemoryEntryCounts         MemoryEntryCounts       `json:"memory_entry_counts"`
	StageStats                map[string]any          `json:"stage_stats"`
	CardValidationErrors      []string                `json:"card_validation_errors"`
	LorebookValidationErrors  []string                `json:"lorebook_validation_errors"`
	OutputFiles               OutputFiles             `json:"output_files"`
	CreatedAtUTC              string                  `json:"created_at_utc"`
	RAGRecommendation         string                  `json:"rag_recommendation"`
	ReportPath                string                  `json:"report_path,omitempty"`
}

// fileRecord describes one sampled file in the processing manifest.
type fileRecord struct {
	File           string `json:"file"`
	Path           string `json:"path"`
	AssistantChars int    `json:"assistant_chars"`
	AssistantTurns int    `json:"assistant_turns"`
	TotalTurns     int    `json:"total_turns"`
}

// Run executes one full generation: sample, resume-filter, extract,
// synthesize, compact, assemble, and write the run directory.
func Run(ctx context.Context, cfg *config.Config, opts Options) (*Report, error) {
	logFn := opts.LogFn
	if logFn == nil {
		logFn = func(string) {}
	}

	files, err := archive.ListConversationFiles(cfg.Input.Dir)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no conversation files found in %s", cfg.Input.Dir)
	}
	logFn(fmt.Sprintf("Found %d conversation files in %s", len(files), cfg.Input.Dir))

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("output dir: %w", err)
	}
	manifestPath := filepath.Join(cfg.Output.Dir, manifest.FileName)
	man := loadOrCreateManifest(cfg, manifestPath, logFn)

	selected := sampling.Select(files, cfg.Sampling.SampleConversations, cfg.Sampling.Strategy, cfg.Sampling.Seed)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no readable conversations found to sample")
	}

	newSelected, skipped := partitionScanned(man, selected)
	logSelection(cfg, logFn, len(selected), len(newSelected), skipped)

	transcript, transcriptMeta := sampling.BuildTranscript(
		selected,
		cfg.Limits.MaxMessagesPerConversation,
		cfg.Limits.MaxCharsPerConversation,
		cfg.Limits.MaxTotalChars,
	)
	if transcript == "" {
		return nil, fmt.Errorf("transcript sample is empty after filters")
	}
	// Chunks come from new conversations only; already-scanned results
	// ride in from the manifest.
	chunks := sampling.BuildChunks(
		newSelected,
		cfg.Limits.MaxMessagesPerConversation,
		cfg.Limits.MaxCharsPerConversation,
	)
	logFn(fmt.Sprintf("Built transcript sample: chars=%d, chunks_to_process=%d", transcriptMeta.TotalChars, len(chunks)))

	mode := "heuristic"
	llmError := ""
	persona := map[string]any{}
	var memories []map[string]any
	stageStats := map[string]any{}
	var draft map[string]any

	if cfg.LLM.Model != "" {
		client, window, clientErr := resolveClient(ctx, cfg, opts)
		if clientErr != nil {
			llmError = clientErr.Error()
			draft = lorebook.HeuristicDraft(cfg.Companion.Name)
			logFn(fmt.Sprintf("LLM extraction failed, using heuristic fallback: %v", clientErr))
		} else {
			logFn(fmt.Sprintf("Starting LLM extraction with provider=%s, model=%s", cfg.LLM.Provider, cfg.LLM.Model))
			engine := &Engine{
				Client:        client,
				CompanionName: cfg.Companion.Name,
				Budgets:       ResolveBudgets(window),
				MemoryPerChat: cfg.Limits.MemoryPerChatMax,
				MaxMemories:   cfg.Limits.MaxMemories,
				MaxParallel:   cfg.LLM.MaxParallelCalls,
				LogFn:         logFn,
			}
			result := engine.Run(ctx, chunks, man, manifestPath)
			if err := man.Save(manifestPath); err != nil {
				logFn(fmt.Sprintf("Manifest save failed: %v", err))
			}
			persona = result.Persona
			memories = result.Memories
			llmError = result.Errors
			stageStats = result.Stats

			if len(persona) > 0 || len(memories) > 0 {
				draft = lorebook.MergeDraft(cfg.Companion.Name, persona, memories)
				mode = "llm:" + cfg.LLM.Provider
				logFn("Merged LLM persona/memory payloads into draft")
			} else {
				draft = lorebook.HeuristicDraft(cfg.Companion.Name)
				logFn("LLM returned empty payloads, using heuristic fallback draft")
			}
		}
	} else {
		draft = lorebook.HeuristicDraft(cfg.Companion.Name)
		logFn("No LLM model selected, using heuristic draft only")
	}

	book := lorebook.BuildLorebook(draft)
	card := lorebook.BuildCard(draft, cfg.Companion.Name, cfg.Companion.Creator, cfg.Companion.SourceLabel)
	cardErrors := lorebook.ValidateCard(card)
	loreErrors := lorebook.ValidateLorebook(book)

	runDir := filepath.Join(cfg.Output.Dir, "ccv3_run_"+time.Now().UTC().Format("20060102_150405"))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("run dir: %w", err)
	}

	outputs := OutputFiles{
		Card:               filepath.Join(runDir, "character_card_v3.json"),
		Lorebook:           filepath.Join(runDir, "lorebook_v3.json"),
		Draft:              filepath.Join(runDir, "llm_draft.json"),
		PersonaPayload:     filepath.Join(runDir, "persona_payload.json"),
		MemoriesPayload:    filepath.Join(runDir, "memories_payload.json"),
		Transcript:         filepath.Join(runDir, "analysis_transcript.txt"),
		Sources:            filepath.Join(runDir, "sampled_sources.txt"),
		ProcessingManifest: filepath.Join(runDir, "processing_manifest.json"),
	}

	if err := writeJSON(outputs.Card, card); err != nil {
		return nil, err
	}
	if err := writeJSON(outputs.Lorebook, book); err != nil {
		return nil, err
	}
	if err := writeJSON(outputs.Draft, draft); err != nil {
		return nil, err
	}
	if err := writeJSON(outputs.PersonaPayload, persona); err != nil {
		return nil, err
	}
	if err := writeJSON(outputs.MemoriesPayload, map[string]any{"memories": memoriesOrEmpty(memories)}); err != nil {
		return nil, err
	}
	if err := os.WriteFile(outputs.Transcript, []byte(transcript), 0o644); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}
	if err := writeSources(outputs.Sources, selected); err != nil {
		return nil, err
	}

	samplingInfo := SamplingInfo{
		Strategy:            cfg.Sampling.Strategy,
		Seed:                cfg.Sampling.Seed,
		SampleConversations: cfg.Sampling.SampleConversations,
	}
	processing := map[string]any{
		"sampling":                 samplingInfo,
		"selected_files":           fileRecords(selected),
		"new_files_processed":      fileRecords(newSelected),
		"previously_scanned_count": skipped,
		"created_at_utc":           time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := writeJSON(outputs.ProcessingManifest, processing); err != nil {
		return nil, err
	}

	draftMemoryCount := len(draftMemoryList(draft))
	logFn(fmt.Sprintf("Memory compaction: draft_memories=%d -> lorebook_entries=%d",
		draftMemoryCount, len(book.Data.Entries)))

	report := &Report{
		RunDir:                    runDir,
		Mode:                      mode,
		LLMError:                  llmError,
		InputDir:                  cfg.Input.Dir,
		Sampling:                  samplingInfo,
		ConversationFilesTotal:    len(files),
		ConversationFilesSampled:  len(selected),
		ConversationFilesSelected: baseNames(selected),
		NewFilesProcessed:         len(newSelected),
		PreviouslyScanned:         skipped,
		TotalAccumulatedScans:     man.Len(),
		TranscriptMeta:            transcriptMeta,
		ConversationChunkMeta: ChunkMeta{
			ChunksProcessed:    len(chunks),
			TokenEstimateTotal: totalTokenEstimate(chunks),
		},
		MemoryEntryCounts: MemoryEntryCounts{
			DraftMemoriesBeforeCompaction:  draftMemoryCount,
			LorebookEntriesAfterCompaction: len(book.Data.Entries),
		},
		StageStats:               stageStats,
		CardValidationErrors:     cardErrors,
		LorebookValidationErrors: loreErrors,
		OutputFiles:              outputs,
		CreatedAtUTC:             time.Now().UTC().Format(time.RFC3339Nano),
		RAGRecommendation: "For stronger long-term continuity, combine lorebook keys with " +
			"external RAG memory retrieval in your chat frontend.",
	}

	reportPath := filepath.Join(runDir, "generation_report.json")
	if err := writeJSON(reportPath, report); err != nil {
		return nil, err
	}
	logFn(fmt.Sprintf("Wrote outputs to %s", runDir))

	report.ReportPath = reportPath
	return report, nil
}

// loadOrCreateManifest honors fresh_scan and treats a missing or corrupt
// manifest as a fresh start.
func loadOrCreateManifest(cfg *config.Config, manifestPath string, logFn func(string)) *manifest.Manifest {
	if cfg.Input.FreshScan {
		logFn("Fresh scan requested, ignoring existing manifest")
		return manifest.New(cfg.Input.Dir)
	}
	if _, err := os.Stat(manifestPath); err != nil {
		return manifest.New(cfg.Input.Dir)
	}
	man := manifest.Load(manifestPath)
	if man.CreatedAtUTC == "" {
		return manifest.New(cfg.Input.Dir)
	}
	logFn(fmt.Sprintf("Found scan manifest: %d conversations previously scanned", man.Len()))
	return man
}

// partitionScanned splits the sample into new files and ones the manifest
// already covers. Stat failures count as new so nothing silently drops.
func partitionScanned(man *manifest.Manifest, selected []sampling.Selected) ([]sampling.Selected, int) {
	var newSelected []sampling.Selected
	skipped := 0
	for _, sel := range selected {
		size, mtime, err := archive.FileInfo(sel.Path)
		if err != nil {
			newSelected = append(newSelected, sel)
			continue
		}
		if man.IsScanned(filepath.Base(sel.Path), size, mtime) {
			skipped++
		} else {
			newSelected = append(newSelected, sel)
		}
	}
	return newSelected, skipped
}

func logSelection(cfg *config.Config, logFn func(string), selected, newCount, skipped int) {
	seedNote := "auto-random"
	if cfg.Sampling.Seed >= 0 {
		seedNote = fmt.Sprintf("%d", cfg.Sampling.Seed)
	}
	if skipped > 0 {
		logFn(fmt.Sprintf("Resuming: %d previously scanned, processing %d new (sampling=%s, seed=%s)",
			skipped, newCount, cfg.Sampling.Strategy, seedNote))
	} else {
		logFn(fmt.Sprintf("Selected %d conversations (sampling=%s, seed=%s)",
			selected, cfg.Sampling.Strategy, seedNote))
	}
}

// resolveClient builds the provider client, honoring a test override.
func resolveClient(ctx context.Context, cfg *config.Config, opts Options) (Completer, int, error) {
	explicit := opts.ContextWindow
	if explicit <= 0 {
		explicit = cfg.LLM.ContextWindow
	}

	if opts.Client != nil {
		window := explicit
		if window <= 0 {
			window = tokens.InferContextWindow(cfg.LLM.Model)
		}
		return opts.Client, window, nil
	}

	networkLogDir := ""
	if cfg.Logging.NetworkLogs {
		networkLogDir = cfg.Logging.Dir
	}
	provider, err := model.NewProvider(cfg.LLM.Provider, model.ProviderOptions{
		APIKey:        cfg.LLM.APIKey,
		BaseURL:       cfg.LLM.BaseURL,
		SiteURL:       cfg.LLM.SiteURL,
		AppName:       cfg.LLM.AppName,
		NetworkLogDir: networkLogDir,
	})
	if err != nil {
		return nil, 0, err
	}
	if tc, ok := provider.(interface{ SetTimeout(time.Duration) }); ok && cfg.LLM.RequestTimeoutSeconds > 0 {
		tc.SetTimeout(cfg.LLM.RequestTimeout())
	}
	client := model.NewClient(provider, cfg.LLM.Model, model.ClientOptions{
		Temperature: cfg.LLM.Temperature,
	})
	return client, client.ResolveContextWindow(ctx, explicit), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeSources(path string, selected []sampling.Selected) error {
	var buf []byte
	for _, sel := range selected {
		buf = append(buf, filepath.Base(sel.Path)...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write sources: %w", err)
	}
	return nil
}

func fileRecords(selected []sampling.Selected) []fileRecord {
	records := make([]fileRecord, 0, len(selected))
	for _, sel := range selected {
		records = append(records, fileRecord{
			File:           filepath.Base(sel.Path),
			Path:           sel.Path,
			AssistantChars: sel.Score.AssistantChars,
			AssistantTurns: sel.Score.AssistantTurns,
			TotalTurns:     sel.Score.TotalTurns,
		})
	}
	return records
}

func baseNames(selected []sampling.Selected) []string {
	names := make([]string, 0, len(selected))
	for _, sel := range selected {
		names = append(names, filepath.Base(sel.Path))
	}
	return names
}

func totalTokenEstimate(chunks []sampling.Chunk) int {
	total := 0
	for _, chunk := range chunks {
		total += chunk.TokenEstimate
	}
	return total
}

func memoriesOrEmpty(memories []map[string]any) []map[string]any {
	if memories == nil {
		return []map[string]any{}
	}
	return memories
}

func draftMemoryList(draft map[string]any) []map[string]any {
	switch v := draft["memories"].(type) {
	case []map[string]any:
		return v
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}
