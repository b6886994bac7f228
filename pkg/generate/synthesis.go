package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/axAilotl/companion-keeper/pkg/manifest"
	"github.com/axAilotl/companion-keeper/pkg/model"
	"github.com/axAilotl/companion-keeper/pkg/sampling"
	"github.com/axAilotl/companion-keeper/pkg/tokens"
)

// synthesizePersona condenses all accumulated observations into one
// persona payload. Returns an empty map on failure; the caller decides on
// fallback.
func (e *Engine) synthesizePersona(ctx context.Context, observations []map[string]any) (map[string]any, error) {
	var lines []string
	for _, obs := range observations {
		data, err := json.Marshal(obs)
		if err != nil {
			continue
		}
		lines = append(lines, string(data))
	}
	packets := tokens.Truncate(strings.Join(lines, "\n"), e.Budgets.SynthesisInput)

	e.log(fmt.Sprintf("Running persona synthesis across %d conversation observations", len(observations)))
	content := FillTemplate(personaSynthesisUserPrompt, map[string]any{
		"companion_name":      e.CompanionName,
		"observation_packets": packets,
	})
	payload, _, err := e.Client.CompleteJSON(ctx, []model.Message{
		{Role: "system", Content: personaSynthesisSystemPrompt},
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// synthesizePersonaFallback retries persona synthesis over raw transcripts
// of the first few chunks when the observation route produced nothing.
func (e *Engine) synthesizePersonaFallback(ctx context.Context, chunks []sampling.Chunk) (map[string]any, error) {
	e.log("Running persona fallback synthesis")
	limit := 4
	if len(chunks) < limit {
		limit = len(chunks)
	}
	var parts []string
	for _, chunk := range chunks[:limit] {
		parts = append(parts, tokens.Truncate(chunk.Transcript, e.Budgets.PerChatInput))
	}
	fallbackText := tokens.Truncate(strings.Join(parts, "\n\n"), e.Budgets.SynthesisInput)

	content := FillTemplate(personaFallbackUserPrompt, map[string]any{
		"companion_name": e.CompanionName,
		"transcript":     fallbackText,
	})
	payload, _, err := e.Client.CompleteJSON(ctx, []model.Message{
		{Role: "system", Content: personaFallbackSystemPrompt},
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// synthesizeMemories consolidates all accumulated candidates into the
// final memory list.
func (e *Engine) synthesizeMemories(ctx context.Context, candidates []map[string]any) (map[string]any, error) {
	data, err := json.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	candidatesText := tokens.Truncate(string(data), e.Budgets.SynthesisInput)

	e.log(fmt.Sprintf("Running memory synthesis over %d candidate memory rows", len(candidates)))
	content := FillTemplate(memorySynthesisUserPrompt, map[string]any{
		"max_memories":       e.MaxMemories,
		"candidate_memories": candidatesText,
	})
	payload, _, err := e.Client.CompleteJSON(ctx, []model.Message{
		{Role: "system", Content: memorySynthesisSystemPrompt},
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Result carries everything the run driver needs from the LLM stages.
type Result struct {
	Persona  map[string]any
	Memories []map[string]any
	// Errors joins all soft stage errors, one per line.
	Errors string
	Stats  map[string]any
}

// Run executes extraction over the new chunks, then synthesis over ALL
// accumulated manifest results. Stage failures degrade (fallbacks, raw
// candidates) rather than abort.
func (e *Engine) Run(ctx context.Context, chunks []sampling.Chunk, man *manifest.Manifest, manifestPath string) Result {
	e.log(fmt.Sprintf(
		"LLM staged extraction: context_window=%d, per_chat_budget=%d tokens, synthesis_budget=%d tokens",
		e.Budgets.ContextWindow, e.Budgets.PerChatInput, e.Budgets.SynthesisInput,
	))

	extracted := e.extractChunks(ctx, chunks, man, manifestPath)
	errors := extracted.errors

	// Synthesis covers the manifest's accumulated totals, not just this
	// run's chunks. That is what makes resumed runs converge on the same
	// card as a single full run.
	allObservations := extracted.observations
	allCandidates := extracted.candidates
	if man != nil {
		allObservations = man.Observations()
		allCandidates = man.Candidates()
		if len(allObservations) > len(extracted.observations) || len(allCandidates) > len(extracted.candidates) {
			e.log(fmt.Sprintf(
				"Accumulated from manifest: %d observations, %d memory candidates (includes prior scans)",
				len(allObservations), len(allCandidates),
			))
		}
	}

	var persona map[string]any
	if len(allObservations) > 0 {
		payload, err := e.synthesizePersona(ctx, allObservations)
		if err != nil {
			errors = append(errors, fmt.Sprintf("persona_synthesis: %v", err))
		} else {
			persona = payload
		}
	}
	if len(persona) == 0 {
		payload, err := e.synthesizePersonaFallback(ctx, chunks)
		if err != nil {
			errors = append(errors, fmt.Sprintf("persona_fallback: %v", err))
			persona = map[string]any{}
		} else {
			persona = payload
		}
	}

	var memories []map[string]any
	if len(allCandidates) > 0 {
		payload, err := e.synthesizeMemories(ctx, allCandidates)
		if err != nil {
			errors = append(errors, fmt.Sprintf("memory_synthesis: %v", err))
		} else {
			memories = memoriesFromPayload(payload)
		}
	}
	if len(memories) == 0 && len(allCandidates) > 0 {
		limit := e.MaxMemories
		if limit > len(allCandidates) {
			limit = len(allCandidates)
		}
		memories = allCandidates[:limit]
	}

	stats := map[string]any{
		"context_window":                 e.Budgets.ContextWindow,
		"per_chat_input_budget_tokens":   e.Budgets.PerChatInput,
		"synthesis_input_budget_tokens":  e.Budgets.SynthesisInput,
		"conversation_chunks_processed":  len(chunks),
		"total_observations":             len(allObservations),
		"total_memory_candidates":        len(allCandidates),
		"new_observations_this_run":      len(extracted.observations),
		"new_memory_candidates_this_run": len(extracted.candidates),
		"memory_final_total":             len(memories),
	}
	e.log(fmt.Sprintf(
		"LLM extraction complete: observations=%d, memory_candidates=%d, memory_final=%d",
		len(allObservations), len(allCandidates), len(memories),
	))

	return Result{
		Persona:  persona,
		Memories: memories,
		Errors:   strings.Join(errors, "\n"),
		Stats:    stats,
	}
}
