package generate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/axAilotl/companion-keeper/pkg/archive"
	"github.com/axAilotl/companion-keeper/pkg/manifest"
	"github.com/axAilotl/companion-keeper/pkg/model"
	"github.com/axAilotl/companion-keeper/pkg/sampling"
	"github.com/axAilotl/companion-keeper/pkg/tokens"
)

// Completer is the slice of the model client the pipeline stages use.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []model.Message) (map[string]any, string, error)
}

// Engine runs the staged LLM extraction and synthesis over conversation
// chunks.
type Engine struct {
	Client        Completer
	CompanionName string
	Budgets       Budgets
	// MemoryPerChat caps memories requested per conversation.
	MemoryPerChat int
	// MaxMemories caps the final consolidated memory list.
	MaxMemories int
	MaxParallel int
	LogFn       func(string)
}

func (e *Engine) log(msg string) {
	if e.LogFn != nil {
		e.LogFn(msg)
	}
}

// observeChunk asks the model for a persona observation over one
// conversation.
func (e *Engine) observeChunk(ctx context.Context, chunk sampling.Chunk) (map[string]any, error) {
	transcript := tokens.Truncate(chunk.Transcript, e.Budgets.PerChatInput)
	content := FillTemplate(personaObservationUserPrompt, map[string]any{
		"companion_name":  e.CompanionName,
		"conversation_id": chunk.ConversationID,
		"transcript":      transcript,
	})
	payload, _, err := e.Client.CompleteJSON(ctx, []model.Message{
		{Role: "system", Content: personaObservationSystemPrompt},
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, ok := payload["conversation_id"]; !ok {
			payload["conversation_id"] = chunk.ConversationID
		}
	}
	return payload, nil
}

// extractChunkMemories asks the model for memory candidates from one
// conversation, tagging each with its source conversation and export date.
func (e *Engine) extractChunkMemories(ctx context.Context, chunk sampling.Chunk) ([]map[string]any, error) {
	transcript := tokens.Truncate(chunk.Transcript, e.Budgets.PerChatInput)
	content := FillTemplate(memoryUserPrompt, map[string]any{
		"max_memories": e.MemoryPerChat,
		"transcript":   transcript,
	})
	payload, _, err := e.Client.CompleteJSON(ctx, []model.Message{
		{Role: "system", Content: memorySystemPrompt},
		{Role: "user", Content: content},
	})
	if err != nil {
		return nil, err
	}

	sourceDate := archive.ParseMeta(chunk.SourcePath).FirstMessageDate
	var out []map[string]any
	for _, row := range memoriesFromPayload(payload) {
		item := make(map[string]any, len(row)+2)
		for k, v := range row {
			item[k] = v
		}
		item["source_conversation"] = chunk.ConversationID
		if sourceDate != "" {
			item["source_date"] = sourceDate
		}
		out = append(out, item)
	}
	return out, nil
}

// memoriesFromPayload pulls the memories list out of a loosely-typed LLM
// response.
func memoriesFromPayload(payload map[string]any) []map[string]any {
	items, ok := payload["memories"].([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// extractionOutput collects the per-run extraction results.
type extractionOutput struct {
	observations []map[string]any
	candidates   []map[string]any
	errors       []string
}

// extractChunks runs persona observation plus memory extraction for every
// chunk through a bounded worker pool. Each completed chunk is recorded
// into the manifest and saved immediately so an interrupted run loses at
// most the chunks in flight. Failures are soft: they are collected as
// error strings and never abort the run.
func (e *Engine) extractChunks(ctx context.Context, chunks []sampling.Chunk, man *manifest.Manifest, manifestPath string) extractionOutput {
	workers := e.MaxParallel
	if workers > len(chunks) {
		workers = len(chunks)
	}
	if workers < 1 {
		workers = 1
	}
	e.log(fmt.Sprintf(
		"Launching per-conversation extraction workers=%d, chunks=%d, estimated_llm_calls~%d",
		workers, len(chunks), len(chunks)*2+2,
	))

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		out  extractionOutput
		done int
	)
	sem := semaphore.NewWeighted(int64(workers))

	for _, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			out.errors = append(out.errors, fmt.Sprintf("extraction[%s]: %v", chunk.ConversationID, err))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(chunk sampling.Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			obs, mems, err := e.processChunk(ctx, chunk, man, manifestPath)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.errors = append(out.errors, fmt.Sprintf("extraction[%s]: %v", chunk.ConversationID, err))
			} else {
				if len(obs) > 0 {
					out.observations = append(out.observations, obs)
				}
				out.candidates = append(out.candidates, mems...)
			}
			done++
			e.log(fmt.Sprintf("Extraction progress: %d/%d (persona + memory per chunk)", done, len(chunks)))
		}(chunk)
	}
	wg.Wait()
	return out
}

// processChunk runs both extraction calls for one conversation and records
// the result. The two calls are sequential per chunk; parallelism comes
// from the worker pool.
func (e *Engine) processChunk(ctx context.Context, chunk sampling.Chunk, man *manifest.Manifest, manifestPath string) (map[string]any, []map[string]any, error) {
	obs, err := e.observeChunk(ctx, chunk)
	if err != nil {
		return nil, nil, err
	}
	mems, err := e.extractChunkMemories(ctx, chunk)
	if err != nil {
		return nil, nil, err
	}

	if man != nil && manifestPath != "" {
		size, mtime, statErr := archive.FileInfo(chunk.SourcePath)
		if statErr != nil {
			return nil, nil, statErr
		}
		name := archive.ParseMeta(chunk.SourcePath).SourceFile
		if recErr := man.Record(manifestPath, name, size, mtime, obs, mems); recErr != nil {
			return nil, nil, recErr
		}
	}
	return obs, mems, nil
}
