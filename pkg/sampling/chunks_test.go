package sampling_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/archive"
	"github.com/axAilotl/companion-keeper/pkg/sampling"
)

func selection(path string, messages ...archive.Message) sampling.Selected {
	return sampling.Selected{
		Path:     path,
		Messages: messages,
		Score:    sampling.ScoreMessages(messages),
	}
}

func TestBuildChunksMessageCap(t *testing.T) {
	sel := selection("/x/conv_20240101.jsonl",
		archive.Message{Role: "user", Content: "one"},
		archive.Message{Role: "assistant", Content: "two"},
		archive.Message{Role: "user", Content: "three"},
	)

	chunks := sampling.BuildChunks([]sampling.Selected{sel}, 2, 10000)
	require.Len(t, chunks, 1)
	chunk := chunks[0]
	assert.Equal(t, "conv_20240101", chunk.ConversationID)
	assert.Equal(t, 2, chunk.MessagesUsed)
	assert.Equal(t, "[user] one\n[assistant] two", chunk.Transcript)
	assert.Equal(t, len("[user] one")+len("[assistant] two"), chunk.CharCount)
	assert.Greater(t, chunk.TokenEstimate, 0)
	assert.Equal(t, "/x/conv_20240101.jsonl", chunk.SourcePath)
}

func TestBuildChunksCharCap(t *testing.T) {
	sel := selection("/x/c.jsonl",
		archive.Message{Role: "user", Content: "short"},
		archive.Message{Role: "assistant", Content: strings.Repeat("a", 500)},
	)

	// Cap leaves room for the first message only.
	chunks := sampling.BuildChunks([]sampling.Selected{sel}, 50, 20)
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].MessagesUsed)
	assert.Equal(t, "[user] short", chunks[0].Transcript)
}

func TestBuildChunksDropsEmptyConversations(t *testing.T) {
	sel := selection("/x/c.jsonl",
		archive.Message{Role: "user", Content: strings.Repeat("a", 500)},
	)
	chunks := sampling.BuildChunks([]sampling.Selected{sel}, 50, 10)
	assert.Empty(t, chunks)
}

func TestBuildTranscriptHeadersAndMeta(t *testing.T) {
	selected := []sampling.Selected{
		selection("/x/alpha_20240101.jsonl",
			archive.Message{Role: "user", Content: "hello"},
			archive.Message{Role: "assistant", Content: "hi there"},
		),
		selection("/x/beta_20240102.jsonl",
			archive.Message{Role: "assistant", Content: "solo reply"},
		),
	}

	text, meta := sampling.BuildTranscript(selected, 50, 10000, 100000)
	assert.True(t, strings.HasPrefix(text, "=== conversation: alpha_20240101 ==="))
	assert.Contains(t, text, "=== conversation: beta_20240102 ===")
	assert.Contains(t, text, "[assistant] hi there")

	require.Len(t, meta.Sources, 2)
	assert.Equal(t, "alpha_20240101.jsonl", meta.Sources[0].ConversationFile)
	assert.Equal(t, 2, meta.Sources[0].MessagesInFile)
	assert.Equal(t, 2, meta.Sources[0].MessagesUsed)
	assert.Equal(t, len("hi there"), meta.Sources[0].AssistantChars)
	assert.Equal(t, 1, meta.Sources[0].AssistantMessages)

	wantChars := len("[user] hello") + len("[assistant] hi there") + len("[assistant] solo reply")
	assert.Equal(t, wantChars, meta.TotalChars)
}

func TestBuildTranscriptGlobalBudget(t *testing.T) {
	selected := []sampling.Selected{
		selection("/x/a.jsonl", archive.Message{Role: "user", Content: "aaaa"}),
		selection("/x/b.jsonl", archive.Message{Role: "user", Content: "bbbb"}),
		selection("/x/c.jsonl", archive.Message{Role: "user", Content: "cccc"}),
	}

	// Each rendered line is "[user] aaaa" = 11 chars. A 25-char budget fits
	// two lines; the third conversation keeps nothing and is dropped.
	text, meta := sampling.BuildTranscript(selected, 50, 10000, 25)
	assert.Contains(t, text, "[user] aaaa")
	assert.Contains(t, text, "[user] bbbb")
	assert.NotContains(t, text, "cccc")
	require.Len(t, meta.Sources, 2)
	assert.Equal(t, 22, meta.TotalChars)
}

func TestBuildTranscriptEmptySelection(t *testing.T) {
	text, meta := sampling.BuildTranscript(nil, 50, 10000, 100000)
	assert.Equal(t, "", text)
	assert.Empty(t, meta.Sources)
	assert.Equal(t, 0, meta.TotalChars)
}
