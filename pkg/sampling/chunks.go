package sampling

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/axAilotl/companion-keeper/pkg/archive"
	"github.com/axAilotl/companion-keeper/pkg/tokens"
)

// Chunk is one conversation rendered as a capped transcript, ready to be
// handed to an extraction prompt.
type Chunk struct {
	ConversationID string `json:"conversation_id"`
	Transcript     string `json:"transcript"`
	MessagesUsed   int    `json:"messages_used"`
	CharCount      int    `json:"char_count"`
	TokenEstimate  int    `json:"token_estimate"`
	SourcePath     string `json:"source_path"`
}

// SourceMeta describes one conversation's contribution to the combined
// transcript.
type SourceMeta struct {
	ConversationFile  string `json:"conversation_file"`
	MessagesInFile    int    `json:"messages_in_file"`
	MessagesUsed      int    `json:"messages_used"`
	AssistantChars    int    `json:"assistant_chars"`
	AssistantMessages int    `json:"assistant_messages"`
}

// TranscriptMeta summarizes the combined transcript build.
type TranscriptMeta struct {
	Sources    []SourceMeta `json:"sources"`
	TotalChars int          `json:"total_chars"`
}

func messageLine(m archive.Message) string {
	return fmt.Sprintf("[%s] %s", m.Role, m.Content)
}

// BuildChunks renders each selected conversation as its own transcript.
// A message that would push past either cap ends the conversation there;
// conversations that keep no messages are dropped.
func BuildChunks(selected []Selected, maxMsgs, maxChars int) []Chunk {
	var chunks []Chunk
	for _, sel := range selected {
		cid := archive.ConversationID(sel.Path)
		var lines []string
		chars := 0
		used := 0
		for _, msg := range capMessages(sel.Messages, maxMsgs) {
			line := messageLine(msg)
			if chars+len(line) > maxChars {
				break
			}
			lines = append(lines, line)
			chars += len(line)
			used++
		}
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		if text == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ConversationID: cid,
			Transcript:     text,
			MessagesUsed:   used,
			CharCount:      chars,
			TokenEstimate:  tokens.Estimate(text),
			SourcePath:     sel.Path,
		})
	}
	return chunks
}

// BuildTranscript concatenates the selected conversations into one blob
// with per-conversation headers. A shared running character budget spans
// all conversations; once exhausted, remaining conversations are skipped.
func BuildTranscript(selected []Selected, maxMsgs, maxChars, maxTotalChars int) (string, TranscriptMeta) {
	var sections []string
	meta := TranscriptMeta{Sources: []SourceMeta{}}
	totalChars := 0

	for _, sel := range selected {
		cid := archive.ConversationID(sel.Path)
		lines := []string{fmt.Sprintf("=== conversation: %s ===", cid)}
		localChars := 0
		kept := 0

		for _, msg := range capMessages(sel.Messages, maxMsgs) {
			line := messageLine(msg)
			if localChars+len(line) > maxChars {
				break
			}
			if totalChars+len(line) > maxTotalChars {
				break
			}
			lines = append(lines, line)
			localChars += len(line)
			totalChars += len(line)
			kept++
		}

		if kept == 0 {
			continue
		}

		sections = append(sections, strings.Join(lines, "\n"))
		meta.Sources = append(meta.Sources, SourceMeta{
			ConversationFile:  filepath.Base(sel.Path),
			MessagesInFile:    len(sel.Messages),
			MessagesUsed:      kept,
			AssistantChars:    sel.Score.AssistantChars,
			AssistantMessages: sel.Score.AssistantTurns,
		})

		if totalChars >= maxTotalChars {
			break
		}
	}

	meta.TotalChars = totalChars
	return strings.TrimSpace(strings.Join(sections, "\n\n")), meta
}

func capMessages(messages []archive.Message, maxMsgs int) []archive.Message {
	if maxMsgs >= 0 && len(messages) > maxMsgs {
		return messages[:maxMsgs]
	}
	return messages
}
