// Package archive reads pre-extracted per-conversation chat exports.
//
// Each conversation is a single JSONL file where every line is an object
// with a role and either a text field or a parts list. Files are named
// {conversation_id}_{YYYYMMDD}.jsonl when the export date is known.
package archive

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Meta carries identity parsed from a conversation file name.
type Meta struct {
	ConversationID   string
	FirstMessageDate string
	SourceFile       string
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// CollapseWhitespace squashes runs of whitespace to single spaces and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// ListConversationFiles returns the sorted *.jsonl paths in dir.
func ListConversationFiles(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// exportLine is the raw shape of one line in a conversation file.
type exportLine struct {
	Role  string `json:"role"`
	Text  string `json:"text"`
	Parts []any  `json:"parts"`
}

// ReadConversation parses one conversation file into ordered messages.
// Malformed lines, unknown roles, and empty messages are skipped.
func ReadConversation(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw exportLine
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			continue
		}
		if !validRoles[raw.Role] {
			continue
		}
		text := CollapseWhitespace(raw.Text)
		if text == "" {
			text = textFromParts(raw.Parts)
		}
		if text == "" {
			continue
		}
		messages = append(messages, Message{Role: raw.Role, Content: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// textFromParts joins the string members of a parts list. Non-string parts
// (image refs and other attachments) are ignored.
func textFromParts(parts []any) string {
	var b strings.Builder
	for _, item := range parts {
		if s, ok := item.(string); ok {
			b.WriteString(s)
		}
	}
	return CollapseWhitespace(b.String())
}

var metaRe = regexp.MustCompile(`^(?P<cid>.+)_(?P<date>\d{8})$`)

// ParseMeta extracts the conversation id and export date from a file name.
// Files without the trailing _YYYYMMDD segment yield only the source file.
func ParseMeta(path string) Meta {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m := metaRe.FindStringSubmatch(base)
	if m == nil {
		return Meta{SourceFile: filepath.Base(path)}
	}
	return Meta{
		ConversationID:   m[1],
		FirstMessageDate: m[2],
		SourceFile:       filepath.Base(path),
	}
}

// ConversationID returns the file base name without extension.
func ConversationID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// FileInfo returns (size, mtime unix nanos) for manifest bookkeeping.
func FileInfo(path string) (int64, int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return st.Size(), st.ModTime().UnixNano(), nil
}
