package model

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractJSONObject parses a JSON object out of LLM output, tolerating
// markdown fences and surrounding prose. Never panics; returns an empty
// map when nothing parseable is found.
func ExtractJSONObject(raw string) map[string]any {
	text := strings.TrimSpace(raw)
	if text == "" {
		return map[string]any{}
	}

	if obj := tryParseObject(text); obj != nil {
		return obj
	}

	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if obj := tryParseObject(m[1]); obj != nil {
			return obj
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if obj := tryParseObject(text[start : end+1]); obj != nil {
			return obj
		}
	}

	return map[string]any{}
}

func tryParseObject(text string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil
	}
	if obj == nil {
		return nil
	}
	return obj
}
