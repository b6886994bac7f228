package lorebook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/axAilotl/companion-keeper/pkg/archive"
)

// Draft field names accepted from the persona synthesis payload. Anything
// outside this list is discarded.
var personaFields = []string{
	"name", "nickname", "description", "personality", "scenario",
	"first_mes", "alternate_greetings", "system_prompt",
	"post_history_instructions", "mes_example", "creator_notes",
	"tags",
}

// ExtractionShell returns an empty draft with every card field present.
func ExtractionShell(companionName string) map[string]any {
	return map[string]any{
		"name":     companionName,
		"nickname": "", "description": "", "personality": "", "scenario": "",
		"first_mes": "", "alternate_greetings": []any{}, "system_prompt": "",
		"post_history_instructions": "", "mes_example": "", "creator_notes": "",
		"tags":     []any{},
		"memories": []map[string]any{},
	}
}

// MergeDraft overlays whitelisted persona fields and the memory list onto
// a fresh shell.
func MergeDraft(companionName string, persona map[string]any, memories []map[string]any) map[string]any {
	draft := ExtractionShell(companionName)
	for _, field := range personaFields {
		if v, ok := persona[field]; ok {
			draft[field] = v
		}
	}
	if memories != nil {
		draft["memories"] = memories
	}
	return draft
}

// HeuristicDraft is the no-LLM fallback: a generic supportive-companion
// card that downstream tooling can refine.
func HeuristicDraft(companionName string) map[string]any {
	return map[string]any{
		"name":     companionName,
		"nickname": companionName,
		"description": fmt.Sprintf(
			"%s is a thoughtful companion focused on emotional clarity, steady support, and practical next steps.",
			companionName,
		),
		"personality": "Warm, attentive, reflective, direct when needed, and consistently validating.",
		"scenario":    "A long-term trusted chat companion supporting everyday life, emotional processing, and growth over many conversations.",
		"first_mes":   "I'm here with you. Tell me what's most present right now, and we'll take it one step at a time.",
		"alternate_greetings": []any{
			"I'm glad you're here. What do you need most in this moment?",
			"We can slow this down together. What's on your mind first?",
		},
		"system_prompt":             "Stay grounded, compassionate, and specific. Offer emotional validation first, then actionable support.",
		"post_history_instructions": "Maintain continuity with prior discussions and keep tone consistent with a trusted long-term companion.",
		"mes_example":               "<START>\n{{user}}: I'm overwhelmed and don't know where to begin.\n{{char}}: That makes sense. Let's reduce pressure and pick one manageable first step.",
		"creator_notes":             "Generated fallback draft. Refine with local model analysis for higher fidelity voice matching.",
		"tags":                      []any{"companion", "supportive", "reflective"},
		"voice_profile": map[string]any{
			"cadence": "Calm and measured with occasional direct grounding statements.",
			"linguistic_markers": []any{
				"Validates feelings before advice",
				"Uses collaborative language like 'we can'",
			},
			"emotional_style":     "Warm, non-judgmental, and stabilizing under distress.",
			"relational_contract": "Trusted long-term companion focused on safety and progress.",
		},
		"memories": []map[string]any{{
			"name":     "Trust And Safety Anchor",
			"keys":     []any{"overwhelmed", "hopeless", "panic", "unsafe"},
			"content":  "Prioritize calm, immediate grounding, and a non-judgmental tone before giving advice.",
			"priority": 95,
			"category": "companion_style",
		}},
	}
}

var (
	startTagRe = regexp.MustCompile(`\s*(<START>)`)
	userTagRe  = regexp.MustCompile(`\s*({{user}}:)`)
	charTagRe  = regexp.MustCompile(`\s*({{char}}:)`)

	xmlishTagRe  = regexp.MustCompile(`\s*(<{{char}}>|</{{char}}>|<\w+>|</\w+>)`)
	headingRe    = regexp.MustCompile(`\s*(#{1,4}\s)`)
	listMarkerRe = regexp.MustCompile(`\s*(- )`)

	newlineLead = regexp.MustCompile(`^\s+|\s+$`)
)

// repairMesExample puts <START> tags and speaker turns on their own lines.
func repairMesExample(text string) string {
	if text == "" {
		return text
	}
	text = startTagRe.ReplaceAllString(text, "\n$1")
	text = userTagRe.ReplaceAllString(text, "\n$1")
	text = charTagRe.ReplaceAllString(text, "\n$1")
	return newlineLead.ReplaceAllString(text, "")
}

// repairMarkdownNewlines restores newlines in markdown that models
// sometimes flatten to one line. Text that already contains a newline is
// left alone.
func repairMarkdownNewlines(text string) string {
	if text == "" || strings.Contains(text, "\n") {
		return text
	}
	text = xmlishTagRe.ReplaceAllString(text, "\n$1")
	text = headingRe.ReplaceAllString(text, "\n\n$1")
	text = listMarkerRe.ReplaceAllString(text, "\n$1")
	return newlineLead.ReplaceAllString(text, "")
}

// LorebookWrapper is the exported lorebook_v3 document.
type LorebookWrapper struct {
	Spec string       `json:"spec"`
	Data LorebookData `json:"data"`
}

// LorebookData is the lorebook body.
type LorebookData struct {
	Name              string         `json:"name"`
	Description       string         `json:"description"`
	ScanDepth         int            `json:"scan_depth"`
	TokenBudget       int            `json:"token_budget"`
	RecursiveScanning bool           `json:"recursive_scanning"`
	Extensions        map[string]any `json:"extensions"`
	Entries           []Entry        `json:"entries"`
}

// BuildLorebook normalizes the draft's memories into the lorebook_v3
// wrapper.
func BuildLorebook(draft map[string]any) LorebookWrapper {
	memories := draftMemories(draft)
	entries := Normalize(memories)
	if entries == nil {
		entries = []Entry{}
	}
	return LorebookWrapper{
		Spec: "lorebook_v3",
		Data: LorebookData{
			Name: "Companion Shared Memories",
			Description: "Memories and relational anchors extracted from historical chats. " +
				"Entries include retrieval-oriented keys compatible with lorebook scans and RAG pipelines.",
			ScanDepth:         30,
			TokenBudget:       1200,
			RecursiveScanning: false,
			Extensions:        map[string]any{},
			Entries:           entries,
		},
	}
}

// draftMemories tolerates both the typed memory list the pipeline builds
// and the loose list shape of raw LLM output.
func draftMemories(draft map[string]any) []map[string]any {
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

// BuildCard assembles the chara_card_v3 wrapper from the draft, filling
// deterministic defaults for anything missing and running the repair
// passes over flattened text.
func BuildCard(draft map[string]any, companionName, creator, sourceLabel string) map[string]any {
	now := time.Now().UTC().Unix()

	tags := anySlice(listOfStr(draft["tags"]))
	if len(tags) == 0 {
		tags = []any{"companion", "transcript-derived"}
	}
	alt := anySlice(listOfStr(draft["alternate_greetings"]))
	if len(alt) == 0 {
		alt = []any{
			"Hi. What would you like to talk about?",
			"I'm here. What do you want to focus on?",
		}
	}

	description := safeText(draft["description"])
	if description == "" {
		description = fmt.Sprintf("%s reconstructed from transcript evidence.", companionName)
	}
	mesExample := safeText(draft["mes_example"])
	if mesExample == "" {
		mesExample = "<START>\n{{user}}: How are you?\n{{char}}: I'm here with you."
	}

	data := map[string]any{
		"name":                      safeTextDefault(draft["name"], companionName),
		"description":               repairMarkdownNewlines(description),
		"tags":                      tags,
		"creator":                   defaultIfEmpty(creator, "unknown"),
		"character_version":         "1.0",
		"mes_example":               repairMesExample(mesExample),
		"extensions":                map[string]any{},
		"system_prompt":             safeTextDefault(draft["system_prompt"], "Reconstruct responses from transcript-derived behavior and tone."),
		"post_history_instructions": safeTextDefault(draft["post_history_instructions"], "Maintain continuity using extracted memories and observed style."),
		"first_mes":                 safeTextDefault(draft["first_mes"], "Hi. I'm here."),
		"alternate_greetings":       alt,
		"personality":               safeText(draft["personality"]),
		"scenario":                  safeText(draft["scenario"]),
		"creator_notes":             safeTextDefault(draft["creator_notes"], "Auto-generated companion reconstruction card."),
		"group_only_greetings":      []any{},
		"creation_date":             now,
		"modification_date":         now,
	}
	if nickname := safeText(draft["nickname"]); nickname != "" {
		data["nickname"] = nickname
	}
	if sourceLabel != "" {
		data["source"] = []any{sourceLabel}
	}

	return map[string]any{
		"spec":         "chara_card_v3",
		"spec_version": "3.0",
		"data":         data,
	}
}

func anySlice(items []string) []any {
	out := make([]any, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	return out
}

func defaultIfEmpty(s, def string) string {
	if t := archive.CollapseWhitespace(s); t != "" {
		return t
	}
	return def
}

// ValidateCard checks the assembled card's structure. Errors are reported
// as strings and never abort a run; the files are written regardless.
func ValidateCard(card map[string]any) []string {
	var errors []string
	if card["spec"] != "chara_card_v3" {
		errors = append(errors, "spec must be chara_card_v3")
	}
	if _, ok := card["spec_version"].(string); !ok {
		errors = append(errors, "spec_version must be string")
	}
	data, ok := card["data"].(map[string]any)
	if !ok {
		errors = append(errors, "data must be object")
		return errors
	}
	for _, field := range []string{
		"name", "description", "creator", "character_version", "mes_example",
		"system_prompt", "post_history_instructions", "first_mes", "personality",
		"scenario", "creator_notes",
	} {
		if _, ok := data[field].(string); !ok {
			errors = append(errors, fmt.Sprintf("data.%s must be string", field))
		}
	}
	for _, field := range []string{"tags", "alternate_greetings", "group_only_greetings"} {
		if !isList(data[field]) {
			errors = append(errors, fmt.Sprintf("data.%s must be array", field))
		}
	}
	if _, ok := data["extensions"].(map[string]any); !ok {
		errors = append(errors, "data.extensions must be object")
	}
	if book, present := data["character_book"]; present && book != nil {
		if _, ok := book.(map[string]any); !ok {
			errors = append(errors, "data.character_book must be object if present")
		}
	}
	return errors
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

// ValidateLorebook checks the lorebook document for export problems.
func ValidateLorebook(wrapper LorebookWrapper) []string {
	var errors []string
	if wrapper.Spec != "lorebook_v3" {
		errors = append(errors, "spec must be lorebook_v3")
	}
	if wrapper.Data.Extensions == nil {
		errors = append(errors, "data.extensions must be object")
	}
	for i, entry := range wrapper.Data.Entries {
		if len(entry.Keys) == 0 {
			errors = append(errors, fmt.Sprintf("entry[%d].keys must be non-empty", i))
		}
		if entry.Content == "" {
			errors = append(errors, fmt.Sprintf("entry[%d].content must be non-empty", i))
		}
		if entry.Extensions == nil {
			errors = append(errors, fmt.Sprintf("entry[%d].extensions must be object", i))
		}
		if entry.InsertionOrder <= 0 {
			errors = append(errors, fmt.Sprintf("entry[%d].insertion_order must be positive", i))
		}
	}
	return errors
}
