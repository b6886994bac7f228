package lorebook_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axAilotl/companion-keeper/pkg/lorebook"
)

func TestMergeDraftWhitelist(t *testing.T) {
	persona := map[string]any{
		"name":        "Aster",
		"description": "Warm and direct.",
		"personality": "Steady.",
		// Fields outside the whitelist are discarded.
		"jailbreak":   "ignored",
		"temperature": 0.9,
	}
	memories := []map[string]any{{"name": "M", "keys": []any{"k"}, "content": "c"}}

	draft := lorebook.MergeDraft("Companion", persona, memories)
	assert.Equal(t, "Aster", draft["name"])
	assert.Equal(t, "Warm and direct.", draft["description"])
	assert.Equal(t, "Steady.", draft["personality"])
	assert.NotContains(t, draft, "jailbreak")
	assert.NotContains(t, draft, "temperature")
	assert.Equal(t, memories, draft["memories"])

	// An empty persona leaves the shell defaults.
	shell := lorebook.MergeDraft("Companion", map[string]any{}, nil)
	assert.Equal(t, "Companion", shell["name"])
	assert.Equal(t, "", shell["description"])
}

func TestHeuristicDraftIsCardReady(t *testing.T) {
	draft := lorebook.HeuristicDraft("Aster")
	assert.Equal(t, "Aster", draft["name"])
	assert.NotEmpty(t, draft["description"])
	assert.NotEmpty(t, draft["memories"])

	card := lorebook.BuildCard(draft, "Aster", "tester", "chat-export")
	assert.Empty(t, lorebook.ValidateCard(card))

	book := lorebook.BuildLorebook(draft)
	assert.Empty(t, lorebook.ValidateLorebook(book))
	require.Len(t, book.Data.Entries, 1)
	assert.Equal(t, "Trust And Safety Anchor", book.Data.Entries[0].Name)
}

func TestBuildCardDefaults(t *testing.T) {
	card := lorebook.BuildCard(map[string]any{}, "Aster", "", "")
	assert.Equal(t, "chara_card_v3", card["spec"])
	assert.Equal(t, "3.0", card["spec_version"])

	data := card["data"].(map[string]any)
	assert.Equal(t, "Aster", data["name"])
	assert.Equal(t, "Aster reconstructed from transcript evidence.", data["description"])
	assert.Equal(t, "unknown", data["creator"])
	assert.Equal(t, "1.0", data["character_version"])
	assert.NotEmpty(t, data["mes_example"])
	assert.NotEmpty(t, data["tags"])
	assert.NotEmpty(t, data["alternate_greetings"])
	assert.NotContains(t, data, "nickname")
	assert.NotContains(t, data, "source")
	assert.Empty(t, lorebook.ValidateCard(card))
}

func TestBuildCardSourceLabelAndNickname(t *testing.T) {
	draft := map[string]any{"nickname": "Star"}
	card := lorebook.BuildCard(draft, "Aster", "creator-name", "legacy-export")
	data := card["data"].(map[string]any)
	assert.Equal(t, "Star", data["nickname"])
	assert.Equal(t, []any{"legacy-export"}, data["source"])
	assert.Equal(t, "creator-name", data["creator"])
}

func TestBuildCardRepairsMesExample(t *testing.T) {
	draft := map[string]any{
		"mes_example": "<START> {{user}}: hi there {{char}}: hello friend",
	}
	card := lorebook.BuildCard(draft, "Aster", "", "")
	data := card["data"].(map[string]any)
	assert.Equal(t, "<START>\n{{user}}: hi there\n{{char}}: hello friend", data["mes_example"])
}

func TestBuildCardRepairsFlattenedMarkdown(t *testing.T) {
	flattened := "## Voice - warm tone - direct phrasing"
	card := lorebook.BuildCard(map[string]any{"description": flattened}, "Aster", "", "")
	data := card["data"].(map[string]any)
	assert.Equal(t, "## Voice\n- warm tone\n- direct phrasing", data["description"])

	// Plain prose with no markdown markers is untouched beyond whitespace
	// collapsing.
	card = lorebook.BuildCard(map[string]any{"description": "line one\nline two"}, "Aster", "", "")
	data = card["data"].(map[string]any)
	assert.Equal(t, "line one line two", data["description"])
}

func TestValidateCardReportsProblems(t *testing.T) {
	errors := lorebook.ValidateCard(map[string]any{"spec": "wrong"})
	assert.Contains(t, errors, "spec must be chara_card_v3")
	assert.Contains(t, errors, "data must be object")

	card := lorebook.BuildCard(map[string]any{}, "Aster", "", "")
	data := card["data"].(map[string]any)
	delete(data, "personality")
	data["tags"] = "not a list"
	errors = lorebook.ValidateCard(card)
	assert.Contains(t, errors, "data.personality must be string")
	assert.Contains(t, errors, "data.tags must be array")
}

func TestBuildLorebookShape(t *testing.T) {
	draft := map[string]any{
		"memories": []any{
			map[string]any{"name": "M1", "keys": []any{"alpha"}, "content": "first shared memory"},
			map[string]any{"name": "M2", "keys": []any{"beta"}, "content": "second shared memory"},
		},
	}
	book := lorebook.BuildLorebook(draft)
	assert.Equal(t, "lorebook_v3", book.Spec)
	assert.Equal(t, "Companion Shared Memories", book.Data.Name)
	assert.Equal(t, 30, book.Data.ScanDepth)
	assert.Equal(t, 1200, book.Data.TokenBudget)
	assert.NotNil(t, book.Data.Extensions)
	require.Len(t, book.Data.Entries, 2)
	assert.Empty(t, lorebook.ValidateLorebook(book))
}

func TestBuildLorebookEmptyDraft(t *testing.T) {
	book := lorebook.BuildLorebook(map[string]any{})
	assert.NotNil(t, book.Data.Entries)
	assert.Empty(t, book.Data.Entries)
	assert.Empty(t, lorebook.ValidateLorebook(book))
}

func TestValidateLorebookReportsProblems(t *testing.T) {
	book := lorebook.LorebookWrapper{
		Spec: "wrong",
		Data: lorebook.LorebookData{
			Entries: []lorebook.Entry{{Name: "bad"}},
		},
	}
	errors := lorebook.ValidateLorebook(book)
	assert.Contains(t, errors, "spec must be lorebook_v3")
	assert.Contains(t, errors, "data.extensions must be object")
	assert.Contains(t, errors, "entry[0].keys must be non-empty")
	assert.Contains(t, errors, "entry[0].content must be non-empty")
	assert.Contains(t, errors, "entry[0].insertion_order must be positive")
}
