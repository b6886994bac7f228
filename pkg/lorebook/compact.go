// Package lorebook deduplicates extracted memories and assembles the
// exported character card and lorebook documents.
package lorebook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/axAilotl/companion-keeper/pkg/archive"
)

// Memory is one candidate memory in compacted form.
type Memory struct {
	Name       string
	Keys       []string
	Content    string
	Category   string
	Priority   int
	SourceDate string
}

var (
	simTokenRe      = regexp.MustCompile(`[a-z0-9]+`)
	birthdayWordRe  = regexp.MustCompile(`\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\s+(\d{1,2})(?:st|nd|rd|th)?(?:,\s*|\s+)?(\d{2,4})?\b`)
	birthdayNumRe   = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})(?:[/-](\d{2,4}))?\b`)
	fingerprintRe   = regexp.MustCompile(`\W+`)
	similarityStops = map[string]bool{
		"the": true, "and": true, "for": true, "that": true, "with": true,
		"this": true, "from": true, "your": true, "you": true, "are": true,
		"was": true, "were": true, "have": true, "has": true, "had": true,
		"our": true, "their": true, "about": true, "into": true, "when": true,
		"what": true, "where": true, "which": true, "will": true,
		"would": true, "could": true, "should": true,
	}
)

var birthdayMonths = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "sept": 9, "oct": 10, "nov": 11, "dec": 12,
}

func safeText(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return archive.CollapseWhitespace(s)
}

func safeTextDefault(v any, def string) string {
	if s := safeText(v); s != "" {
		return s
	}
	return def
}

func listOfStr(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			if t := archive.CollapseWhitespace(s); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

func coerceInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return int(f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0
		}
		return i
	}
	return 0
}

// MemoryFromMap coerces a loosely-typed candidate into a Memory. Entries
// without keys or content are rejected.
func MemoryFromMap(raw map[string]any) (Memory, bool) {
	keys := listOfStr(raw["keys"])
	if len(keys) > 8 {
		keys = keys[:8]
	}
	content := safeText(raw["content"])
	if len(keys) == 0 || content == "" {
		return Memory{}, false
	}
	return Memory{
		Name:       safeTextDefault(raw["name"], "Memory"),
		Keys:       keys,
		Content:    content,
		Category:   safeTextDefault(raw["category"], "shared_memory"),
		Priority:   coerceInt(raw["priority"]),
		SourceDate: safeText(raw["source_date"]),
	}, true
}

// similarityTokens lowercases, drops short tokens and stopwords, and
// returns the remaining token set.
func similarityTokens(text string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range simTokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) > 2 && !similarityStops[tok] {
			set[tok] = true
		}
	}
	return set
}

// factSignature canonicalizes facts that routinely resurface with
// different phrasing so they dedupe by meaning rather than wording.
// Currently birthdays and the user's name. Empty means no known fact.
func factSignature(content string, keys []string) string {
	text := strings.ToLower(content)
	joinedKeys := strings.ToLower(strings.Join(keys, " "))

	if strings.Contains(text, "birthday") || strings.Contains(joinedKeys, "birthday") {
		if m := birthdayWordRe.FindStringSubmatch(text); m != nil {
			month := birthdayMonths[m[1]]
			day, _ := strconv.Atoi(m[2])
			if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
				if m[3] != "" {
					year, _ := strconv.Atoi(m[3])
					return fmt.Sprintf("birthday:%02d-%02d-%04d", month, day, year)
				}
				return fmt.Sprintf("birthday:%02d-%02d", month, day)
			}
		}
		if m := birthdayNumRe.FindStringSubmatch(text); m != nil {
			month, _ := strconv.Atoi(m[1])
			day, _ := strconv.Atoi(m[2])
			if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
				if m[3] != "" {
					year, _ := strconv.Atoi(m[3])
					if year < 100 {
						if year < 40 {
							year += 2000
						} else {
							year += 1900
						}
					}
					return fmt.Sprintf("birthday:%02d-%02d-%04d", month, day, year)
				}
				return fmt.Sprintf("birthday:%02d-%02d", month, day)
			}
		}
		return "birthday:unspecified"
	}

	if strings.Contains(joinedKeys, "name") && strings.Contains(text, "{{user}}") {
		return "user_name"
	}

	return ""
}

func lowerKeySet(keys []string) map[string]bool {
	set := map[string]bool{}
	for _, k := range keys {
		set[strings.ToLower(k)] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// isDuplicate applies the three-tier duplicate test: matching canonical
// fact signatures, near-identical content, or similar content with
// overlapping retrieval keys.
func isDuplicate(a, b Memory) bool {
	sigA := factSignature(a.Content, a.Keys)
	sigB := factSignature(b.Content, b.Keys)
	if sigA != "" && sigA == sigB {
		return true
	}
	contentSim := jaccard(similarityTokens(a.Content), similarityTokens(b.Content))
	if contentSim >= 0.82 {
		return true
	}
	keyOverlap := jaccard(lowerKeySet(a.Keys), lowerKeySet(b.Keys))
	return contentSim >= 0.62 && keyOverlap >= 0.45
}

// mergeInto folds dup into the surviving entry: longer content wins, the
// higher priority wins, the earliest dated source wins, and keys union up
// to the cap in first-seen order.
func mergeInto(existing *Memory, dup Memory) {
	if dup.Priority > existing.Priority {
		existing.Priority = dup.Priority
	}
	if dup.SourceDate != "" && (existing.SourceDate == "" || dup.SourceDate < existing.SourceDate) {
		existing.SourceDate = dup.SourceDate
	}
	seen := lowerKeySet(existing.Keys)
	for _, k := range dup.Keys {
		norm := strings.ToLower(k)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		existing.Keys = append(existing.Keys, k)
	}
	if len(existing.Keys) > 8 {
		existing.Keys = existing.Keys[:8]
	}
	if len(dup.Content) > len(existing.Content) {
		existing.Content = dup.Content
	}
}

// Compact deduplicates raw memory candidates. Greedy first-match-wins:
// each candidate merges into the first surviving entry it duplicates, or
// joins the survivor list.
func Compact(raw []map[string]any) []Memory {
	var compacted []Memory
	for _, item := range raw {
		mem, ok := MemoryFromMap(item)
		if !ok {
			continue
		}
		merged := false
		for i := range compacted {
			if isDuplicate(compacted[i], mem) {
				mergeInto(&compacted[i], mem)
				merged = true
				break
			}
		}
		if !merged {
			compacted = append(compacted, mem)
		}
	}
	return compacted
}

// Entry is the final export-ready lorebook entry.
type Entry struct {
	Name           string         `json:"name"`
	Keys           []string       `json:"keys"`
	Content        string         `json:"content"`
	Extensions     map[string]any `json:"extensions"`
	Enabled        bool           `json:"enabled"`
	InsertionOrder int            `json:"insertion_order"`
	UseRegex       bool           `json:"use_regex"`
	Constant       bool           `json:"constant"`
	Priority       int            `json:"priority"`
	Comment        string         `json:"comment"`
}

// Normalize compacts candidates and converts the survivors to lorebook
// entries: a content-fingerprint re-dedup, keys capped at 5, priority
// clamped to [0, 100], and insertion order assigned in tens from 100.
func Normalize(raw []map[string]any) []Entry {
	memories := Compact(raw)
	var entries []Entry
	insertionOrder := 100
	seen := map[string]bool{}

	for _, mem := range memories {
		keys := mem.Keys
		if len(keys) > 5 {
			keys = keys[:5]
		}
		fingerprint := strings.ToLower(fingerprintRe.ReplaceAllString(mem.Content, ""))
		if fingerprint == "" || seen[fingerprint] {
			continue
		}
		seen[fingerprint] = true

		priority := mem.Priority
		if priority < 0 {
			priority = 0
		}
		if priority > 100 {
			priority = 100
		}

		extensions := map[string]any{"category": mem.Category}
		if mem.SourceDate != "" {
			extensions["source_date"] = mem.SourceDate
		}

		entries = append(entries, Entry{
			Name:           mem.Name,
			Keys:           keys,
			Content:        mem.Content,
			Extensions:     extensions,
			Enabled:        true,
			InsertionOrder: insertionOrder,
			UseRegex:       false,
			Constant:       false,
			Priority:       priority,
			Comment:        mem.Name,
		})
		insertionOrder += 10
	}
	return entries
}
