// Package sampling ranks conversation files and selects a bounded subset
// for analysis, then slices the winners into prompt-sized chunks.
package sampling

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/axAilotl/companion-keeper/pkg/archive"
)

// Score summarizes how substantial a conversation is. Ordering is
// lexicographic over the three fields, largest first.
type Score struct {
	AssistantChars int `json:"assistant_chars"`
	AssistantTurns int `json:"assistant_turns"`
	TotalTurns     int `json:"total_turns"`
}

// Less reports whether s ranks below other.
func (s Score) Less(other Score) bool {
	if s.AssistantChars != other.AssistantChars {
		return s.AssistantChars < other.AssistantChars
	}
	if s.AssistantTurns != other.AssistantTurns {
		return s.AssistantTurns < other.AssistantTurns
	}
	return s.TotalTurns < other.TotalTurns
}

// weight is the draw weight used by weighted-random selection.
func (s Score) weight() float64 {
	w := math.Sqrt(math.Max(1.0, float64(s.AssistantChars))) +
		0.5*float64(s.AssistantTurns) +
		0.15*float64(s.TotalTurns)
	return math.Max(1.0, w)
}

// Selected is one chosen conversation with its loaded messages.
type Selected struct {
	Path     string
	Messages []archive.Message
	Score    Score
}

// ScoreMessages computes the ranking score for a conversation.
func ScoreMessages(messages []archive.Message) Score {
	var s Score
	for _, m := range messages {
		s.TotalTurns++
		if m.Role == "assistant" {
			s.AssistantTurns++
			s.AssistantChars += len(m.Content)
		}
	}
	return s
}

// Sampling strategy names. Aliases are accepted by Select.
const (
	StrategyWeightedRandom = "weighted-random"
	StrategyUniformRandom  = "uniform-random"
	StrategyTopRanked      = "top-ranked"
	StrategySequential     = "sequential"
)

// Select loads, scores, and samples conversations. Unreadable or empty
// files are skipped. Returns nil when nothing survives loading.
//
// A seed >= 0 makes the random strategies deterministic.
func Select(paths []string, limit int, strategy string, seed int64) []Selected {
	var inputOrder []Selected
	for _, path := range paths {
		messages, err := archive.ReadConversation(path)
		if err != nil || len(messages) == 0 {
			continue
		}
		inputOrder = append(inputOrder, Selected{
			Path:     path,
			Messages: messages,
			Score:    ScoreMessages(messages),
		})
	}
	if len(inputOrder) == 0 {
		return nil
	}

	ranked := make([]Selected, len(inputOrder))
	copy(ranked, inputOrder)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[j].Score.Less(ranked[i].Score)
	})

	mode := strings.ToLower(strings.TrimSpace(strategy))
	if mode == "" {
		mode = StrategyWeightedRandom
	}

	if limit <= 0 || limit >= len(ranked) {
		if isUniform(mode) {
			rng := newRNG(seed)
			shuffled := make([]Selected, len(ranked))
			copy(shuffled, ranked)
			rng.Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			return shuffled
		}
		return ranked
	}

	switch {
	case mode == "top" || mode == "ranked" || mode == StrategyTopRanked:
		return ranked[:limit]
	case mode == StrategySequential:
		return inputOrder[:limit]
	case isUniform(mode):
		rng := newRNG(seed)
		shuffled := make([]Selected, len(ranked))
		copy(shuffled, ranked)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled[:limit]
	}

	return weightedSample(ranked, limit, newRNG(seed))
}

func isUniform(mode string) bool {
	return mode == StrategyUniformRandom || mode == "random-uniform"
}

func newRNG(seed int64) *rand.Rand {
	if seed >= 0 {
		return rand.New(rand.NewSource(seed))
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// weightedSample draws limit items without replacement. Each draw picks an
// item with probability proportional to its weight among the remaining pool:
// walk the pool accumulating weights and take the first item whose running
// total reaches a uniform draw in [0, sum).
func weightedSample(ranked []Selected, limit int, rng *rand.Rand) []Selected {
	pool := make([]Selected, len(ranked))
	copy(pool, ranked)

	selected := make([]Selected, 0, limit)
	for len(pool) > 0 && len(selected) < limit {
		total := 0.0
		weights := make([]float64, len(pool))
		for i, cand := range pool {
			weights[i] = cand.Score.weight()
			total += weights[i]
		}

		pick := rng.Float64() * total
		cursor := 0.0
		chosen := len(pool) - 1
		for i, w := range weights {
			cursor += w
			if cursor >= pick {
				chosen = i
				break
			}
		}

		selected = append(selected, pool[chosen])
		pool = append(pool[:chosen], pool[chosen+1:]...)
	}
	return selected
}
