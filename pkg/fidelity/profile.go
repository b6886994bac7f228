// Package fidelity benchmarks candidate models against the voice of a
// reconstructed companion: responses to test prompts are scored for style
// and vocabulary similarity to the assistant baseline, with an optional
// LLM judge blended in.
package fidelity

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var profileStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "to": true, "of": true, "in": true, "on": true,
	"for": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "with": true, "that": true, "this": true, "it": true,
	"as": true, "at": true, "from": true, "by": true, "i": true,
	"you": true, "we": true, "they": true, "me": true, "my": true,
	"your": true, "our": true,
}

var firstPersonTokens = map[string]bool{
	"i": true, "me": true, "my": true, "mine": true, "myself": true,
}

var empathyMarkers = []string{
	"that makes sense", "i hear you", "i'm here", "we can",
	"you're not alone", "let's",
}

var (
	wordRe     = regexp.MustCompile(`[a-zA-Z']+`)
	sentenceRe = regexp.MustCompile(`[.!?]+`)
)

// Profile is a message-level style fingerprint.
type Profile struct {
	AvgWordsPerMessage     float64  `json:"avg_words_per_message"`
	AvgSentencesPerMessage float64  `json:"avg_sentences_per_message"`
	QuestionRate           float64  `json:"question_rate"`
	ExclaimRate            float64  `json:"exclaim_rate"`
	FirstPersonRate        float64  `json:"first_person_rate"`
	EmpathyMarkerRate      float64  `json:"empathy_marker_rate"`
	LexicalDiversity       float64  `json:"lexical_diversity"`
	TopWords               []string `json:"top_words"`
}

// Scores is the per-model similarity breakdown.
type Scores struct {
	StyleScore   float64 `json:"style_score"`
	LexicalScore float64 `json:"lexical_score"`
	RuleScore    float64 `json:"rule_score"`
	JudgeScore   float64 `json:"judge_score"`
	FinalScore   float64 `json:"final_score"`
}

func tokenize(text string) []string {
	return wordRe.FindAllString(strings.ToLower(text), -1)
}

func sentenceCount(text string) int {
	count := 0
	for _, part := range sentenceRe.Split(text, -1) {
		if strings.TrimSpace(part) != "" {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// BuildProfile computes the style fingerprint over a set of messages.
func BuildProfile(texts []string) Profile {
	if len(texts) == 0 {
		return Profile{TopWords: []string{}}
	}

	joined := strings.Join(texts, "\n")
	allTokens := tokenize(joined)
	msgCount := len(texts)

	sentenceTotal := 0
	questionTotal := 0
	exclaimTotal := 0
	for _, t := range texts {
		sentenceTotal += sentenceCount(t)
		questionTotal += strings.Count(t, "?")
		exclaimTotal += strings.Count(t, "!")
	}

	firstPersonTotal := 0
	for _, tok := range allTokens {
		if firstPersonTokens[tok] {
			firstPersonTotal++
		}
	}

	lowJoined := strings.ToLower(joined)
	empathyHits := 0
	for _, marker := range empathyMarkers {
		empathyHits += strings.Count(lowJoined, marker)
	}

	type wordCount struct {
		word  string
		count int
		first int
	}
	freqs := map[string]*wordCount{}
	var order []*wordCount
	for i, tok := range allTokens {
		if profileStopwords[tok] || len(tok) < 3 {
			continue
		}
		if wc, ok := freqs[tok]; ok {
			wc.count++
		} else {
			wc := &wordCount{word: tok, count: 1, first: i}
			freqs[tok] = wc
			order = append(order, wc)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})
	if len(order) > 50 {
		order = order[:50]
	}
	topWords := make([]string, 0, len(order))
	for _, wc := range order {
		topWords = append(topWords, wc.word)
	}

	unique := map[string]bool{}
	for _, tok := range allTokens {
		unique[tok] = true
	}
	tokenTotal := len(allTokens)
	if tokenTotal < 1 {
		tokenTotal = 1
	}

	return Profile{
		AvgWordsPerMessage:     round4(float64(len(allTokens)) / float64(msgCount)),
		AvgSentencesPerMessage: round4(float64(sentenceTotal) / float64(msgCount)),
		QuestionRate:           round4(float64(questionTotal) / float64(msgCount)),
		ExclaimRate:            round4(float64(exclaimTotal) / float64(msgCount)),
		FirstPersonRate:        round4(float64(firstPersonTotal) / float64(tokenTotal)),
		EmpathyMarkerRate:      round4(float64(empathyHits) / float64(msgCount)),
		LexicalDiversity:       round4(float64(len(unique)) / float64(tokenTotal)),
		TopWords:               topWords,
	}
}

// componentSimilarity maps the relative deviation of one numeric style
// component onto [0, 100].
func componentSimilarity(base, cand float64) float64 {
	if base == 0 && cand == 0 {
		return 100
	}
	if base == 0 {
		return math.Max(0, 100-math.Abs(cand)*100)
	}
	diffRatio := math.Abs(cand-base) / math.Abs(base)
	return math.Max(0, 100-diffRatio*100)
}

// CompareProfiles scores a candidate profile against the baseline:
// 70% numeric style similarity, 30% top-word overlap.
func CompareProfiles(baseline, candidate Profile) Scores {
	components := []float64{
		componentSimilarity(baseline.AvgWordsPerMessage, candidate.AvgWordsPerMessage),
		componentSimilarity(baseline.AvgSentencesPerMessage, candidate.AvgSentencesPerMessage),
		componentSimilarity(baseline.QuestionRate, candidate.QuestionRate),
		componentSimilarity(baseline.ExclaimRate, candidate.ExclaimRate),
		componentSimilarity(baseline.FirstPersonRate, candidate.FirstPersonRate),
		componentSimilarity(baseline.EmpathyMarkerRate, candidate.EmpathyMarkerRate),
		componentSimilarity(baseline.LexicalDiversity, candidate.LexicalDiversity),
	}
	styleScore := 0.0
	for _, c := range components {
		styleScore += c
	}
	styleScore /= float64(len(components))

	baseSet := map[string]bool{}
	for _, w := range baseline.TopWords {
		baseSet[w] = true
	}
	candSet := map[string]bool{}
	for _, w := range candidate.TopWords {
		candSet[w] = true
	}
	lexicalScore := 0.0
	if len(baseSet) > 0 || len(candSet) > 0 {
		inter := 0
		for w := range baseSet {
			if candSet[w] {
				inter++
			}
		}
		union := len(baseSet) + len(candSet) - inter
		if union < 1 {
			union = 1
		}
		lexicalScore = 100 * float64(inter) / float64(union)
	}

	return Scores{
		StyleScore:   round2(styleScore),
		LexicalScore: round2(lexicalScore),
		RuleScore:    round2(0.7*styleScore + 0.3*lexicalScore),
	}
}
