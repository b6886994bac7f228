package fidelity

import (
	"fmt"
	"strings"
)

var rankMedals = []string{"🥇", "🥈", "🥉"}

func rankLabel(rank int) string {
	if rank <= len(rankMedals) {
		return rankMedals[rank-1]
	}
	return fmt.Sprintf("%d.", rank)
}

// FormatMarkdown renders the human-readable companion fidelity summary.
// Results are assumed to be sorted best-first.
func FormatMarkdown(report *Report) string {
	var b strings.Builder

	b.WriteString("# Companion Fidelity Report\n\n")
	fmt.Fprintf(&b, "Provider: `%s`\n\n", report.Provider)
	if report.JudgeModel != "" {
		fmt.Fprintf(&b, "Judge model: `%s`\n\n", report.JudgeModel)
	}
	fmt.Fprintf(&b, "Models tested: %d, test prompts: %d\n\n",
		len(report.ModelsTested), len(report.TestPrompts))

	b.WriteString("## Rankings\n\n")
	b.WriteString("| Rank | Model | Final | Rule | Style | Lexical | Judge |\n")
	b.WriteString("|------|-------|-------|------|-------|---------|-------|\n")
	for i, r := range report.Results {
		fmt.Fprintf(&b, "| %s | %s | %.2f | %.2f | %.2f | %.2f | %.2f |\n",
			rankLabel(i+1), r.Model,
			r.Scores.FinalScore, r.Scores.RuleScore,
			r.Scores.StyleScore, r.Scores.LexicalScore, r.Scores.JudgeScore)
	}
	b.WriteString("\n")

	b.WriteString("## Baseline voice profile\n\n")
	p := report.BaselineProfile
	fmt.Fprintf(&b, "- Avg words per message: %.2f\n", p.AvgWordsPerMessage)
	fmt.Fprintf(&b, "- Avg sentences per message: %.2f\n", p.AvgSentencesPerMessage)
	fmt.Fprintf(&b, "- Question rate: %.4f\n", p.QuestionRate)
	fmt.Fprintf(&b, "- Exclamation rate: %.4f\n", p.ExclaimRate)
	fmt.Fprintf(&b, "- First-person rate: %.4f\n", p.FirstPersonRate)
	fmt.Fprintf(&b, "- Empathy marker rate: %.4f\n", p.EmpathyMarkerRate)
	fmt.Fprintf(&b, "- Lexical diversity: %.4f\n\n", p.LexicalDiversity)

	b.WriteString("## Per-model details\n\n")
	for i, r := range report.Results {
		fmt.Fprintf(&b, "### %s %s\n\n", rankLabel(i+1), r.Model)
		fmt.Fprintf(&b, "Final score: **%.2f** (rule %.2f, judge %.2f)\n\n",
			r.Scores.FinalScore, r.Scores.RuleScore, r.Scores.JudgeScore)
		if r.JudgeRationale != "" {
			fmt.Fprintf(&b, "Judge rationale: %s\n\n", r.JudgeRationale)
		}
		b.WriteString("<details>\n<summary>Sample responses</summary>\n\n")
		for j, resp := range r.Responses {
			prompt := ""
			if j < len(report.TestPrompts) {
				prompt = report.TestPrompts[j]
			}
			fmt.Fprintf(&b, "**Prompt %d:** %s\n\n", j+1, prompt)
			sample := resp
			if len(sample) > 500 {
				sample = sample[:500] + "…"
			}
			fmt.Fprintf(&b, "> %s\n\n", strings.ReplaceAll(sample, "\n", "\n> "))
		}
		b.WriteString("</details>\n\n")
	}

	b.WriteString("---\n\n")
	b.WriteString("Scoring: the rule score blends numeric style similarity (70%) with ")
	b.WriteString("top-word overlap (30%). When a judge model is configured the final ")
	b.WriteString("score is 60% rule score and 40% judge score; otherwise it equals the ")
	b.WriteString("rule score.\n")

	return b.String()
}
