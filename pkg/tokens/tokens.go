package tokens

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoder     *tiktoken.Tiktoken
	encoderOnce sync.Once
	encoderErr  error
)

// initEncoder lazily initializes the tiktoken encoder.
func initEncoder() error {
	encoderOnce.Do(func() {
		// cl100k_base covers GPT-4 era models and is close enough for
		// reporting purposes on everything else.
		encoder, encoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return encoderErr
}

// Count returns an accurate token count for text using tiktoken, falling
// back to the char/4 estimate if the encoder is unavailable.
func Count(text string) int {
	if err := initEncoder(); err != nil {
		return Estimate(text)
	}
	return len(encoder.Encode(text, nil, nil))
}

// Estimate approximates token count as ceil(len/4). The extraction pipeline
// budgets with this estimate so truncation stays a pure character operation.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Truncate hard-cuts text to budget*4 characters. A non-positive budget
// yields an empty string.
func Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	charBudget := budget * 4
	if len(text) <= charBudget {
		return text
	}
	return text[:charBudget]
}

// contextWindowRules maps model-name substrings to known context window
// sizes. Checked in order; first match wins.
var contextWindowRules = []struct {
	needle string
	window int
}{
	{"grok-4", 2000000},
	{"gpt-5.2", 400000},
	{"gpt-5", 400000},
	{"gpt-5-mini", 400000},
	{"gemini-3", 1000000},
	{"gemini-2.0", 1000000},
	{"gemini-1.5", 1000000},
	{"kimi", 262000},
	{"deepseek-v3", 164000},
	{"minimax", 197000},
	{"qwen3", 262000},
	{"glm-5", 205000},
	{"glm-4", 128000},
	{"gpt-4o", 128000},
	{"gpt-4.1", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"claude-sonnet-4", 200000},
	{"claude-3.7", 200000},
	{"claude-3.5", 200000},
	{"claude-3", 200000},
	{"sonnet", 200000},
	{"haiku", 200000},
	{"opus", 200000},
	{"intellect-3", 128000},
	{"hermes-4", 128000},
	{"mistral-large", 128000},
	{"deepseek", 64000},
	{"qwen", 32000},
	{"llama-3.3", 128000},
	{"llama-3.2", 128000},
	{"llama-3.1", 128000},
	{"mistral", 32000},
}

// DefaultContextWindow is assumed when nothing else resolves.
const DefaultContextWindow = 32000

// InferContextWindow guesses a model's context window from its name.
func InferContextWindow(modelName string) int {
	m := strings.ToLower(strings.TrimSpace(modelName))
	if m == "" {
		return DefaultContextWindow
	}
	for _, rule := range contextWindowRules {
		if strings.Contains(m, rule.needle) {
			return rule.window
		}
	}
	return DefaultContextWindow
}
