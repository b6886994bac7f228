package generate

// Budgets holds the token budgets for the staged extraction pipeline,
// derived from the model's context window.
type Budgets struct {
	ContextWindow  int
	PerChatInput   int
	SynthesisInput int
}

// ResolveBudgets scales the stage input budgets with the context window.
// A reserve of 2500 tokens is held back for the prompt scaffolding and the
// response.
func ResolveBudgets(contextWindow int) Budgets {
	usable := contextWindow - 2500
	if usable < 2048 {
		usable = 2048
	}

	perChatCap := 12000
	switch {
	case contextWindow > 300000:
		perChatCap = 32000
	case contextWindow > 150000:
		perChatCap = 24000
	}

	perChat := int(float64(usable) * 0.75)
	if perChat > perChatCap {
		perChat = perChatCap
	}
	if perChat < 900 {
		perChat = 900
	}

	synthesis := int(float64(usable) * 0.85)
	if synthesis > perChatCap+6000 {
		synthesis = perChatCap + 6000
	}
	if synthesis < 1200 {
		synthesis = 1200
	}

	return Budgets{
		ContextWindow:  contextWindow,
		PerChatInput:   perChat,
		SynthesisInput: synthesis,
	}
}
