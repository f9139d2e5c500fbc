package composer

// budget is the split of the available tokens across the sections of a
// context. The fractions are fixed.
type budget struct {
	available int
	prompt    int
	messages  int
	summaries int
	artifacts int
}

func splitBudget(maxTokens, reserved int) budget {
	available := maxTokens - reserved
	if available < 0 {
		available = 0
	}
	b := budget{available: available}
	b.prompt = available * 20 / 100
	rest := available - b.prompt
	b.messages = rest * 60 / 100
	b.summaries = rest * 30 / 100
	b.artifacts = rest - b.messages - b.summaries
	return b
}
