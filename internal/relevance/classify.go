package relevance

import "strings"

// SemanticType is the coarse intent of a piece of text.
type SemanticType string

const (
	TypeQuery   SemanticType = "query"
	TypeTask    SemanticType = "task"
	TypeSummary SemanticType = "summary"
)

var interrogatives = []string{
	"what", "how", "why", "when", "where", "who", "whom", "whose", "which",
	"can", "could", "would", "should", "is", "are", "do", "does", "did", "will",
}

var creationVerbs = []string{
	"create", "make", "build", "write", "add", "generate", "draft", "schedule",
	"set up", "plan", "remind",
}

var summaryPhrases = []string{
	"summarize", "summarise", "summary", "recap", "tl;dr", "tldr",
	"give me a summary", "give me an overview", "overview",
}

// Classify assigns a SemanticType from the leading words of text. Text that
// matches no rule is treated as a query.
func Classify(text string) SemanticType {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return TypeQuery
	}
	if strings.HasSuffix(t, "?") || hasLeadingWord(t, interrogatives) {
		return TypeQuery
	}
	if hasLeadingWord(t, creationVerbs) {
		return TypeTask
	}
	if hasLeadingWord(t, summaryPhrases) {
		return TypeSummary
	}
	return TypeQuery
}

func hasLeadingWord(t string, words []string) bool {
	for _, w := range words {
		if !strings.HasPrefix(t, w) {
			continue
		}
		if len(t) == len(w) {
			return true
		}
		switch t[len(w)] {
		case ' ', ',', ':', '.', '!', '\t', '\n':
			return true
		}
	}
	return false
}
