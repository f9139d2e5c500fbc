// Package tokens approximates token counts from character counts.
//
// The estimate is a heuristic, not a tokenizer: it assumes roughly four
// characters per token and inflates the count for fenced code and markdown,
// which tokenize less efficiently. Expect errors of 10-30% against real
// tokenizers, biased high for prose with long words and low for dense
// non-Latin scripts.
package tokens

import (
	"strings"
	"unicode/utf8"
)

const (
	// CharsPerToken is the base ratio for plain text.
	CharsPerToken = 4

	// Multipliers are expressed in tenths so the estimate stays exact integer math.
	codeMultiplier     = 12
	markdownMultiplier = 11
	plainMultiplier    = 10
)

// Estimate returns the approximate token count of text. Empty text is 0.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	mult := multiplier(text)
	den := CharsPerToken * 10
	return (n*mult + den - 1) / den
}

// EstimateAll sums Estimate over texts.
func EstimateAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += Estimate(t)
	}
	return total
}

// CharsForTokens returns how many characters of text fit in budget tokens
// under the multiplier that applies to text.
func CharsForTokens(text string, budget int) int {
	if budget <= 0 {
		return 0
	}
	return budget * CharsPerToken * 10 / multiplier(text)
}

func multiplier(text string) int {
	switch {
	case strings.Contains(text, "```"):
		return codeMultiplier
	case strings.ContainsAny(text, "#*["):
		return markdownMultiplier
	default:
		return plainMultiplier
	}
}
