package rag

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/branestawm/branestawm/internal/relevance"
	"github.com/branestawm/branestawm/internal/vectordb"
)

// NoContextAnswer is returned when nothing relevant is stored.
const NoContextAnswer = "I couldn't find anything in your documents related to that question."

// ExtractiveLabel prefixes answers assembled without a language model.
const ExtractiveLabel = "[Extractive answer: no language model was available, so these are the most relevant passages.]"

const maxExtractedSentences = 3

const promptTemplate = `Answer the question using only the context below. If the context does not contain the answer, say that you don't know.

Context:
%s

Question: %s

Answer:`

// BuildPrompt renders the generation prompt for a question and its context.
func BuildPrompt(context, question string) string {
	return fmt.Sprintf(promptTemplate, strings.TrimSpace(context), strings.TrimSpace(question))
}

var sentenceRe = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

type scoredSentence struct {
	text  string
	score float64
	order int
}

// Extract answers question from results without a model: it picks the
// sentences densest in query keywords, keeps them in retrieval order and
// labels the result as extractive.
func Extract(question string, results []vectordb.SearchResult) string {
	terms := make(map[string]bool)
	for _, k := range relevance.Keywords(question) {
		terms[k] = true
	}

	var sentences []scoredSentence
	for _, r := range results {
		for _, s := range sentenceRe.FindAllString(r.Content, -1) {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			sentences = append(sentences, scoredSentence{text: s, score: density(s, terms), order: len(sentences)})
		}
	}
	if len(sentences) == 0 {
		return ExtractiveLabel
	}

	ranked := make([]scoredSentence, len(sentences))
	copy(ranked, sentences)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var picked []scoredSentence
	for _, s := range ranked {
		if s.score == 0 || len(picked) == maxExtractedSentences {
			break
		}
		picked = append(picked, s)
	}
	if len(picked) == 0 {
		picked = sentences[:1]
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].order < picked[j].order })

	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = s.text
	}
	return ExtractiveLabel + "\n\n" + strings.Join(parts, " ")
}

// density is the share of a sentence's keywords that are query keywords.
func density(sentence string, terms map[string]bool) float64 {
	words := relevance.Keywords(sentence)
	if len(words) == 0 || len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		if terms[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}
