package relevance

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	maxKeywords = 20
	maxTopics   = 5
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]{4,}`)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		about above after again against also been before being below between
		both could does doing down during each from further have having here
		into just more most much must only other over same should some such
		than that their theirs them then there these they this those through
		under until very want were what when where which while whom will with
		would your yours yourself shall upon onto
	`) {
		stopWords[w] = struct{}{}
	}
}

// Keywords returns up to 20 lowercase words of four or more characters,
// stop words removed, in order of appearance. Repeats are kept so that
// topic frequency can be derived from the list.
func Keywords(text string) []string {
	text = strings.ToLower(norm.NFKC.String(text))
	var out []string
	for _, w := range wordRe.FindAllString(text, -1) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

// Topics reduces a keyword list to its five most frequent distinct terms.
// Ties keep the order in which terms first appeared.
func Topics(keywords []string) []string {
	counts := make(map[string]int, len(keywords))
	var order []string
	for _, k := range keywords {
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > maxTopics {
		order = order[:maxTopics]
	}
	return order
}

// overlap is the fraction of query terms that also occur in content.
func overlap(query, content []string) float64 {
	if len(query) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(content))
	for _, c := range content {
		set[c] = struct{}{}
	}
	hits := 0
	for _, q := range query {
		if _, ok := set[q]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
