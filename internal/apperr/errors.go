// Package apperr defines the typed failures callers branch on and the sink
// they are reported to.
package apperr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind classifies a failure.
type Kind string

const (
	KindContextBuildFailed Kind = "CONTEXT_BUILD_FAILED"
	KindStoreNotReady      Kind = "STORE_NOT_READY"
	KindEmbeddingFailed    Kind = "EMBEDDING_FAILED"
	KindInvalidInput       Kind = "INVALID_INPUT"
)

// Sentinels for errors.Is matching by kind only.
var (
	ContextBuildFailed = &Error{Kind: KindContextBuildFailed}
	StoreNotReady      = &Error{Kind: KindStoreNotReady}
	EmbeddingFailed    = &Error{Kind: KindEmbeddingFailed}
	InvalidInput       = &Error{Kind: KindInvalidInput}
)

// Error is a typed failure carrying enough context for diagnostics without
// the full user content.
type Error struct {
	Kind    Kind
	Op      string
	Details map[string]string
	Err     error
}

// New creates an Error. details may be nil.
func New(kind Kind, op string, details map[string]string, err error) *Error {
	return &Error{Kind: kind, Op: op, Details: details, Err: err}
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Op != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Op)
		sb.WriteString(")")
	}
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " %s=%q", k, e.Details[k])
		}
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Truncate shortens s to at most n runes, appending "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
