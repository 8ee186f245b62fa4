package query

import (
	"fmt"
	"strings"
)

// TextQuery is a full-text query built from combinators and rendered
// to FTS5 MATCH syntax at lowering time.
type TextQuery struct {
	match string
}

func quoteTerm(t string) string {
	return `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
}

// AllOf matches rows containing every term.
func AllOf(terms ...string) TextQuery {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = quoteTerm(t)
	}
	return TextQuery{match: strings.Join(quoted, " AND ")}
}

// AnyOf matches rows containing at least one term.
func AnyOf(terms ...string) TextQuery {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = quoteTerm(t)
	}
	return TextQuery{match: strings.Join(quoted, " OR ")}
}

// Phrase matches the terms as one contiguous phrase.
func Phrase(phrase string) TextQuery {
	return TextQuery{match: quoteTerm(phrase)}
}

// Prefix matches terms beginning with t.
func Prefix(t string) TextQuery {
	return TextQuery{match: quoteTerm(t) + "*"}
}

// Near matches a and b occurring within distance tokens of each other.
func Near(a, b string, distance int) TextQuery {
	return TextQuery{match: fmt.Sprintf("NEAR(%s %s, %d)", quoteTerm(a), quoteTerm(b), distance)}
}

// Raw passes s through to the index unmodified, for callers that speak
// the index's own query syntax.
func Raw(s string) TextQuery {
	return TextQuery{match: s}
}

// Match returns the rendered MATCH expression.
func (t TextQuery) Match() string { return t.match }

// IsZero reports whether the query is empty.
func (t TextQuery) IsZero() bool { return t.match == "" }
