// Package exclude turns the free-text exclusion list into a label predicate.
package exclude

import (
	"strings"

	"github.com/kokistudios/imagedna/internal/tag"
)

// Matcher reports whether a label is excluded.
type Matcher func(label string) bool

// Terms splits raw exclusion text into lowercase terms.
// With committedOnly, the trailing segment is treated as still being typed
// and ignored until the input ends with a comma.
func Terms(raw string, committedOnly bool) []string {
	parts := strings.Split(raw, ",")
	if committedOnly && !strings.HasSuffix(strings.TrimRight(raw, " \t"), ",") {
		parts = parts[:len(parts)-1]
	}

	var terms []string
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			terms = append(terms, p)
		}
	}
	return terms
}

// Build returns a predicate matching labels that contain any exclusion term
// in either separator style.
func Build(raw string, committedOnly bool) Matcher {
	terms := Terms(raw, committedOnly)
	if len(terms) == 0 {
		return func(string) bool { return false }
	}
	return func(label string) bool {
		lower := strings.ToLower(label)
		spaced := strings.ReplaceAll(lower, "_", " ")
		underscored := strings.ReplaceAll(lower, " ", "_")
		for _, term := range terms {
			if strings.Contains(spaced, term) || strings.Contains(underscored, term) {
				return true
			}
		}
		return false
	}
}

// Filter returns the tags the matcher does not exclude, in order.
func (m Matcher) Filter(tags []tag.Tag) []tag.Tag {
	out := make([]tag.Tag, 0, len(tags))
	for _, t := range tags {
		if !m(t.Label) {
			out = append(out, t)
		}
	}
	return out
}

// FilterLabels is Filter for bare vocabulary strings.
func (m Matcher) FilterLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if !m(l) {
			out = append(out, l)
		}
	}
	return out
}
