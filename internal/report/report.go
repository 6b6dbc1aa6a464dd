// Package report renders tag results as markdown.
package report

import (
	"fmt"
	"strings"

	"github.com/kokistudios/imagedna/internal/tag"
)

// Markdown renders a bucket-grouped report of tags followed by the prompt.
// Groups appear in emission order; tags keep their order inside a group.
func Markdown(title string, tags []tag.Tag, prompt string) string {
	var b strings.Builder

	if title != "" {
		b.WriteString(fmt.Sprintf("# %s\n\n", title))
	}

	b.WriteString("## Prompt\n\n")
	if prompt == "" {
		b.WriteString("_No tags survived the current settings._\n\n")
	} else {
		b.WriteString(fmt.Sprintf("```\n%s\n```\n\n", prompt))
	}

	if len(tags) == 0 {
		return b.String()
	}

	b.WriteString(fmt.Sprintf("## Tags (%d)\n\n", len(tags)))
	groups := tag.GroupByBucket(tags)
	for _, bucket := range tag.AllBuckets() {
		group := groups[bucket]
		if len(group) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("### %s\n\n", strings.ToUpper(bucket.String()[:1])+bucket.String()[1:]))
		b.WriteString("| Tag | Category | Confidence |\n|---|---|---|\n")
		for _, t := range group {
			b.WriteString(fmt.Sprintf("| %s | %s | %s |\n", escape(t.Label), t.Category, Confidence(t.Confidence)))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// Confidence formats a score for display. Injected tags read as "fixed".
func Confidence(c float64) string {
	if c >= tag.SyntheticConfidence {
		return "fixed"
	}
	return fmt.Sprintf("%.1f%%", c*100)
}

func escape(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
