// Package filter derives the displayable tag list and prompt from a raw
// tagger result. The raw collection is never modified, so the view can be
// recomputed whenever a setting changes.
package filter

import (
	"math"
	"sort"

	"github.com/kokistudios/imagedna/internal/exclude"
	"github.com/kokistudios/imagedna/internal/tag"
)

// Options are the user settings that shape a tagger result.
type Options struct {
	Threshold          float64 `json:"threshold" yaml:"threshold"`
	ExcludeText        string  `json:"exclude_text,omitempty" yaml:"exclude_text,omitempty"`
	IncludeMasterpiece bool    `json:"include_masterpiece" yaml:"include_masterpiece"`
	MasterpieceTags    string  `json:"masterpiece_tags,omitempty" yaml:"masterpiece_tags,omitempty"`
	UseUnderscores     bool    `json:"use_underscores" yaml:"use_underscores"`
	ConsolidateBreasts bool    `json:"consolidate_breasts" yaml:"consolidate_breasts"`
	BreastSize         string  `json:"breast_size,omitempty" yaml:"breast_size,omitempty"`
}

// Result is the filtered view of a tagger response.
type Result struct {
	Tags      []tag.Tag `json:"tags"`
	RawPrompt string    `json:"raw_prompt"`
}

// ClampThreshold pins a threshold into [0, 1].
func ClampThreshold(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Compute runs the tagger pipeline: threshold, exclusions, quality-tag
// removal, confidence ordering, breast consolidation, quality injection and
// prompt emission, in that order.
func Compute(raw []tag.Tag, opts Options) Result {
	threshold := ClampThreshold(opts.Threshold)
	excluded := exclude.Build(opts.ExcludeText, false)

	tags := make([]tag.Tag, 0, len(raw))
	for _, t := range raw {
		if t.Confidence < threshold {
			continue
		}
		if excluded(t.Label) || tag.IsMasterpiece(t.Label) {
			continue
		}
		tags = append(tags, t)
	}

	sort.SliceStable(tags, func(i, j int) bool {
		return tags[i].Confidence > tags[j].Confidence
	})

	if opts.ConsolidateBreasts && opts.BreastSize != "" {
		tags = consolidate(tags, opts.BreastSize)
	}

	if opts.IncludeMasterpiece {
		tags = append(Masterpiece(opts.MasterpieceTags), tags...)
	}

	return Result{
		Tags:      tags,
		RawPrompt: tag.JoinPrompt(tags, opts.UseUnderscores),
	}
}

// consolidate collapses every breast-family tag into a single tag labelled
// size, placed where the first family member was and carrying the highest
// confidence seen in the family.
func consolidate(tags []tag.Tag, size string) []tag.Tag {
	first := -1
	maxConf := 0.0
	out := make([]tag.Tag, 0, len(tags))
	for _, t := range tags {
		if t.Category != tag.CategoryCharacter && tag.Classify(t.Label) == tag.BucketBreasts {
			if first < 0 {
				first = len(out)
			}
			if t.Confidence > maxConf {
				maxConf = t.Confidence
			}
			continue
		}
		out = append(out, t)
	}
	if first < 0 {
		return tags
	}

	merged := tag.Tag{Label: tag.BreastSizeLabel(size), Confidence: maxConf, Category: tag.CategoryGeneral}
	out = append(out, tag.Tag{})
	copy(out[first+1:], out[first:])
	out[first] = merged
	return out
}

// Masterpiece parses the custom quality list into synthetic general tags.
func Masterpiece(list string) []tag.Tag {
	labels := tag.SplitList(list)
	out := make([]tag.Tag, len(labels))
	for i, l := range labels {
		out[i] = tag.Synthetic(l, tag.CategoryGeneral)
	}
	return out
}
