package assemble

import (
	"errors"
	"fmt"

	"github.com/kokistudios/imagedna/internal/exclude"
	"github.com/kokistudios/imagedna/internal/tag"
)

// The patch functions apply a single setting change to an already generated
// list without drawing new random tags. They never modify current, and an
// empty current is returned unchanged: there is nothing to patch until a
// list has been generated.

// OnSubjectTypeChange replaces the subject-count tag.
func OnSubjectTypeChange(current []tag.Tag, subject string) []tag.Tag {
	if len(current) == 0 {
		return current
	}
	out := withoutBucket(current, tag.BucketSubject)
	if hasSubject(subject) {
		out = append([]tag.Tag{tag.Synthetic(subject, tag.CategoryGeneral)}, out...)
	}
	return tag.SortByPriority(out)
}

// OnBreastSettingChange replaces the breast-size tag, or drops it when
// consolidation is off.
func OnBreastSettingChange(current []tag.Tag, consolidate bool, size string) []tag.Tag {
	if len(current) == 0 {
		return current
	}
	out := withoutBucket(current, tag.BucketBreasts)
	if consolidate && size != "" {
		out = append(out, tag.Synthetic(tag.BreastSizeLabel(size), tag.CategoryGeneral))
	}
	return tag.SortByPriority(out)
}

// OnExclusionTextChange drops tags matched by the committed exclusion terms.
// Order is preserved.
func OnExclusionTextChange(current []tag.Tag, text string) []tag.Tag {
	if len(current) == 0 {
		return current
	}
	return exclude.Build(text, true).Filter(current)
}

func withoutBucket(tags []tag.Tag, b tag.Bucket) []tag.Tag {
	out := make([]tag.Tag, 0, len(tags)+1)
	for _, t := range tags {
		if t.Category == tag.CategoryGeneral && tag.Classify(t.Label) == b {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Adjustment is a batch of setting changes for an existing list. Nil fields
// are left alone.
type Adjustment struct {
	SubjectType        *string `json:"subject_type,omitempty"`
	ConsolidateBreasts *bool   `json:"consolidate_breasts,omitempty"`
	BreastSize         *string `json:"breast_size,omitempty"`
	ExcludeText        *string `json:"exclude_text,omitempty"`
}

// Empty reports whether no change is set.
func (a Adjustment) Empty() bool {
	return a.SubjectType == nil && a.ConsolidateBreasts == nil && a.BreastSize == nil && a.ExcludeText == nil
}

// Apply runs the patches in a fixed order: subject, breast setting,
// exclusion. It updates cfg to match so later generations agree with the
// patched list. Unknown subjects or sizes are rejected before anything
// changes.
func (a Adjustment) Apply(current []tag.Tag, cfg *Config) ([]tag.Tag, error) {
	if a.Empty() {
		return nil, errors.New("no adjustment given")
	}
	if a.SubjectType != nil && !tag.IsSubjectType(*a.SubjectType) {
		return nil, fmt.Errorf("unknown subject type %q", *a.SubjectType)
	}
	if a.BreastSize != nil && !tag.IsBreastSize(*a.BreastSize) {
		return nil, fmt.Errorf("unknown breast size %q", *a.BreastSize)
	}

	tags := current
	if a.SubjectType != nil {
		cfg.SubjectType = tag.Key(*a.SubjectType)
		tags = OnSubjectTypeChange(tags, cfg.SubjectType)
	}
	if a.ConsolidateBreasts != nil || a.BreastSize != nil {
		if a.ConsolidateBreasts != nil {
			cfg.ConsolidateBreasts = *a.ConsolidateBreasts
		}
		if a.BreastSize != nil {
			cfg.BreastSize = tag.BreastSizeLabel(*a.BreastSize)
		}
		tags = OnBreastSettingChange(tags, cfg.ConsolidateBreasts, cfg.BreastSize)
	}
	if a.ExcludeText != nil {
		cfg.ExcludeText = *a.ExcludeText
		tags = OnExclusionTextChange(tags, cfg.ExcludeText)
	}
	return tags, nil
}
