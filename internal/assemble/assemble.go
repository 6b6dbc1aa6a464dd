// Package assemble builds synthetic prompts by sampling a model's tag
// vocabulary, one tag per semantic role first and then at random.
package assemble

import (
	"math/rand"

	"github.com/kokistudios/imagedna/internal/exclude"
	"github.com/kokistudios/imagedna/internal/tag"
)

// CharacterCount is the number of character tags drawn per generation.
const CharacterCount = 1

// Vocabulary is the candidate tag pool of one model.
type Vocabulary struct {
	General   []string `json:"general" yaml:"general"`
	Character []string `json:"character" yaml:"character"`
}

// Empty reports whether the vocabulary has no candidates at all.
func (v Vocabulary) Empty() bool {
	return len(v.General) == 0 && len(v.Character) == 0
}

// Config holds the generator settings.
type Config struct {
	GeneralEnabled     bool   `json:"general_enabled" yaml:"general_enabled"`
	CharacterEnabled   bool   `json:"character_enabled" yaml:"character_enabled"`
	GeneralCount       int    `json:"general_count" yaml:"general_count"`
	SubjectType        string `json:"subject_type" yaml:"subject_type"`
	ConsolidateBreasts bool   `json:"consolidate_breasts" yaml:"consolidate_breasts"`
	BreastSize         string `json:"breast_size" yaml:"breast_size"`
	ExcludeText        string `json:"exclude_text,omitempty" yaml:"exclude_text,omitempty"`
}

// Rand is the random source the generator draws from. *math/rand.Rand
// satisfies it; tests pass a scripted source.
type Rand interface {
	Intn(n int) int
}

// NewRand returns a seeded source.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func hasSubject(subject string) bool {
	return subject != "" && subject != tag.SubjectNone
}

// Generate samples a tag list from vocab.
//
// The subject type, the character and the breast size are injected first.
// General tags are then drawn one per non-empty structural bucket, topped up
// from a shuffle of the rest of the pool, and cut to GeneralCount. The
// result is ordered by bucket.
func Generate(vocab Vocabulary, cfg Config, rng Rand) []tag.Tag {
	excluded := exclude.Build(cfg.ExcludeText, false)
	var result []tag.Tag

	if cfg.CharacterEnabled && hasSubject(cfg.SubjectType) {
		result = append(result, tag.Synthetic(cfg.SubjectType, tag.CategoryGeneral))
	}

	if cfg.CharacterEnabled && len(vocab.Character) > 0 {
		pool := shuffle(excluded.FilterLabels(vocab.Character), rng)
		n := min(CharacterCount, len(pool))
		for _, label := range pool[:n] {
			result = append(result, tag.Synthetic(label, tag.CategoryCharacter))
		}
	}

	if cfg.ConsolidateBreasts && cfg.BreastSize != "" {
		result = append(result, tag.Synthetic(tag.BreastSizeLabel(cfg.BreastSize), tag.CategoryGeneral))
	}

	if cfg.GeneralEnabled && len(vocab.General) > 0 {
		for _, label := range sampleGeneral(vocab.General, cfg, excluded, rng) {
			result = append(result, tag.Synthetic(label, tag.CategoryGeneral))
		}
	}

	return tag.SortByPriority(result)
}

func sampleGeneral(vocab []string, cfg Config, excluded exclude.Matcher, rng Rand) []string {
	var pool []string
	buckets := make(map[tag.Bucket][]string)
	for _, label := range vocab {
		if excluded(label) {
			continue
		}
		b := tag.Classify(label)
		// Subject count and breast size are chosen by the user when those
		// settings are active.
		if cfg.CharacterEnabled && b == tag.BucketSubject {
			continue
		}
		if cfg.ConsolidateBreasts && b == tag.BucketBreasts {
			continue
		}
		pool = append(pool, label)
		buckets[b] = append(buckets[b], label)
	}

	count := max(0, min(cfg.GeneralCount, len(pool)))

	var picked []string
	seen := make(map[string]bool)
	for _, b := range tag.StructuralBuckets() {
		candidates := buckets[b]
		if len(candidates) == 0 {
			continue
		}
		choice := candidates[rng.Intn(len(candidates))]
		if !seen[choice] {
			seen[choice] = true
			picked = append(picked, choice)
		}
	}

	if remaining := count - len(picked); remaining > 0 {
		var leftovers []string
		for _, label := range pool {
			if !seen[label] {
				leftovers = append(leftovers, label)
			}
		}
		for _, label := range shuffle(leftovers, rng) {
			if remaining == 0 {
				break
			}
			if seen[label] {
				continue
			}
			seen[label] = true
			picked = append(picked, label)
			remaining--
		}
	}

	// Structural picks are kept in bucket order, so when they alone exceed
	// the count the highest buckets are dropped.
	if len(picked) > count {
		picked = picked[:count]
	}
	return picked
}

// shuffle returns a Fisher-Yates permutation of items; items is not modified.
func shuffle(items []string, rng Rand) []string {
	out := make([]string, len(items))
	copy(out, items)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Prompt joins generated tags into a prompt string.
func Prompt(tags []tag.Tag, useUnderscores bool) string {
	return tag.JoinPrompt(tags, useUnderscores)
}
