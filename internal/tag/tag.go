package tag

import "strings"

// Category is the tag family reported by the tagging service.
type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryCharacter Category = "character"
	CategoryRating    Category = "rating"
	CategoryMeta      Category = "meta"
)

// SyntheticConfidence is carried by every injected or generated tag so it
// passes any threshold.
const SyntheticConfidence = 1.0

// Tag is a detected or generated attribute of an image.
type Tag struct {
	Label      string   `yaml:"label" json:"label"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
	Category   Category `yaml:"category" json:"category"`
}

// Synthetic returns a tag with the sentinel confidence.
func Synthetic(label string, category Category) Tag {
	return Tag{Label: label, Confidence: SyntheticConfidence, Category: category}
}

func ParseCategory(s string) Category {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryCharacter:
		return CategoryCharacter
	case CategoryRating:
		return CategoryRating
	case CategoryMeta:
		return CategoryMeta
	default:
		return CategoryGeneral
	}
}

// Key is the comparison form of a label: lowercase, trimmed, with spaces
// folded into underscores.
func Key(label string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(label)), " ", "_")
}

// Emit renders a label in the configured separator style.
func Emit(label string, useUnderscores bool) string {
	if useUnderscores {
		return strings.ReplaceAll(label, " ", "_")
	}
	return strings.ReplaceAll(label, "_", " ")
}

// JoinPrompt emits every label and joins them into a prompt string.
func JoinPrompt(tags []Tag, useUnderscores bool) string {
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = Emit(t.Label, useUnderscores)
	}
	return strings.Join(parts, ", ")
}

// Labels returns the labels of tags in order.
func Labels(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.Label
	}
	return out
}

// SplitList parses a comma-separated list, trimming entries and dropping
// empty ones. Case is preserved.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
