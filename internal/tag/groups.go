package tag

// SubjectNone disables the injected subject-count tag.
const SubjectNone = "none"

// DefaultMasterpieceTags is the quality preamble offered when the user has
// not customised it.
const DefaultMasterpieceTags = "masterpiece, best quality, highres, ultra-detailed"

var breastSizes = []string{
	"flat_chest", "small_breasts", "medium_breasts", "large_breasts", "huge_breasts", "gigantic_breasts",
}

// Short names accepted wherever a breast size is chosen.
var breastSizeAliases = map[string]string{
	"flat":     "flat_chest",
	"small":    "small_breasts",
	"medium":   "medium_breasts",
	"large":    "large_breasts",
	"huge":     "huge_breasts",
	"gigantic": "gigantic_breasts",
}

var subjectTypes = []string{"1girl", "1boy", "1other", SubjectNone}

// Quality labels are never trusted from the tagger; they are only injected on request.
var masterpieceLabels = setOf(
	"masterpiece", "best_quality", "highres", "ultra-detailed", "ultra_detailed", "amazing_quality",
)

// BreastSizes lists the selectable members of the breast-size consolidation group.
func BreastSizes() []string {
	return append([]string(nil), breastSizes...)
}

// SubjectTypes lists the selectable subject-count labels, including SubjectNone.
func SubjectTypes() []string {
	return append([]string(nil), subjectTypes...)
}

// BreastSizeLabel resolves a size, given either as a full label
// ("huge_breasts") or a short name ("huge"), to its tag label. Unknown
// sizes are returned unchanged.
func BreastSizeLabel(size string) string {
	key := Key(size)
	if label, ok := breastSizeAliases[key]; ok {
		return label
	}
	for _, s := range breastSizes {
		if s == key {
			return s
		}
	}
	return size
}

// IsBreastSize reports whether label names a member of the breast-size group,
// in full or short form.
func IsBreastSize(label string) bool {
	resolved := BreastSizeLabel(label)
	for _, s := range breastSizes {
		if s == resolved {
			return true
		}
	}
	return false
}

func IsSubjectType(label string) bool {
	key := Key(label)
	for _, s := range subjectTypes {
		if s == key {
			return true
		}
	}
	return false
}

func IsMasterpiece(label string) bool {
	return masterpieceLabels[Key(label)]
}

// Cycle returns the entry after current in options, wrapping around.
// An unknown current yields the first option.
func Cycle(options []string, current string) string {
	if len(options) == 0 {
		return current
	}
	key := Key(current)
	for i, o := range options {
		if o == key {
			return options[(i+1)%len(options)]
		}
	}
	return options[0]
}
