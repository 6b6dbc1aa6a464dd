package tag

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Bucket is the semantic role of a tag. Lower buckets are emitted first.
// Character sits between explicit markers and breast size, so buckets are
// half-integers rather than ordinals.
type Bucket float64

const (
	BucketSubject   Bucket = 0
	BucketSolo      Bucket = 1
	BucketExplicit  Bucket = 2
	BucketCharacter Bucket = 2.5
	BucketBreasts   Bucket = 3
	BucketHair      Bucket = 4
	BucketClothing  Bucket = 5
	BucketSetting   Bucket = 6
	BucketOther     Bucket = 7
)

var bucketNames = map[Bucket]string{
	BucketSubject:   "subject",
	BucketSolo:      "solo",
	BucketExplicit:  "explicit",
	BucketCharacter: "character",
	BucketBreasts:   "breasts",
	BucketHair:      "hair",
	BucketClothing:  "clothing",
	BucketSetting:   "setting",
	BucketOther:     "other",
}

func (b Bucket) String() string {
	if name, ok := bucketNames[b]; ok {
		return name
	}
	return strconv.FormatFloat(float64(b), 'g', -1, 64)
}

// AllBuckets lists every bucket in emission order.
func AllBuckets() []Bucket {
	return []Bucket{
		BucketSubject, BucketSolo, BucketExplicit, BucketCharacter, BucketBreasts,
		BucketHair, BucketClothing, BucketSetting, BucketOther,
	}
}

// StructuralBuckets lists the content-derived buckets the generator draws one
// tag from. Character is category-derived and always chosen separately.
func StructuralBuckets() []Bucket {
	return []Bucket{
		BucketSubject, BucketSolo, BucketExplicit, BucketBreasts,
		BucketHair, BucketClothing, BucketSetting,
	}
}

type rule struct {
	bucket Bucket
	match  func(key string) bool
}

func setOf(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

func anySuffix(key string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

var (
	subjectCountPattern = regexp.MustCompile(`^[0-9]+(girl|boy|futa|other)s?$`)
	multipleSubjects    = regexp.MustCompile(`^multiple_(girl|boy|other)s$`)

	explicitTags = setOf(
		"nude", "naked", "completely_nude", "topless", "bottomless", "covered_nipples",
		"nipples", "areolae", "pussy", "censored", "uncensored", "nude_cover",
	)

	breastTags = setOf(
		"breasts", "flat_chest", "small_breasts", "medium_breasts",
		"large_breasts", "huge_breasts", "gigantic_breasts",
	)

	hairTags = setOf(
		"ponytail", "twintails", "twin_braids", "braid", "side_braid", "french_braid",
		"hair_bun", "double_bun", "pigtails", "ahoge", "bangs", "blunt_bangs",
		"side_ponytail", "low_ponytail", "high_ponytail", "hair_over_one_eye",
		"hair_between_eyes", "sidelocks", "hime_cut", "bob_cut", "pixie_cut",
		"messy_hair", "drill_hair", "ringlets",
	)

	clothingTags = setOf(
		"dress", "skirt", "shirt", "blouse", "pants", "shorts", "jacket", "coat", "hoodie",
		"sweater", "uniform", "school_uniform", "sailor_uniform", "military_uniform", "maid",
		"maid_outfit", "kimono", "yukata", "bikini", "swimsuit", "one-piece_swimsuit",
		"leotard", "bodysuit", "armor", "cape", "cloak", "hat", "ribbon", "bow", "necktie",
		"scarf", "gloves", "boots", "shoes", "sandals", "thighhighs", "pantyhose",
		"stockings", "socks", "knee_boots", "high_heels", "miniskirt", "pleated_skirt",
		"long_skirt", "detached_sleeves", "elbow_gloves", "choker", "collar", "necklace",
		"earrings", "bracelet", "hairband", "headband", "tiara", "crown", "glasses",
		"sunglasses", "apron", "corset", "belt", "vest", "cardigan", "tank_top", "crop_top",
		"t-shirt", "sports_bra", "bra", "panties", "underwear", "lingerie", "garter_belt",
		"garter_straps", "thong", "fully_clothed",
	)
	clothingSuffixes = []string{
		"_dress", "_shirt", "_uniform", "_outfit", "_armor", "_hat", "_ribbon", "_bow", "_skirt",
	}

	settingTags = setOf(
		"indoors", "outdoors", "night", "day", "sunset", "sunrise", "rain", "snow",
		"underwater", "sky", "cloudy_sky", "starry_sky", "city", "forest", "beach", "ocean",
		"field", "garden", "classroom", "bedroom", "bathroom", "kitchen", "hallway", "castle",
		"ruins", "cave", "mountain", "river", "lake", "street", "alley", "rooftop", "balcony",
		"window", "scenery", "landscape",
	)
)

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{BucketSubject, func(k string) bool {
		return subjectCountPattern.MatchString(k) || multipleSubjects.MatchString(k)
	}},
	{BucketSolo, func(k string) bool { return k == "solo" || k == "solo_focus" }},
	{BucketExplicit, func(k string) bool { return explicitTags[k] }},
	{BucketBreasts, func(k string) bool { return breastTags[k] }},
	{BucketHair, func(k string) bool { return strings.HasSuffix(k, "_hair") || hairTags[k] }},
	{BucketClothing, func(k string) bool { return clothingTags[k] || anySuffix(k, clothingSuffixes) }},
	{BucketSetting, func(k string) bool { return strings.HasSuffix(k, "_background") || settingTags[k] }},
}

// Classify maps a label to its bucket by content alone.
func Classify(label string) Bucket {
	key := Key(label)
	for _, r := range rules {
		if r.match(key) {
			return r.bucket
		}
	}
	return BucketOther
}

// ClassifyTagged is Classify with the category override: character tags
// always land in BucketCharacter.
func ClassifyTagged(t Tag) Bucket {
	if t.Category == CategoryCharacter {
		return BucketCharacter
	}
	return Classify(t.Label)
}

// SortByPriority returns a copy of tags stable-sorted by bucket.
func SortByPriority(tags []Tag) []Tag {
	out := make([]Tag, len(tags))
	copy(out, tags)
	sort.SliceStable(out, func(i, j int) bool {
		return ClassifyTagged(out[i]) < ClassifyTagged(out[j])
	})
	return out
}

// GroupByBucket partitions tags by bucket, preserving order inside each group.
func GroupByBucket(tags []Tag) map[Bucket][]Tag {
	groups := make(map[Bucket][]Tag)
	for _, t := range tags {
		b := ClassifyTagged(t)
		groups[b] = append(groups[b], t)
	}
	return groups
}
