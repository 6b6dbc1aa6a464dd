package filter

import (
	"math"
	"strings"
	"testing"

	"github.com/kokistudios/imagedna/internal/tag"
)

func general(label string, conf float64) tag.Tag {
	return tag.Tag{Label: label, Confidence: conf, Category: tag.CategoryGeneral}
}

func sampleTags() []tag.Tag {
	return []tag.Tag{
		general("1girl", 0.98),
		general("solo", 0.95),
		general("blue_hair", 0.88),
		general("long_hair", 0.85),
		general("sitting", 0.72),
		general("school_uniform", 0.81),
		general("outdoors", 0.65),
		general("looking_at_viewer", 0.92),
		{Label: "masterpiece", Confidence: 0.99, Category: tag.CategoryMeta},
		{Label: "best_quality", Confidence: 0.99, Category: tag.CategoryMeta},
		{Label: "highres", Confidence: 0.95, Category: tag.CategoryMeta},
		{Label: "hatsune_miku", Confidence: 0.91, Category: tag.CategoryCharacter},
	}
}

func TestCompute_EndToEnd(t *testing.T) {
	raw := []tag.Tag{
		general("1girl", 0.98),
		general("blue_hair", 0.88),
		{Label: "masterpiece", Confidence: 0.99, Category: tag.CategoryMeta},
	}
	res := Compute(raw, Options{Threshold: 0.90})

	if len(res.Tags) != 1 || res.Tags[0].Label != "1girl" {
		t.Fatalf("expected [1girl], got %v", tag.Labels(res.Tags))
	}
	if res.RawPrompt != "1girl" {
		t.Errorf("RawPrompt = %q, want %q", res.RawPrompt, "1girl")
	}
}

func TestCompute_ThresholdInclusive(t *testing.T) {
	res := Compute([]tag.Tag{general("smile", 0.5), general("frown", 0.49)}, Options{Threshold: 0.5})
	if len(res.Tags) != 1 || res.Tags[0].Label != "smile" {
		t.Errorf("threshold should be inclusive, got %v", tag.Labels(res.Tags))
	}
}

func TestCompute_ThresholdMonotonic(t *testing.T) {
	raw := sampleTags()
	prev := math.MaxInt
	for _, th := range []float64{0, 0.3, 0.5, 0.7, 0.85, 0.9, 0.95, 1} {
		n := len(Compute(raw, Options{Threshold: th}).Tags)
		if n > prev {
			t.Errorf("raising threshold to %v grew the result from %d to %d", th, prev, n)
		}
		prev = n
	}
}

func TestCompute_SortsByConfidence(t *testing.T) {
	res := Compute(sampleTags(), Options{Threshold: 0.8})
	got := tag.Labels(res.Tags)
	want := []string{"1girl", "solo", "looking_at_viewer", "hatsune_miku", "blue_hair", "long_hair", "school_uniform"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestCompute_DropsRawMasterpieceTags(t *testing.T) {
	res := Compute(sampleTags(), Options{Threshold: 0})
	for _, tg := range res.Tags {
		if tag.IsMasterpiece(tg.Label) {
			t.Errorf("raw quality tag %q should have been dropped", tg.Label)
		}
	}
}

func TestCompute_Exclusions(t *testing.T) {
	res := Compute(sampleTags(), Options{Threshold: 0, ExcludeText: "hair, school uniform"})
	for _, tg := range res.Tags {
		if strings.Contains(tg.Label, "hair") || tg.Label == "school_uniform" {
			t.Errorf("tag %q should have been excluded", tg.Label)
		}
	}
}

func TestCompute_ConsolidatesBreasts(t *testing.T) {
	raw := []tag.Tag{
		general("1girl", 0.95),
		general("small_breasts", 0.9),
		general("smile", 0.7),
		general("large_breasts", 0.6),
	}
	res := Compute(raw, Options{ConsolidateBreasts: true, BreastSize: "huge_breasts"})

	got := tag.Labels(res.Tags)
	want := []string{"1girl", "huge_breasts", "smile"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("labels = %v, want %v", got, want)
	}
	if res.Tags[1].Confidence != 0.9 {
		t.Errorf("consolidated confidence = %v, want 0.9", res.Tags[1].Confidence)
	}
	if res.Tags[1].Category != tag.CategoryGeneral {
		t.Errorf("consolidated category = %q, want general", res.Tags[1].Category)
	}
}

func TestCompute_ConsolidatesToShortSizeName(t *testing.T) {
	raw := []tag.Tag{general("small_breasts", 0.9), general("large_breasts", 0.6)}
	res := Compute(raw, Options{ConsolidateBreasts: true, BreastSize: "huge"})

	if len(res.Tags) != 1 {
		t.Fatalf("labels = %v, want exactly one breast tag", tag.Labels(res.Tags))
	}
	got := res.Tags[0]
	if got.Label != "huge_breasts" || got.Confidence != 0.9 {
		t.Errorf("consolidated = %+v, want huge_breasts at 0.9", got)
	}
	if b := tag.Classify(got.Label); b != tag.BucketBreasts {
		t.Errorf("consolidated tag classified as %v, want breasts", b)
	}
	if res.RawPrompt != "huge breasts" {
		t.Errorf("prompt = %q, want %q", res.RawPrompt, "huge breasts")
	}
}

func TestCompute_ConsolidationWithoutBreastTags(t *testing.T) {
	raw := []tag.Tag{general("1girl", 0.95), general("smile", 0.7)}
	res := Compute(raw, Options{ConsolidateBreasts: true, BreastSize: "huge_breasts"})
	if len(res.Tags) != 2 {
		t.Errorf("no breast tag present, nothing should be injected: %v", tag.Labels(res.Tags))
	}
}

func TestCompute_ConsolidationUsesFilteredConfidences(t *testing.T) {
	raw := []tag.Tag{
		general("1girl", 0.95),
		general("large_breasts", 0.2),
		general("medium_breasts", 0.6),
	}
	res := Compute(raw, Options{Threshold: 0.5, ConsolidateBreasts: true, BreastSize: "small_breasts"})
	if len(res.Tags) != 2 || res.Tags[1].Confidence != 0.6 {
		t.Errorf("expected consolidated tag at 0.6, got %+v", res.Tags)
	}
}

func TestCompute_MasterpiecePrepended(t *testing.T) {
	res := Compute(sampleTags(), Options{
		Threshold:          0.9,
		IncludeMasterpiece: true,
		MasterpieceTags:    "masterpiece, best quality",
	})
	if !strings.HasPrefix(res.RawPrompt, "masterpiece, best quality, ") {
		t.Errorf("RawPrompt = %q, want masterpiece prefix", res.RawPrompt)
	}
	if res.Tags[0].Confidence != tag.SyntheticConfidence || res.Tags[1].Category != tag.CategoryGeneral {
		t.Errorf("injected tags should be synthetic general tags: %+v", res.Tags[:2])
	}
	if res.RawPrompt != "masterpiece, best quality, 1girl, solo, looking at viewer, hatsune miku" {
		t.Errorf("RawPrompt = %q", res.RawPrompt)
	}
}

func TestCompute_Separators(t *testing.T) {
	raw := []tag.Tag{general("blue_hair", 0.9)}
	if got := Compute(raw, Options{}).RawPrompt; got != "blue hair" {
		t.Errorf("spaces: got %q", got)
	}
	raw = []tag.Tag{general("blue hair", 0.9)}
	if got := Compute(raw, Options{UseUnderscores: true}).RawPrompt; got != "blue_hair" {
		t.Errorf("underscores: got %q", got)
	}
}

func TestCompute_DoesNotMutateRaw(t *testing.T) {
	raw := sampleTags()
	before := tag.Labels(raw)
	Compute(raw, Options{ConsolidateBreasts: true, BreastSize: "flat_chest", IncludeMasterpiece: true, MasterpieceTags: "masterpiece"})
	after := tag.Labels(raw)
	if strings.Join(before, ",") != strings.Join(after, ",") {
		t.Error("Compute reordered or modified the raw slice")
	}
}

func TestCompute_Idempotent(t *testing.T) {
	opts := Options{Threshold: 0.7, ExcludeText: "sitting", IncludeMasterpiece: true, MasterpieceTags: tag.DefaultMasterpieceTags}
	a := Compute(sampleTags(), opts)
	b := Compute(sampleTags(), opts)
	if a.RawPrompt != b.RawPrompt {
		t.Errorf("Compute is not deterministic: %q vs %q", a.RawPrompt, b.RawPrompt)
	}
}

func TestCompute_Empty(t *testing.T) {
	res := Compute(nil, Options{Threshold: 0.35})
	if len(res.Tags) != 0 || res.RawPrompt != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestClampThreshold(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{-1, 0}, {0.35, 0.35}, {2, 1}, {math.NaN(), 0},
	}
	for _, c := range cases {
		if got := ClampThreshold(c.in); got != c.want {
			t.Errorf("ClampThreshold(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
