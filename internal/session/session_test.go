package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/tag"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".imagedna")
	if err := store.Init(dir, false); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	s, err := store.Load(dir)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return s
}

func sampleTags() []tag.Tag {
	return []tag.Tag{
		{Label: "1girl", Confidence: 0.99, Category: tag.CategoryGeneral},
		{Label: "long hair", Confidence: 0.8, Category: tag.CategoryGeneral},
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct {
		input, want string
	}{
		{"photos/Beach Day.png", "beach-day"},
		{"SmilingWolf/wd-eva02-large-tagger-v3", "wd-eva02-large-tagger-v3"},
		{"", "session"},
		{"!!!.jpg", "session"},
		{"an extremely long file name that keeps going and going.png", "an-extremely-long-file-name-that-keeps-g"},
	}
	for _, tc := range cases {
		if got := slugify(tc.input); got != tc.want {
			t.Errorf("slugify(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestGenerateID_Format(t *testing.T) {
	id := GenerateID("cat.png")
	if !strings.HasPrefix(id, time.Now().Format("20060102")+"-cat-") {
		t.Errorf("unexpected id %q", id)
	}
	if GenerateID("cat.png") == id {
		t.Error("expected unique ids")
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupStore(t)
	cfg := s.Config.AssembleConfig()

	sess, err := Create(s, KindGenerate, "vocab.json", nil, sampleTags(), &cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Model != s.Config.Preferences.SelectedModel {
		t.Errorf("expected model from preferences, got %q", sess.Model)
	}

	got, err := Get(s, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != KindGenerate || got.Source != "vocab.json" {
		t.Errorf("unexpected session %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[1].Label != "long hair" || got.Tags[1].Confidence != 0.8 {
		t.Errorf("tags not round-tripped: %+v", got.Tags)
	}
	if got.Config == nil || got.Config.GeneralCount != cfg.GeneralCount {
		t.Errorf("config not round-tripped: %+v", got.Config)
	}
}

func TestCreate_UnknownKind(t *testing.T) {
	s := setupStore(t)
	if _, err := Create(s, Kind("other"), "x", nil, nil, nil); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestGet_Missing(t *testing.T) {
	s := setupStore(t)
	if _, err := Get(s, "nope"); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	s := setupStore(t)
	sess, _ := Create(s, KindInterrogate, "a.png", sampleTags(), sampleTags(), nil)
	before := sess.UpdatedAt

	sess.Tags = sess.Tags[:1]
	time.Sleep(2 * time.Millisecond)
	if err := Update(s, sess); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := Get(s, sess.ID)
	if len(got.Tags) != 1 {
		t.Errorf("expected 1 tag after update, got %d", len(got.Tags))
	}
	if len(got.Raw) != 2 {
		t.Errorf("expected raw tags untouched, got %d", len(got.Raw))
	}
	if !got.UpdatedAt.After(before) {
		t.Error("expected UpdatedAt to advance")
	}
}

func writeAt(t *testing.T, s *store.Store, kind Kind, source string, at time.Time) *Session {
	t.Helper()
	sess, err := Create(s, kind, source, nil, sampleTags(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sess.CreatedAt = at
	if err := save(s, sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestListAndLatest(t *testing.T) {
	s := setupStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	old := writeAt(t, s, KindInterrogate, "old.png", base)
	gen := writeAt(t, s, KindGenerate, "vocab", base.Add(time.Hour))
	recent := writeAt(t, s, KindInterrogate, "new.png", base.Add(2*time.Hour))

	all, err := List(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	if all[0].ID != recent.ID || all[1].ID != gen.ID || all[2].ID != old.ID {
		t.Errorf("expected newest first, got %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	tests := []struct {
		kind Kind
		want string
	}{
		{KindInterrogate, recent.ID},
		{KindGenerate, gen.ID},
		{"", recent.ID},
	}
	for _, tt := range tests {
		got, err := Latest(s, tt.kind)
		if err != nil {
			t.Fatalf("Latest(%q): %v", tt.kind, err)
		}
		if got.ID != tt.want {
			t.Errorf("Latest(%q) = %s, want %s", tt.kind, got.ID, tt.want)
		}
	}
}

func TestLatest_Empty(t *testing.T) {
	s := setupStore(t)
	if _, err := Latest(s, KindGenerate); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession, got %v", err)
	}
}

func TestList_SkipsBrokenSessions(t *testing.T) {
	s := setupStore(t)
	Create(s, KindInterrogate, "a.png", nil, sampleTags(), nil)
	os.MkdirAll(s.Path("sessions", "broken"), 0755)

	all, err := List(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 readable session, got %d", len(all))
	}
}

func TestInvalidIDs(t *testing.T) {
	s := setupStore(t)
	outside := filepath.Join(s.Home, "keep.txt")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"", ".", "..", "../..", "../sessions", "a/b", `a\b`, "/tmp"} {
		t.Run(id, func(t *testing.T) {
			if _, err := Get(s, id); !errors.Is(err, ErrInvalidID) {
				t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
			}
			if err := Delete(s, id); !errors.Is(err, ErrInvalidID) {
				t.Errorf("Delete(%q) err = %v, want ErrInvalidID", id, err)
			}
			if err := Update(s, &Session{ID: id}); !errors.Is(err, ErrInvalidID) {
				t.Errorf("Update(%q) err = %v, want ErrInvalidID", id, err)
			}
		})
	}

	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside sessions was touched: %v", err)
	}
	if _, err := os.Stat(s.Path("sessions")); err != nil {
		t.Errorf("sessions directory was touched: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	sess, _ := Create(s, KindInterrogate, "a.png", nil, sampleTags(), nil)
	if err := Delete(s, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get(s, sess.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected session gone, got %v", err)
	}
	if err := Delete(s, sess.ID); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession on second delete, got %v", err)
	}
}

func TestPrune(t *testing.T) {
	s := setupStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, writeAt(t, s, KindInterrogate, "img.png", base.Add(time.Duration(i)*time.Hour)).ID)
	}

	removed, err := Prune(s, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 2 || removed[0] != ids[1] || removed[1] != ids[0] {
		t.Errorf("expected two oldest removed, got %v", removed)
	}
	all, _ := List(s)
	if len(all) != 2 || all[0].ID != ids[3] {
		t.Errorf("unexpected remaining sessions %+v", all)
	}

	removed, err = Prune(s, 5)
	if err != nil || removed != nil {
		t.Errorf("expected nothing pruned, got %v, %v", removed, err)
	}
}

