package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kokistudios/imagedna/internal/tag"
)

func TestInit(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")

	if err := Init(home, false); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(home, "sessions"))
	if err != nil {
		t.Error("expected sessions directory to exist")
	} else if !info.IsDir() {
		t.Error("expected sessions to be a directory")
	}

	if _, err := os.Stat(filepath.Join(home, "config.yaml")); err != nil {
		t.Error("expected config.yaml to exist")
	}

	// Second init should fail without force
	if err := Init(home, false); err == nil {
		t.Error("expected error on duplicate init")
	}

	if err := Init(home, true); err != nil {
		t.Errorf("expected force init to succeed: %v", err)
	}
}

func TestOpen_InitializesOnFirstUse(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".imagedna")

	s, err := Open(home)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Config.Preferences.Threshold != DefaultThreshold {
		t.Errorf("expected default threshold, got %v", s.Config.Preferences.Threshold)
	}
	if _, err := os.Stat(filepath.Join(home, "sessions")); err != nil {
		t.Error("expected sessions directory to be created")
	}
}

func TestLoad(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)

	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Home != home {
		t.Errorf("expected Home=%s, got %s", home, s.Home)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte("preferences: [\n"), 0644)

	if _, err := Load(home); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestPath(t *testing.T) {
	s := &Store{Home: "/tmp/.imagedna"}
	got := s.Path("sessions", "abc")
	want := filepath.Join("/tmp/.imagedna", "sessions", "abc")
	if got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
}

func TestHomeEnvVar(t *testing.T) {
	t.Setenv("IMAGEDNA_HOME", "/custom/path")
	if got := Home(); got != "/custom/path" {
		t.Errorf("Home() = %s, want /custom/path", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Preferences.Threshold != 0.35 {
		t.Errorf("expected threshold 0.35, got %v", cfg.Preferences.Threshold)
	}
	if cfg.Preferences.BreastSize != "large_breasts" {
		t.Errorf("expected breast size large_breasts, got %s", cfg.Preferences.BreastSize)
	}
	if cfg.Preferences.MasterpieceTags != tag.DefaultMasterpieceTags {
		t.Errorf("unexpected masterpiece tags %q", cfg.Preferences.MasterpieceTags)
	}
	if !cfg.Preferences.DarkMode {
		t.Error("expected dark mode by default")
	}
	if cfg.Preferences.IncludeMasterpiece || cfg.Preferences.UseUnderscores || cfg.Preferences.ConsolidateBreasts {
		t.Error("expected optional toggles off by default")
	}
	if cfg.Generator.GeneralCount != 15 {
		t.Errorf("expected general count 15, got %d", cfg.Generator.GeneralCount)
	}
	if cfg.Generator.SubjectType != "1girl" {
		t.Errorf("expected subject 1girl, got %s", cfg.Generator.SubjectType)
	}
	if !cfg.Generator.GeneralEnabled || !cfg.Generator.CharacterEnabled {
		t.Error("expected both generator sections enabled")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)

	os.WriteFile(filepath.Join(home, "config.yaml"), []byte("version: \"1\"\npreferences:\n  threshold: 0.5\n"), 0644)

	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Preferences.Threshold != 0.5 {
		t.Errorf("expected threshold from file, got %v", s.Config.Preferences.Threshold)
	}
	if s.Config.Generator.GeneralCount != 15 {
		t.Errorf("expected default general_count, got %d", s.Config.Generator.GeneralCount)
	}
	if s.Config.Tagger.Endpoint != DefaultEndpoint {
		t.Errorf("expected default endpoint, got %s", s.Config.Tagger.Endpoint)
	}
}

func TestLoad_ClampsOutOfRange(t *testing.T) {
	home := t.TempDir()
	body := "preferences:\n  threshold: 3\n  breast_size: enormous\ngenerator:\n  general_count: 500\n  subject_type: 7cats\n"
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0644)

	s, err := Load(home)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Preferences.Threshold != 1 {
		t.Errorf("threshold = %v, want 1", s.Config.Preferences.Threshold)
	}
	if s.Config.Preferences.BreastSize != DefaultBreastSize {
		t.Errorf("breast size = %s, want default", s.Config.Preferences.BreastSize)
	}
	if s.Config.Generator.GeneralCount != MaxGeneralCount {
		t.Errorf("general count = %d, want %d", s.Config.Generator.GeneralCount, MaxGeneralCount)
	}
	if s.Config.Generator.SubjectType != DefaultSubject {
		t.Errorf("subject = %s, want default", s.Config.Generator.SubjectType)
	}
}

func TestSetConfigValue(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)
	s, _ := Load(home)

	if err := s.SetConfigValue("preferences.exclude_tags", "solo, smile,"); err != nil {
		t.Fatal(err)
	}
	if s.Config.Preferences.ExcludeTags != "solo, smile," {
		t.Errorf("expected updated exclusion, got %q", s.Config.Preferences.ExcludeTags)
	}

	s2, _ := Load(home)
	if s2.Config.Preferences.ExcludeTags != "solo, smile," {
		t.Errorf("config not persisted, got %q", s2.Config.Preferences.ExcludeTags)
	}
}

func TestSetConfigValue_Clamps(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	s, _ := Load(home)

	tests := []struct {
		key, value, want string
	}{
		{"preferences.threshold", "-0.2", "0"},
		{"preferences.threshold", "1.7", "1"},
		{"generator.general_count", "0", "1"},
		{"generator.general_count", "99", "50"},
		{"generator.general_count", "20", "20"},
	}
	for _, tt := range tests {
		if err := s.SetConfigValue(tt.key, tt.value); err != nil {
			t.Fatalf("SetConfigValue(%s, %s): %v", tt.key, tt.value, err)
		}
		got, err := s.GetConfigValue(tt.key)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("%s=%s: got %s, want %s", tt.key, tt.value, got, tt.want)
		}
	}
}

func TestSetConfigValue_Choices(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	s, _ := Load(home)

	if err := s.SetConfigValue("preferences.breast_size", "huge breasts"); err != nil {
		t.Fatal(err)
	}
	if s.Config.Preferences.BreastSize != "huge_breasts" {
		t.Errorf("expected normalized size, got %s", s.Config.Preferences.BreastSize)
	}
	if err := s.SetConfigValue("preferences.breast_size", "flat"); err != nil {
		t.Fatal(err)
	}
	if s.Config.Preferences.BreastSize != "flat_chest" {
		t.Errorf("expected short size resolved to flat_chest, got %s", s.Config.Preferences.BreastSize)
	}
	if err := s.SetConfigValue("preferences.breast_size", "enormous"); err == nil {
		t.Error("expected error for unknown breast size")
	}
	if err := s.SetConfigValue("generator.subject_type", "none"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConfigValue("generator.subject_type", "2girls"); err == nil {
		t.Error("expected error for unknown subject type")
	}
}

func TestSetConfigValue_InvalidKey(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	s, _ := Load(home)

	if err := s.SetConfigValue("nonexistent.key", "value"); err == nil {
		t.Error("expected error for unknown key")
	}
	if _, err := s.GetConfigValue("nonexistent.key"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestSetConfigValue_InvalidValues(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	s, _ := Load(home)

	for _, kv := range [][2]string{
		{"generator.general_count", "notanumber"},
		{"preferences.threshold", "high"},
		{"preferences.use_underscores", "maybe"},
	} {
		if err := s.SetConfigValue(kv[0], kv[1]); err == nil {
			t.Errorf("expected error for %s=%s", kv[0], kv[1])
		}
	}
}

func TestConfigKeys_AllReadable(t *testing.T) {
	s := &Store{Config: DefaultConfig()}
	keys := ConfigKeys()
	if len(keys) == 0 {
		t.Fatal("expected config keys")
	}
	for _, k := range keys {
		if _, err := s.GetConfigValue(k); err != nil {
			t.Errorf("GetConfigValue(%s): %v", k, err)
		}
	}
}

func TestResetConfig(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	s, _ := Load(home)
	s.SetConfigValue("preferences.use_underscores", "true")

	if err := s.ResetConfig(); err != nil {
		t.Fatal(err)
	}
	s2, _ := Load(home)
	if s2.Config.Preferences.UseUnderscores {
		t.Error("expected reset to restore defaults on disk")
	}
}

func TestFilterOptions(t *testing.T) {
	p := DefaultConfig().Preferences
	p.ExcludeTags = "solo,"
	p.IncludeMasterpiece = true
	opts := p.FilterOptions()
	if opts.Threshold != p.Threshold || opts.ExcludeText != "solo," || !opts.IncludeMasterpiece {
		t.Errorf("unexpected options %+v", opts)
	}
	if opts.BreastSize != p.BreastSize || opts.MasterpieceTags != p.MasterpieceTags {
		t.Errorf("unexpected options %+v", opts)
	}
}

func TestAssembleConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Preferences.ConsolidateBreasts = true
	cfg.Preferences.ExcludeTags = "hat,"
	ac := cfg.AssembleConfig()
	if ac.GeneralCount != 15 || ac.SubjectType != "1girl" {
		t.Errorf("unexpected generator config %+v", ac)
	}
	if !ac.ConsolidateBreasts || ac.BreastSize != "large_breasts" || ac.ExcludeText != "hat," {
		t.Errorf("preferences not carried into generator config: %+v", ac)
	}
}

func TestCheckHealth(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)

	issues := CheckHealth(home)
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}

	os.RemoveAll(filepath.Join(home, "sessions"))
	issues = CheckHealth(home)
	if len(issues) == 0 {
		t.Error("expected issues after removing sessions dir")
	}
}

func TestCheckHealth_OutOfRangeWarning(t *testing.T) {
	home := t.TempDir()
	Init(home, true)
	os.WriteFile(filepath.Join(home, "config.yaml"), []byte("preferences:\n  threshold: 9\n"), 0644)

	issues := CheckHealth(home)
	if len(issues) != 1 || issues[0].Severity != "warning" {
		t.Errorf("expected one warning, got %v", issues)
	}
}

func TestFixIssues(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)

	os.RemoveAll(filepath.Join(home, "sessions"))

	fixed := FixIssues(home)
	if len(fixed) == 0 {
		t.Error("expected at least one fix")
	}

	if _, err := os.Stat(filepath.Join(home, "sessions")); err != nil {
		t.Error("sessions dir not recreated")
	}
	if issues := CheckHealth(home); len(issues) != 0 {
		t.Errorf("expected healthy home after fix, got %v", issues)
	}
}

func TestCheckSessionIntegrity(t *testing.T) {
	tmp := t.TempDir()
	home := filepath.Join(tmp, ".imagedna")
	Init(home, false)

	if issues := CheckSessionIntegrity(home); len(issues) != 0 {
		t.Errorf("expected no issues for empty sessions dir, got %v", issues)
	}

	os.MkdirAll(filepath.Join(home, "sessions", "broken"), 0755)
	bad := filepath.Join(home, "sessions", "odd")
	os.MkdirAll(bad, 0755)
	os.WriteFile(filepath.Join(bad, "session.yaml"), []byte("kind: mystery\n"), 0644)

	issues := CheckSessionIntegrity(home)
	if len(issues) != 2 {
		t.Errorf("expected 2 issues, got %v", issues)
	}
}
