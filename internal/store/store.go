package store

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/filter"
	"github.com/kokistudios/imagedna/internal/tag"
)

const (
	DefaultEndpoint   = "http://localhost:5000"
	DefaultModel      = "SmilingWolf/wd-eva02-large-tagger-v3"
	DefaultThreshold  = 0.35
	DefaultBreastSize = "large_breasts"
	DefaultSubject    = "1girl"

	// MaxGeneralCount bounds the generator's general tag count.
	MaxGeneralCount = 50
)

// TaggerConfig holds tagging service settings.
type TaggerConfig struct {
	Endpoint             string  `yaml:"endpoint"`
	TimeoutSeconds       int     `yaml:"timeout_seconds"`
	RequestsPerSecond    float64 `yaml:"requests_per_second"`
	VocabularyTTLMinutes int     `yaml:"vocabulary_ttl_minutes"`
}

// Timeout returns the request timeout as a duration.
func (t TaggerConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// VocabularyTTL returns how long vocabularies stay cached.
func (t TaggerConfig) VocabularyTTL() time.Duration {
	return time.Duration(t.VocabularyTTLMinutes) * time.Minute
}

// Preferences are the user settings shared by both modes.
type Preferences struct {
	Threshold          float64 `yaml:"threshold"`
	ExcludeTags        string  `yaml:"exclude_tags"`
	IncludeMasterpiece bool    `yaml:"include_masterpiece"`
	MasterpieceTags    string  `yaml:"masterpiece_tags"`
	UseUnderscores     bool    `yaml:"use_underscores"`
	ConsolidateBreasts bool    `yaml:"consolidate_breasts"`
	BreastSize         string  `yaml:"breast_size"`
	DarkMode           bool    `yaml:"dark_mode"`
	SelectedModel      string  `yaml:"selected_model"`
}

// GeneratorConfig holds prompt generator settings.
type GeneratorConfig struct {
	GeneralEnabled   bool   `yaml:"general_enabled"`
	CharacterEnabled bool   `yaml:"character_enabled"`
	GeneralCount     int    `yaml:"general_count"`
	SubjectType      string `yaml:"subject_type"`
}

// Config holds imagedna configuration.
type Config struct {
	Version     string          `yaml:"version"`
	Tagger      TaggerConfig    `yaml:"tagger,omitempty"`
	Preferences Preferences     `yaml:"preferences,omitempty"`
	Generator   GeneratorConfig `yaml:"generator,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Tagger: TaggerConfig{
			Endpoint:             DefaultEndpoint,
			TimeoutSeconds:       60,
			RequestsPerSecond:    2,
			VocabularyTTLMinutes: 30,
		},
		Preferences: Preferences{
			Threshold:       DefaultThreshold,
			MasterpieceTags: tag.DefaultMasterpieceTags,
			BreastSize:      DefaultBreastSize,
			DarkMode:        true,
			SelectedModel:   DefaultModel,
		},
		Generator: GeneratorConfig{
			GeneralEnabled:   true,
			CharacterEnabled: true,
			GeneralCount:     15,
			SubjectType:      DefaultSubject,
		},
	}
}

// Normalize clamps out-of-range values and resets unknown choices to their
// defaults. Invalid settings are never an error.
func (c *Config) Normalize() {
	c.Preferences.Threshold = filter.ClampThreshold(c.Preferences.Threshold)
	if tag.IsBreastSize(c.Preferences.BreastSize) {
		c.Preferences.BreastSize = tag.BreastSizeLabel(c.Preferences.BreastSize)
	} else {
		c.Preferences.BreastSize = DefaultBreastSize
	}
	if strings.TrimSpace(c.Preferences.SelectedModel) == "" {
		c.Preferences.SelectedModel = DefaultModel
	}
	c.Generator.GeneralCount = ClampCount(c.Generator.GeneralCount)
	if !tag.IsSubjectType(c.Generator.SubjectType) {
		c.Generator.SubjectType = DefaultSubject
	}
	if c.Tagger.Endpoint == "" {
		c.Tagger.Endpoint = DefaultEndpoint
	}
	if c.Tagger.TimeoutSeconds < 1 {
		c.Tagger.TimeoutSeconds = 1
	}
	if c.Tagger.RequestsPerSecond < 0 || math.IsNaN(c.Tagger.RequestsPerSecond) {
		c.Tagger.RequestsPerSecond = 0
	}
	if c.Tagger.VocabularyTTLMinutes < 1 {
		c.Tagger.VocabularyTTLMinutes = 1
	}
}

// ClampCount pins a general tag count into [1, MaxGeneralCount].
func ClampCount(n int) int {
	return max(1, min(MaxGeneralCount, n))
}

// FilterOptions converts preferences into tagger pipeline options.
func (p Preferences) FilterOptions() filter.Options {
	return filter.Options{
		Threshold:          p.Threshold,
		ExcludeText:        p.ExcludeTags,
		IncludeMasterpiece: p.IncludeMasterpiece,
		MasterpieceTags:    p.MasterpieceTags,
		UseUnderscores:     p.UseUnderscores,
		ConsolidateBreasts: p.ConsolidateBreasts,
		BreastSize:         p.BreastSize,
	}
}

// AssembleConfig converts the generator settings into generator options.
func (c Config) AssembleConfig() assemble.Config {
	return assemble.Config{
		GeneralEnabled:     c.Generator.GeneralEnabled,
		CharacterEnabled:   c.Generator.CharacterEnabled,
		GeneralCount:       c.Generator.GeneralCount,
		SubjectType:        c.Generator.SubjectType,
		ConsolidateBreasts: c.Preferences.ConsolidateBreasts,
		BreastSize:         c.Preferences.BreastSize,
		ExcludeText:        c.Preferences.ExcludeTags,
	}
}

// Store represents a loaded IMAGEDNA_HOME.
type Store struct {
	Home   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Home returns the IMAGEDNA_HOME path, respecting the IMAGEDNA_HOME env var.
func Home() string {
	if h := os.Getenv("IMAGEDNA_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".imagedna")
	}
	return filepath.Join(home, ".imagedna")
}

// Init creates the IMAGEDNA_HOME directory structure.
func Init(home string, force bool) error {
	if _, err := os.Stat(home); err == nil && !force {
		return fmt.Errorf("IMAGEDNA_HOME already exists at %s (use --force to reinitialize)", home)
	}

	for _, d := range []string{home, filepath.Join(home, "sessions")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}

	return writeConfig(home, DefaultConfig())
}

// Open loads IMAGEDNA_HOME, initializing it on first use.
func Open(home string) (*Store, error) {
	if _, err := os.Stat(filepath.Join(home, "config.yaml")); os.IsNotExist(err) {
		if err := Init(home, true); err != nil {
			return nil, err
		}
	}
	return Load(home)
}

// Load reads and validates an existing IMAGEDNA_HOME.
// Missing config fields are filled from defaults.
func Load(home string) (*Store, error) {
	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read IMAGEDNA_HOME config at %s: %w", cfgPath, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config.yaml: %w", err)
	}
	cfg.Normalize()
	return &Store{Home: home, Config: cfg}, nil
}

func writeConfig(home string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SaveConfig writes the current config to config.yaml.
func (s *Store) SaveConfig() error {
	s.Config.Normalize()
	return writeConfig(s.Home, s.Config)
}

// ResetConfig restores every setting to its default.
func (s *Store) ResetConfig() error {
	s.Config = DefaultConfig()
	return s.SaveConfig()
}

type configKey struct {
	get func(c *Config) string
	set func(c *Config, value string) error
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

func boolKey(key string, field func(c *Config) *bool) configKey {
	return configKey{
		get: func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := parseBool(key, v)
			if err != nil {
				return err
			}
			*field(c) = b
			return nil
		},
	}
}

func stringKey(field func(c *Config) *string) configKey {
	return configKey{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

// Numeric settings are clamped by Normalize; only non-numeric input is rejected.
func intKey(key string, field func(c *Config) *int) configKey {
	return configKey{
		get: func(c *Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *Config, v string) error {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("%s must be an integer", key)
			}
			*field(c) = n
			return nil
		},
	}
}

func floatKey(key string, field func(c *Config) *float64) configKey {
	return configKey{
		get: func(c *Config) string { return strconv.FormatFloat(*field(c), 'g', -1, 64) },
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return fmt.Errorf("%s must be a number", key)
			}
			*field(c) = f
			return nil
		},
	}
}

// choiceKey accepts only values that resolve to one of options.
func choiceKey(key string, options []string, resolve func(string) string, field func(c *Config) *string) configKey {
	k := stringKey(field)
	k.set = func(c *Config, v string) error {
		v = resolve(v)
		for _, o := range options {
			if o == v {
				*field(c) = v
				return nil
			}
		}
		return fmt.Errorf("%s must be one of: %s", key, strings.Join(options, ", "))
	}
	return k
}

var configKeys = map[string]configKey{
	"tagger.endpoint":               stringKey(func(c *Config) *string { return &c.Tagger.Endpoint }),
	"tagger.timeout_seconds":        intKey("tagger.timeout_seconds", func(c *Config) *int { return &c.Tagger.TimeoutSeconds }),
	"tagger.requests_per_second":    floatKey("tagger.requests_per_second", func(c *Config) *float64 { return &c.Tagger.RequestsPerSecond }),
	"tagger.vocabulary_ttl_minutes": intKey("tagger.vocabulary_ttl_minutes", func(c *Config) *int { return &c.Tagger.VocabularyTTLMinutes }),

	"preferences.threshold":           floatKey("preferences.threshold", func(c *Config) *float64 { return &c.Preferences.Threshold }),
	"preferences.exclude_tags":        stringKey(func(c *Config) *string { return &c.Preferences.ExcludeTags }),
	"preferences.include_masterpiece": boolKey("preferences.include_masterpiece", func(c *Config) *bool { return &c.Preferences.IncludeMasterpiece }),
	"preferences.masterpiece_tags":    stringKey(func(c *Config) *string { return &c.Preferences.MasterpieceTags }),
	"preferences.use_underscores":     boolKey("preferences.use_underscores", func(c *Config) *bool { return &c.Preferences.UseUnderscores }),
	"preferences.consolidate_breasts": boolKey("preferences.consolidate_breasts", func(c *Config) *bool { return &c.Preferences.ConsolidateBreasts }),
	"preferences.breast_size":         choiceKey("preferences.breast_size", tag.BreastSizes(), tag.BreastSizeLabel, func(c *Config) *string { return &c.Preferences.BreastSize }),
	"preferences.dark_mode":           boolKey("preferences.dark_mode", func(c *Config) *bool { return &c.Preferences.DarkMode }),
	"preferences.selected_model":      stringKey(func(c *Config) *string { return &c.Preferences.SelectedModel }),

	"generator.general_enabled":   boolKey("generator.general_enabled", func(c *Config) *bool { return &c.Generator.GeneralEnabled }),
	"generator.character_enabled": boolKey("generator.character_enabled", func(c *Config) *bool { return &c.Generator.CharacterEnabled }),
	"generator.general_count":     intKey("generator.general_count", func(c *Config) *int { return &c.Generator.GeneralCount }),
	"generator.subject_type":      choiceKey("generator.subject_type", tag.SubjectTypes(), tag.Key, func(c *Config) *string { return &c.Generator.SubjectType }),
}

// ConfigKeys lists every settable key in sorted order.
func ConfigKeys() []string {
	keys := make([]string, 0, len(configKeys))
	for k := range configKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetConfigValue returns a config value by dot-path key (e.g. "preferences.threshold").
func (s *Store) GetConfigValue(key string) (string, error) {
	k, ok := configKeys[key]
	if !ok {
		return "", unknownKey(key)
	}
	return k.get(&s.Config), nil
}

// SetConfigValue sets a config value by dot-path key and saves the config.
// Out-of-range numbers are clamped rather than rejected.
func (s *Store) SetConfigValue(key, value string) error {
	k, ok := configKeys[key]
	if !ok {
		return unknownKey(key)
	}
	if err := k.set(&s.Config, value); err != nil {
		return err
	}
	return s.SaveConfig()
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(ConfigKeys(), ", "))
}

// Path resolves a path within IMAGEDNA_HOME.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Home}, parts...)
	return filepath.Join(all...)
}

// CheckHealth verifies IMAGEDNA_HOME structure integrity.
func CheckHealth(home string) []Issue {
	var issues []Issue

	p := filepath.Join(home, "sessions")
	info, err := os.Stat(p)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("missing directory: %s", p)})
	} else if !info.IsDir() {
		issues = append(issues, Issue{"error", fmt.Sprintf("expected directory but found file: %s", p)})
	}

	cfgPath := filepath.Join(home, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("cannot read config.yaml: %v", err)})
		return issues
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("config.yaml is not valid YAML: %v", err)})
		return issues
	}
	normalized := cfg
	normalized.Normalize()
	if normalized != cfg {
		issues = append(issues, Issue{"warning", "config.yaml has out-of-range values; they will be clamped on load"})
	}

	return issues
}

// CheckSessionIntegrity validates all stored sessions.
func CheckSessionIntegrity(home string) []Issue {
	var issues []Issue
	sessionsDir := filepath.Join(home, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return issues
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sessionsDir, e.Name(), "session.yaml"))
		if err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("session %s: missing session.yaml", e.Name())})
			continue
		}
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("session %s: invalid YAML: %v", e.Name(), err)})
			continue
		}
		if kind, _ := raw["kind"].(string); kind != "interrogate" && kind != "generate" {
			issues = append(issues, Issue{"warning", fmt.Sprintf("session %s: unknown kind %q", e.Name(), kind)})
		}
	}

	return issues
}

// FixIssues attempts to repair simple issues in IMAGEDNA_HOME.
func FixIssues(home string) []string {
	var fixed []string

	if _, err := os.Stat(filepath.Join(home, "sessions")); err != nil {
		if err := os.MkdirAll(filepath.Join(home, "sessions"), 0755); err == nil {
			fixed = append(fixed, "recreated missing directory: sessions")
		}
	}

	cfgPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		if writeConfig(home, DefaultConfig()) == nil {
			fixed = append(fixed, "recreated missing config.yaml with defaults")
		}
		return fixed
	}

	if s, err := Load(home); err == nil {
		if s.SaveConfig() == nil {
			fixed = append(fixed, "rewrote config.yaml with clamped values")
		}
	}

	return fixed
}
