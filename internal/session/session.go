package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/ui"
)

// ErrNoSession is returned when no stored session matches a lookup.
var ErrNoSession = errors.New("no matching session")

// ErrInvalidID is returned for ids that would resolve outside the sessions
// directory.
var ErrInvalidID = errors.New("invalid session id")

func checkID(id string) error {
	if id == "" || id == "." || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) || filepath.IsAbs(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

type Kind string

const (
	KindInterrogate Kind = "interrogate" // tags read back from an image
	KindGenerate    Kind = "generate"    // tags assembled from a vocabulary
)

// Session is the persisted last result of one interrogation or generation.
// Raw holds the unfiltered tagger output; Tags holds the current list.
type Session struct {
	ID        string           `yaml:"id" json:"id"`
	Kind      Kind             `yaml:"kind" json:"kind"`
	Source    string           `yaml:"source" json:"source"`
	Model     string           `yaml:"model,omitempty" json:"model,omitempty"`
	CreatedAt time.Time        `yaml:"created_at" json:"created_at"`
	UpdatedAt time.Time        `yaml:"updated_at" json:"updated_at"`
	Raw       []tag.Tag        `yaml:"raw,omitempty" json:"raw,omitempty"`
	Tags      []tag.Tag        `yaml:"tags" json:"tags"`
	Config    *assemble.Config `yaml:"config,omitempty" json:"config,omitempty"`
}

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpaces   = regexp.MustCompile(`[\s]+`)
)

// GenerateID builds a sortable id from the current date, a slug of source and
// a random suffix.
func GenerateID(source string) string {
	date := time.Now().Format("20060102")
	return fmt.Sprintf("%s-%s-%s", date, slugify(source), randomHex(8))
}

func slugify(s string) string {
	s = strings.TrimSuffix(filepath.Base(s), filepath.Ext(s))
	s = strings.ToLower(s)
	s = nonSlugChars.ReplaceAllString(s, "")
	s = slugSpaces.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	if s == "" || s == "." {
		s = "session"
	}
	return s
}

func randomHex(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)[:n]
}

// Create stores a new session. source is the image path for interrogations
// and the vocabulary origin for generations.
func Create(s *store.Store, kind Kind, source string, raw, tags []tag.Tag, cfg *assemble.Config) (*Session, error) {
	if kind != KindInterrogate && kind != KindGenerate {
		return nil, fmt.Errorf("unknown session kind: %q", kind)
	}

	id := GenerateID(source)
	sessDir := s.Path("sessions", id)
	for {
		if _, err := os.Stat(sessDir); err != nil {
			break
		}
		id = GenerateID(source)
		sessDir = s.Path("sessions", id)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		Kind:      kind,
		Source:    source,
		Model:     s.Config.Preferences.SelectedModel,
		CreatedAt: now,
		UpdatedAt: now,
		Raw:       raw,
		Tags:      tags,
		Config:    cfg,
	}

	if err := os.MkdirAll(sessDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := save(s, sess); err != nil {
		return nil, err
	}
	ui.Logger.Debug("session created", "id", id, "kind", kind, "tags", len(tags))
	return sess, nil
}

// Update saves changes to an existing session.
// Updates the UpdatedAt timestamp automatically.
func Update(s *store.Store, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	return save(s, sess)
}

func Get(s *store.Store, id string) (*Session, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	p := s.Path("sessions", id, "session.yaml")
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNoSession)
		}
		return nil, fmt.Errorf("cannot read session %s: %w", id, err)
	}
	var sess Session
	if err := yaml.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("invalid session file: %w", err)
	}
	return &sess, nil
}

// List returns every readable session, newest first.
func List(s *store.Store) ([]Session, error) {
	entries, err := os.ReadDir(s.Path("sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read sessions directory: %w", err)
	}

	var sessions []Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := Get(s, e.Name())
		if err != nil {
			ui.Logger.Debug("skipping unreadable session", "id", e.Name(), "err", err)
			continue
		}
		sessions = append(sessions, *sess)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
	return sessions, nil
}

// Latest returns the newest session of the given kind.
// An empty kind matches any session.
func Latest(s *store.Store, kind Kind) (*Session, error) {
	all, err := List(s)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if kind == "" || all[i].Kind == kind {
			return &all[i], nil
		}
	}
	if kind == "" {
		return nil, ErrNoSession
	}
	return nil, fmt.Errorf("no %s session: %w", kind, ErrNoSession)
}

func Delete(s *store.Store, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	dir := s.Path("sessions", id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("session %s: %w", id, ErrNoSession)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Prune deletes all but the newest keep sessions and returns the removed ids.
func Prune(s *store.Store, keep int) ([]string, error) {
	if keep < 0 {
		keep = 0
	}
	all, err := List(s)
	if err != nil {
		return nil, err
	}
	if len(all) <= keep {
		return nil, nil
	}
	var removed []string
	for _, sess := range all[keep:] {
		if err := Delete(s, sess.ID); err != nil {
			return removed, err
		}
		removed = append(removed, sess.ID)
	}
	ui.Logger.Debug("sessions pruned", "removed", len(removed), "kept", keep)
	return removed, nil
}

func save(s *store.Store, sess *Session) error {
	if err := checkID(sess.ID); err != nil {
		return err
	}
	data, err := yaml.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	p := s.Path("sessions", sess.ID, "session.yaml")
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}
