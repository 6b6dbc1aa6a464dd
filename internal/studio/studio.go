// Package studio is the interactive prompt generator.
package studio

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/ui"
)

// Settings is what the studio reads on start and writes back on change.
type Settings struct {
	Config         assemble.Config
	UseUnderscores bool
}

// SaveFunc persists settings after every change.
type SaveFunc func(Settings) error

// Model is the bubbletea model for the generator panel.
type Model struct {
	vocab    assemble.Vocabulary
	rng      assemble.Rand
	settings Settings
	save     SaveFunc
	maxCount int

	tags    []tag.Tag
	editing bool
	draft   string
	status  string
	width   int
	quit    bool
}

// New returns a model with an initial generation already drawn.
func New(vocab assemble.Vocabulary, settings Settings, rng assemble.Rand, save SaveFunc) Model {
	m := Model{
		vocab:    vocab,
		rng:      rng,
		settings: settings,
		save:     save,
		maxCount: max(1, min(50, len(vocab.General))),
		width:    80,
	}
	m.tags = assemble.Generate(vocab, settings.Config, rng)
	return m
}

// Tags returns the current list.
func (m Model) Tags() []tag.Tag { return m.tags }

// Settings returns the current settings.
func (m Model) Settings() Settings { return m.settings }

// Prompt returns the current prompt string.
func (m Model) Prompt() string {
	return assemble.Prompt(m.tags, m.settings.UseUnderscores)
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateBrowsing(msg)
	}
	return m, nil
}

func (m Model) updateBrowsing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	cfg := &m.settings.Config
	m.status = ""

	switch msg.String() {
	case "q", "ctrl+c", "esc":
		m.quit = true
		return m, tea.Quit
	case "r", "enter":
		m.tags = assemble.Generate(m.vocab, *cfg, m.rng)
		return m, nil
	case "s":
		cfg.SubjectType = tag.Cycle(tag.SubjectTypes(), cfg.SubjectType)
		m.tags = assemble.OnSubjectTypeChange(m.tags, cfg.SubjectType)
	case "b":
		cfg.BreastSize = tag.Cycle(tag.BreastSizes(), tag.BreastSizeLabel(cfg.BreastSize))
		m.tags = assemble.OnBreastSettingChange(m.tags, cfg.ConsolidateBreasts, cfg.BreastSize)
	case "c":
		cfg.ConsolidateBreasts = !cfg.ConsolidateBreasts
		m.tags = assemble.OnBreastSettingChange(m.tags, cfg.ConsolidateBreasts, cfg.BreastSize)
	case "u":
		m.settings.UseUnderscores = !m.settings.UseUnderscores
	case "g":
		cfg.GeneralEnabled = !cfg.GeneralEnabled
	case "k":
		cfg.CharacterEnabled = !cfg.CharacterEnabled
	case "+", "=", "right":
		cfg.GeneralCount = min(m.maxCount, cfg.GeneralCount+1)
	case "-", "left":
		cfg.GeneralCount = max(1, cfg.GeneralCount-1)
	case "/":
		m.editing = true
		m.draft = cfg.ExcludeText
		return m, nil
	default:
		return m, nil
	}
	return m.persist(), nil
}

// Edits apply live: every keystroke re-filters the current list with the
// committed terms, so a half-typed term never removes anything.
func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter, tea.KeyEsc:
		m.editing = false
		return m, nil
	case tea.KeyCtrlC:
		m.quit = true
		return m, tea.Quit
	case tea.KeyBackspace:
		if r := []rune(m.draft); len(r) > 0 {
			m.draft = string(r[:len(r)-1])
		}
	case tea.KeySpace:
		m.draft += " "
	case tea.KeyRunes:
		m.draft += string(msg.Runes)
	default:
		return m, nil
	}
	m.settings.Config.ExcludeText = m.draft
	m.tags = assemble.OnExclusionTextChange(m.tags, m.draft)
	return m.persist(), nil
}

func (m Model) persist() Model {
	if m.save == nil {
		return m
	}
	if err := m.save(m.settings); err != nil {
		m.status = fmt.Sprintf("could not save settings: %v", err)
		ui.Logger.Debug("studio settings save failed", "err", err)
	}
	return m
}

func onOff(b bool) string {
	if b {
		return ui.Green("on")
	}
	return ui.Dim("off")
}

func (m Model) View() string {
	if m.quit {
		return ""
	}
	cfg := m.settings.Config
	var b strings.Builder

	b.WriteString(ui.Accent("imageDNA studio") + ui.Dim(fmt.Sprintf("  %d general · %d character candidates", len(m.vocab.General), len(m.vocab.Character))))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("  %s %s   %s %s   %s %d   %s %s\n",
		ui.Dim("general"), onOff(cfg.GeneralEnabled),
		ui.Dim("character"), onOff(cfg.CharacterEnabled),
		ui.Dim("count"), cfg.GeneralCount,
		ui.Dim("subject"), ui.Bold(cfg.SubjectType)))
	b.WriteString(fmt.Sprintf("  %s %s   %s %s   %s %s\n",
		ui.Dim("consolidate"), onOff(cfg.ConsolidateBreasts),
		ui.Dim("size"), ui.Bold(cfg.BreastSize),
		ui.Dim("underscores"), onOff(m.settings.UseUnderscores)))

	exclusion := cfg.ExcludeText
	if m.editing {
		exclusion = m.draft + "█"
	} else if exclusion == "" {
		exclusion = ui.Dim("(none)")
	}
	b.WriteString(fmt.Sprintf("  %s %s\n\n", ui.Dim("exclude"), exclusion))

	if len(m.tags) == 0 {
		b.WriteString("  " + ui.Dim("No tags. Press r to generate.") + "\n\n")
	} else {
		labels := make([]string, len(m.tags))
		for i, t := range m.tags {
			labels[i] = tag.Emit(t.Label, m.settings.UseUnderscores)
		}
		b.WriteString(ui.Chips(labels, m.width) + "\n\n")
	}
	b.WriteString(ui.Prompt(m.Prompt()) + "\n")

	if m.status != "" {
		b.WriteString(ui.Yellow(m.status) + "\n")
	}

	help := "r reroll • s subject • b size • c consolidate • / exclude • u underscores • g/k sections • +/- count • q quit"
	if m.editing {
		help = "type terms separated by commas • enter/esc done"
	}
	b.WriteString("\n" + ui.Dim(help))
	return b.String()
}

// Run starts the studio and returns the final model.
func Run(m Model) (Model, error) {
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithAltScreen())
	result, err := p.Run()
	if err != nil {
		return m, err
	}
	return result.(Model), nil
}
