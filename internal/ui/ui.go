package ui

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Logger is the package-level structured logger. It is usable before Init.
var Logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: false})

// Styles, rebuilt by Init().
var (
	headerStyle  lipgloss.Style
	successStyle lipgloss.Style
	warningStyle lipgloss.Style
	errorStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	promptStyle  lipgloss.Style
	accentStyle  lipgloss.Style
	chipStyle    lipgloss.Style
)

func init() {
	buildStyles()
}

// Init sets up color detection, lipgloss styles, and the structured logger.
// Call this once at CLI startup. dark selects the palette for dark terminals.
func Init(noColorFlag, dark bool) {
	noColor := noColorFlag || os.Getenv("NO_COLOR") != ""

	// Pre-set background so termenv never issues an OSC query
	lipgloss.SetHasDarkBackground(dark)

	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}

	buildStyles()

	Logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: false,
	})
	if noColor {
		Logger.SetStyles(log.DefaultStyles())
	}
}

// SetVerbose toggles debug-level logging.
func SetVerbose(v bool) {
	if v {
		Logger.SetLevel(log.DebugLevel)
	} else {
		Logger.SetLevel(log.InfoLevel)
	}
}

func buildStyles() {
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"})
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"})
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"})
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "1", Dark: "9"})
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldStyle = lipgloss.NewStyle().Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "6", Dark: "14"})
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "5", Dark: "13"})
	chipStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "0", Dark: "15"}).
		Background(lipgloss.AdaptiveColor{Light: "254", Dark: "237"}).
		PaddingLeft(1).
		PaddingRight(1)
}

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Red(s string) string    { return errorStyle.Render(s) }
func Green(s string) string  { return successStyle.Render(s) }
func Yellow(s string) string { return warningStyle.Render(s) }
func Accent(s string) string { return accentStyle.Render(s) }

// Logo renders the imagedna wordmark to stderr.
func Logo() {
	strand := lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	base := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, strand.Render(" ╲ ╱ ")+"  "+headerStyle.Render("image")+base.Render("DNA"))
	fmt.Fprintln(os.Stderr, strand.Render("  ╳  ")+"  "+dimStyle.Render("tags in, prompts out"))
	fmt.Fprintln(os.Stderr, strand.Render(" ╱ ╲ "))
}

// CommandBanner renders a small branded banner for a command.
func CommandBanner(command string, subtitle string) {
	brand := headerStyle.Render("i m a g e D N A")
	cmdLine := accentStyle.Render(fmt.Sprintf("─── %s ───", strings.ToUpper(command)))

	content := fmt.Sprintf("%s\n%s", brand, cmdLine)
	if subtitle != "" {
		content += "\n" + dimStyle.Render(subtitle)
	}

	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(content)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Table prints a formatted table with headers and rows.
func Table(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, boldStyle.Render(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	label := dimStyle.Render(fmt.Sprintf("  %s", key))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, value)
}

// KeyValue prints a bold key with a value, for structured output blocks.
func KeyValue(key, value string) {
	fmt.Fprintf(os.Stderr, "  %s  %s\n", boldStyle.Render(key), value)
}

// SectionHeader prints a styled section divider with a label.
func SectionHeader(label string) {
	line := headerStyle.Render(fmt.Sprintf("── %s ──", label))
	fmt.Fprintf(os.Stderr, "\n%s\n\n", line)
}

// EmptyState prints a styled message for empty results.
func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// Chip renders a single label as a tag chip.
func Chip(label string) string {
	return chipStyle.Render(label)
}

// Chips lays labels out as chips, wrapping at width columns.
// A width below one disables wrapping.
func Chips(labels []string, width int) string {
	var lines []string
	var line string
	for _, l := range labels {
		c := Chip(l)
		switch {
		case line == "":
			line = c
		case width > 0 && lipgloss.Width(line)+1+lipgloss.Width(c) > width:
			lines = append(lines, line)
			line = c
		default:
			line += " " + c
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Prompt renders a finished prompt string in a rounded box.
func Prompt(prompt string) string {
	if prompt == "" {
		prompt = dimStyle.Render("(empty prompt)")
	}
	return lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(prompt)
}

// =============================================================================
// Bubbletea-based interactive prompts
// =============================================================================

// confirmModel is a bubbletea model for y/n confirmation.
type confirmModel struct {
	prompt   string
	cursor   int // 0 = yes, 1 = no
	decided  bool
	accepted bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "y", "Y":
			m.accepted, m.decided = true, true
			return m, tea.Quit
		case "n", "N", "ctrl+c", "esc":
			m.accepted, m.decided = false, true
			return m, tea.Quit
		case "left", "h":
			m.cursor = 0
		case "right", "l":
			m.cursor = 1
		case "enter", " ":
			m.accepted = m.cursor == 0
			m.decided = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m confirmModel) View() string {
	var yes, no string
	if m.cursor == 0 {
		yes = successStyle.Render("▸ Yes ")
		no = dimStyle.Render("  No  ")
	} else {
		yes = dimStyle.Render("  Yes ")
		no = errorStyle.Render("▸ No  ")
	}

	return fmt.Sprintf("%s\n\n  %s  %s\n\n%s",
		promptStyle.Render(m.prompt),
		yes, no,
		dimStyle.Render("  ←/→ to select • enter to confirm • y/n for quick select"))
}

// Confirm prompts the user with a yes/no question and returns the response.
func Confirm(prompt string) (bool, error) {
	m := confirmModel{prompt: prompt, cursor: 0}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	result, err := p.Run()
	if err != nil {
		return false, err
	}
	fmt.Fprintln(os.Stderr)
	return result.(confirmModel).accepted, nil
}

// Spinner displays an animated spinner with a message on stderr.
// Call Stop() to clear it. Stop() is safe to call multiple times.
type Spinner struct {
	msg      string
	stop     chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{
		msg:  msg,
		stop: make(chan struct{}),
	}
	s.done.Add(1)
	go s.run()
	return s
}

func (s *Spinner) run() {
	defer s.done.Done()
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		fmt.Fprintf(os.Stderr, "\r%s %s", accentStyle.Render(frames[i%len(frames)]), dimStyle.Render(s.msg))
		select {
		case <-s.stop:
			fmt.Fprintf(os.Stderr, "\r\033[K")
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the spinner and clears its line.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.done.Wait()
}
