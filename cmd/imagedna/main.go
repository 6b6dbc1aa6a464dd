package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/imagedna/internal/api"
	dnamcp "github.com/kokistudios/imagedna/internal/mcp"
	"github.com/kokistudios/imagedna/internal/session"
	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/tagger"
	"github.com/kokistudios/imagedna/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:   "imagedna",
		Short: "imageDNA: tags in, prompts out",
		Long:  "Turn image tagger output into clean prompts, and assemble new prompts from a tagging model's vocabulary.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			dark := true
			if s, err := store.Load(store.Home()); err == nil {
				dark = s.Config.Preferences.DarkMode
			}
			ui.Init(noColor, dark)
			ui.SetVerbose(verbose)
		},
		SilenceUsage: true,
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tagger", Title: "Tagger Commands:"},
		&cobra.Group{ID: "generator", Title: "Generator Commands:"},
		&cobra.Group{ID: "serve", Title: "Servers:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{tagCmd(), refineCmd(), classifyCmd()} {
		c.GroupID = "tagger"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{generateCmd(), adjustCmd(), studioCmd(), sessionsCmd()} {
		c.GroupID = "generator"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{serveCmd(), mcpCmd()} {
		c.GroupID = "serve"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{initCmd(), doctorCmd(), configCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(completionCmd())

	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(1)
	}
}

// loadStore opens IMAGEDNA_HOME, creating it on first use.
func loadStore() (*store.Store, error) {
	s, err := store.Open(store.Home())
	if err != nil {
		return nil, fmt.Errorf("cannot open IMAGEDNA_HOME: %w", err)
	}
	return s, nil
}

func newClient(s *store.Store) *tagger.Client {
	t := s.Config.Tagger
	return tagger.New(t.Endpoint,
		tagger.WithTimeout(t.Timeout()),
		tagger.WithRateLimit(t.RequestsPerSecond),
		tagger.WithVocabularyTTL(t.VocabularyTTL()),
	)
}

// persistFlags writes every explicitly set flag in keys back to config.yaml.
// keys maps flag names to config keys.
func persistFlags(cmd *cobra.Command, s *store.Store, keys map[string]string) error {
	for flag, key := range keys {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := s.SetConfigValue(key, f.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", flag, err)
		}
		ui.Logger.Debug("setting saved", "key", key, "value", f.Value.String())
	}
	return nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Initialize IMAGEDNA_HOME directory structure",
		Long:    "Create the IMAGEDNA_HOME directory (~/.imagedna by default) with sessions/ and config.yaml. Other commands create it on first use; run this to start over.",
		Example: "  imagedna init\n  imagedna init --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.Success("imagedna initialized")
			ui.Detail("Home:", home)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Reinitialize even if IMAGEDNA_HOME already exists")
	return cmd
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check health of IMAGEDNA_HOME and the tagging service",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := store.Home()

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := store.FixIssues(home)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			issues := store.CheckHealth(home)
			issues = append(issues, store.CheckSessionIntegrity(home)...)

			if s, err := store.Load(home); err == nil {
				ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
				defer cancel()
				if err := newClient(s).Health(ctx); err != nil {
					issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("tagging service at %s: %v", s.Config.Tagger.Endpoint, err)})
				} else {
					ui.Detail("Tagger:", s.Config.Tagger.Endpoint+" reachable")
				}
			}

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				return nil
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Recreate missing directories and rewrite config.yaml with clamped values")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit imagedna configuration",
	}
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configResetCmd())
	return cmd
}

func configListCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"show"},
		Short:   "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if raw {
				data, err := yaml.Marshal(s.Config)
				if err != nil {
					return fmt.Errorf("failed to marshal config: %w", err)
				}
				fmt.Print(string(data))
				return nil
			}
			var rows [][]string
			for _, k := range store.ConfigKeys() {
				v, _ := s.GetConfigValue(k)
				rows = append(rows, []string{k, v})
			}
			ui.Table([]string{"KEY", "VALUE"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "yaml", false, "Print config.yaml as stored")
	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "get <key>",
		Short:     "Print a configuration value",
		Args:      cobra.ExactArgs(1),
		ValidArgs: store.ConfigKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			v, err := s.GetConfigValue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set an imagedna configuration value. Numbers outside their range are clamped. Run 'imagedna config list' for the valid keys.",
		Example: `  imagedna config set preferences.threshold 0.5
  imagedna config set preferences.exclude_tags "simple background, white background,"
  imagedna config set generator.subject_type 1boy`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			v, _ := s.GetConfigValue(args[0])
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], v))
			return nil
		},
	}
}

func configResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Restore every setting to its default",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if !yes {
				ok, err := ui.Confirm("Reset all settings to defaults?")
				if err != nil {
					return err
				}
				if !ok {
					ui.EmptyState("Nothing changed.")
					return nil
				}
			}
			if err := s.ResetConfig(); err != nil {
				return err
			}
			ui.Success("Settings reset to defaults")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and prune saved results",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	cmd.AddCommand(sessionsPruneCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			sessions, err := session.List(s)
			if err != nil {
				return err
			}

			var rows [][]string
			for _, sess := range sessions {
				if kind != "" && string(sess.Kind) != kind {
					continue
				}
				src := sess.Source
				if len(src) > 32 {
					src = ".." + src[len(src)-30:]
				}
				rows = append(rows, []string{sess.ID, string(sess.Kind), src, fmt.Sprint(len(sess.Tags)), sess.CreatedAt.Local().Format("2006-01-02 15:04")})
			}
			if len(rows) == 0 {
				ui.EmptyState("No sessions found.")
				return nil
			}
			ui.Table([]string{"ID", "KIND", "SOURCE", "TAGS", "CREATED"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only show interrogate or generate sessions")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a session report (latest when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			var sess *session.Session
			if len(args) == 1 {
				sess, err = session.Get(s, args[0])
			} else {
				sess, err = session.Latest(s, "")
			}
			if err != nil {
				return err
			}
			printTags(s, sess.Source, sess.Tags, promptOf(s, sess.Tags), outputMarkdown)
			return nil
		},
	}
}

func sessionsPruneCmd() *cobra.Command {
	var keep int
	var yes bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if !yes {
				ok, err := ui.Confirm(fmt.Sprintf("Delete every session except the newest %d?", keep))
				if err != nil {
					return err
				}
				if !ok {
					ui.EmptyState("Nothing deleted.")
					return nil
				}
			}
			removed, err := session.Prune(s, keep)
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				ui.EmptyState("Nothing to prune.")
				return nil
			}
			ui.Success(fmt.Sprintf("Pruned %d session(s)", len(removed)))
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 20, "Number of sessions to keep")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the tag pipeline and generator over local HTTP",
		Example: "  imagedna serve\n  imagedna serve --addr 127.0.0.1:9000",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ui.CommandBanner("SERVE", "http://"+addr)
			ui.Detail("Tagger:", s.Config.Tagger.Endpoint)
			err = api.New(newClient(s), s.Config).ListenAndServe(ctx, addr)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5050", "Address to listen on")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol integration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run imagedna as an MCP server over stdio",
		Long:  "Start imagedna as a Model Context Protocol (MCP) server over stdio, exposing classify, filter, generate and adjust tools to MCP clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			server := dnamcp.NewServer(s, newClient(s), version)
			return server.Run(cmd.Context())
		},
	})
	return cmd
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Long:      "Generate shell completion scripts for bash, zsh, or fish. Output the script to stdout for sourcing in your shell profile.",
		Example:   "  imagedna completion bash > ~/.bashrc.d/imagedna\n  imagedna completion zsh > ~/.zfunc/_imagedna",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strings.ToLower(args[0]) {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}
