package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/filter"
	"github.com/kokistudios/imagedna/internal/report"
	"github.com/kokistudios/imagedna/internal/session"
	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/studio"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/tagger"
	"github.com/kokistudios/imagedna/internal/ui"
)

type outputMode int

const (
	outputText outputMode = iota
	outputMarkdown
	outputJSON
)

type resultView struct {
	SessionID string    `json:"session_id,omitempty"`
	Source    string    `json:"source"`
	Tags      []tag.Tag `json:"tags"`
	Prompt    string    `json:"prompt"`
}

func addOutputFlags(cmd *cobra.Command, markdown, asJSON *bool) {
	cmd.Flags().BoolVar(markdown, "markdown", false, "Render a markdown report grouped by bucket")
	cmd.Flags().BoolVar(asJSON, "json", false, "Print JSON instead of styled output")
}

func modeOf(markdown, asJSON bool) outputMode {
	switch {
	case asJSON:
		return outputJSON
	case markdown:
		return outputMarkdown
	}
	return outputText
}

func promptOf(s *store.Store, tags []tag.Tag) string {
	return tag.JoinPrompt(tags, s.Config.Preferences.UseUnderscores)
}

// printTags writes the prompt to stdout and decorations to stderr, so the
// prompt can be piped.
func printTags(s *store.Store, title string, tags []tag.Tag, prompt string, mode outputMode) {
	switch mode {
	case outputMarkdown:
		ui.RenderMarkdown(report.Markdown(title, tags, prompt), s.Config.Preferences.DarkMode)
	default:
		ui.SectionHeader(title)
		if len(tags) == 0 {
			ui.EmptyState("No tags passed the current settings.")
			return
		}
		labels := make([]string, len(tags))
		for i, t := range tags {
			labels[i] = tag.Emit(t.Label, s.Config.Preferences.UseUnderscores)
		}
		fmt.Fprintln(os.Stderr, ui.Chips(labels, 100))
		fmt.Fprintln(os.Stderr)
		fmt.Println(prompt)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var filterFlagKeys = map[string]string{
	"threshold":   "preferences.threshold",
	"exclude":     "preferences.exclude_tags",
	"masterpiece": "preferences.include_masterpiece",
	"underscores": "preferences.use_underscores",
	"consolidate": "preferences.consolidate_breasts",
	"size":        "preferences.breast_size",
}

func addFilterFlags(cmd *cobra.Command) {
	d := store.DefaultConfig().Preferences
	cmd.Flags().Float64("threshold", d.Threshold, "Minimum confidence in [0,1]")
	cmd.Flags().String("exclude", "", "Comma-separated tags to drop")
	cmd.Flags().Bool("masterpiece", false, "Prefix the quality tags")
	cmd.Flags().Bool("underscores", false, "Emit underscores instead of spaces")
	cmd.Flags().Bool("consolidate", false, "Collapse breast-size tags into --size")
	cmd.Flags().String("size", d.BreastSize, "Breast size used when consolidating (e.g. huge or huge_breasts)")
}

func tagCmd() *cobra.Command {
	var markdown, asJSON bool
	var concurrency int
	cmd := &cobra.Command{
		Use:   "tag <image>...",
		Short: "Interrogate images and print filtered prompts",
		Long: "Upload each image to the tagging service, filter the result with the saved preferences and print the prompt. " +
			"Flags that are set explicitly are saved as the new preferences.",
		Example: "  imagedna tag cat.png\n  imagedna tag --threshold 0.5 --exclude \"simple background,\" *.png",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := persistFlags(cmd, s, filterFlagKeys); err != nil {
				return err
			}
			client := newClient(s)

			spin := ui.NewSpinner(fmt.Sprintf("Tagging %d image(s) via %s", len(args), client.Endpoint()))
			responses, err := client.TagFiles(cmd.Context(), args, concurrency)
			spin.Stop()
			if err != nil {
				if errors.Is(err, tagger.ErrUnavailable) {
					return fmt.Errorf("%w (is the tagging service running at %s?)", err, client.Endpoint())
				}
				return err
			}

			opts := s.Config.Preferences.FilterOptions()
			mode := modeOf(markdown, asJSON)
			var views []resultView
			for i, resp := range responses {
				raw := resp.Tags()
				res := filter.Compute(raw, opts)
				sess, err := session.Create(s, session.KindInterrogate, args[i], raw, res.Tags, nil)
				if err != nil {
					return err
				}
				if mode == outputJSON {
					views = append(views, resultView{SessionID: sess.ID, Source: args[i], Tags: res.Tags, Prompt: res.RawPrompt})
					continue
				}
				printTags(s, args[i], res.Tags, res.RawPrompt, mode)
			}
			if mode == outputJSON {
				return printJSON(views)
			}
			return nil
		},
	}
	addFilterFlags(cmd)
	addOutputFlags(cmd, &markdown, &asJSON)
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Images tagged in parallel")
	return cmd
}

func refineCmd() *cobra.Command {
	var markdown, asJSON bool
	var id string
	cmd := &cobra.Command{
		Use:   "refine",
		Short: "Re-filter the latest interrogation with new settings",
		Long: "Recompute the prompt of a saved interrogation from its raw tags, without uploading the image again. " +
			"Flags that are set explicitly are saved as the new preferences.",
		Example: "  imagedna refine --threshold 0.6\n  imagedna refine --consolidate --size medium_breasts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := persistFlags(cmd, s, filterFlagKeys); err != nil {
				return err
			}

			var sess *session.Session
			if id != "" {
				sess, err = session.Get(s, id)
			} else {
				sess, err = session.Latest(s, session.KindInterrogate)
			}
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					return fmt.Errorf("%w: run 'imagedna tag <image>' first", err)
				}
				return err
			}
			if sess.Kind != session.KindInterrogate {
				return fmt.Errorf("session %s is a %s session; refine needs an interrogation", sess.ID, sess.Kind)
			}

			res := filter.Compute(sess.Raw, s.Config.Preferences.FilterOptions())
			sess.Tags = res.Tags
			if err := session.Update(s, sess); err != nil {
				return err
			}

			mode := modeOf(markdown, asJSON)
			if mode == outputJSON {
				return printJSON(resultView{SessionID: sess.ID, Source: sess.Source, Tags: res.Tags, Prompt: res.RawPrompt})
			}
			printTags(s, sess.Source, res.Tags, res.RawPrompt, mode)
			return nil
		},
	}
	addFilterFlags(cmd)
	addOutputFlags(cmd, &markdown, &asJSON)
	cmd.Flags().StringVar(&id, "session", "", "Session to refine (defaults to the latest interrogation)")
	return cmd
}

func classifyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "classify <tag>...",
		Short:   "Show the priority bucket of tags",
		Example: "  imagedna classify 1girl \"long hair\" school_uniform",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			type row struct {
				Tag    string  `json:"tag"`
				Bucket float64 `json:"bucket"`
				Name   string  `json:"name"`
			}
			var rows []row
			var table [][]string
			for _, label := range args {
				b := tag.Classify(label)
				rows = append(rows, row{Tag: label, Bucket: float64(b), Name: b.String()})
				table = append(table, []string{label, fmt.Sprint(float64(b)), b.String()})
			}
			if asJSON {
				return printJSON(rows)
			}
			ui.Table([]string{"TAG", "BUCKET", "NAME"}, table)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

var generatorFlagKeys = map[string]string{
	"model":       "preferences.selected_model",
	"count":       "generator.general_count",
	"subject":     "generator.subject_type",
	"general":     "generator.general_enabled",
	"character":   "generator.character_enabled",
	"consolidate": "preferences.consolidate_breasts",
	"size":        "preferences.breast_size",
	"exclude":     "preferences.exclude_tags",
	"underscores": "preferences.use_underscores",
}

func addGeneratorFlags(cmd *cobra.Command) {
	d := store.DefaultConfig()
	cmd.Flags().String("model", d.Preferences.SelectedModel, "Tagging model whose vocabulary to sample")
	cmd.Flags().String("vocab", "", "Read the vocabulary from a JSON file instead of the tagging service")
	cmd.Flags().Int("count", d.Generator.GeneralCount, "Number of general tags (1-50)")
	cmd.Flags().String("subject", d.Generator.SubjectType, "Subject type: 1girl, 1boy, 1other or none")
	cmd.Flags().Bool("general", true, "Include general tags")
	cmd.Flags().Bool("character", true, "Include a character and the subject tag")
	cmd.Flags().Bool("consolidate", false, "Inject --size instead of drawing breast tags")
	cmd.Flags().String("size", d.Preferences.BreastSize, "Breast size to inject (e.g. large or large_breasts)")
	cmd.Flags().String("exclude", "", "Comma-separated tags never to draw")
	cmd.Flags().Bool("underscores", false, "Emit underscores instead of spaces")
	cmd.Flags().Int64("seed", 0, "Random seed for a reproducible draw (0 picks one)")
}

// loadVocabulary reads --vocab when given, otherwise asks the service for
// the selected model. It returns the vocabulary and where it came from.
func loadVocabulary(cmd *cobra.Command, s *store.Store) (assemble.Vocabulary, string, error) {
	if path, _ := cmd.Flags().GetString("vocab"); path != "" {
		v, err := tagger.LoadVocabularyFile(path)
		return v, path, err
	}
	model := s.Config.Preferences.SelectedModel
	client := newClient(s)
	spin := ui.NewSpinner(fmt.Sprintf("Loading %s vocabulary", model))
	v, err := client.Vocabulary(cmd.Context(), model)
	spin.Stop()
	if err != nil {
		return v, model, fmt.Errorf("load vocabulary: %w", err)
	}
	return v, model, nil
}

func seedFrom(cmd *cobra.Command) int64 {
	if seed, _ := cmd.Flags().GetInt64("seed"); seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}

func generateCmd() *cobra.Command {
	var markdown, asJSON bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Assemble a random prompt from a model's vocabulary",
		Long: "Draw one tag per structural bucket from the vocabulary, top up at random to --count, and inject the subject, " +
			"a character and the breast size. Flags that are set explicitly are saved as the new settings.",
		Example: "  imagedna generate\n  imagedna generate --count 25 --subject 1boy --seed 7\n  imagedna generate --vocab tags.json",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := persistFlags(cmd, s, generatorFlagKeys); err != nil {
				return err
			}
			vocab, source, err := loadVocabulary(cmd, s)
			if err != nil {
				return err
			}
			if vocab.Empty() {
				ui.Warning("The vocabulary is empty; only injected tags will be produced.")
			}

			cfg := s.Config.AssembleConfig()
			tags := assemble.Generate(vocab, cfg, assemble.NewRand(seedFrom(cmd)))
			sess, err := session.Create(s, session.KindGenerate, source, nil, tags, &cfg)
			if err != nil {
				return err
			}

			prompt := promptOf(s, tags)
			mode := modeOf(markdown, asJSON)
			if mode == outputJSON {
				return printJSON(resultView{SessionID: sess.ID, Source: source, Tags: tags, Prompt: prompt})
			}
			printTags(s, "Generated from "+source, tags, prompt, mode)
			return nil
		},
	}
	addGeneratorFlags(cmd)
	addOutputFlags(cmd, &markdown, &asJSON)
	return cmd
}

func adjustCmd() *cobra.Command {
	var markdown, asJSON bool
	var id string
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Patch the latest generated prompt without re-rolling",
		Long: "Apply subject, breast or exclusion changes to the latest generated prompt. Nothing is re-drawn: the subject " +
			"tag is swapped, the breast tag replaced or dropped, and committed exclusion terms (followed by a comma) removed.",
		Example: "  imagedna adjust --subject 1boy\n  imagedna adjust --consolidate --size small_breasts\n  imagedna adjust --exclude \"smile, blush,\"",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			var adj assemble.Adjustment
			if f := cmd.Flags().Lookup("subject"); f.Changed {
				v := f.Value.String()
				adj.SubjectType = &v
			}
			if f := cmd.Flags().Lookup("consolidate"); f.Changed {
				v, _ := cmd.Flags().GetBool("consolidate")
				adj.ConsolidateBreasts = &v
			}
			if f := cmd.Flags().Lookup("size"); f.Changed {
				v := f.Value.String()
				adj.BreastSize = &v
			}
			if f := cmd.Flags().Lookup("exclude"); f.Changed {
				v := f.Value.String()
				adj.ExcludeText = &v
			}
			if adj.Empty() {
				return errors.New("nothing to adjust: pass --subject, --consolidate, --size or --exclude")
			}

			var sess *session.Session
			if id != "" {
				sess, err = session.Get(s, id)
			} else {
				sess, err = session.Latest(s, session.KindGenerate)
			}
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					return fmt.Errorf("%w: run 'imagedna generate' first", err)
				}
				return err
			}
			if sess.Kind != session.KindGenerate {
				return fmt.Errorf("session %s is a %s session; adjust needs a generated prompt", sess.ID, sess.Kind)
			}

			cfg := s.Config.AssembleConfig()
			if sess.Config != nil {
				cfg = *sess.Config
			}
			tags, err := adj.Apply(sess.Tags, &cfg)
			if err != nil {
				return err
			}
			sess.Tags, sess.Config = tags, &cfg
			if err := session.Update(s, sess); err != nil {
				return err
			}
			if err := persistFlags(cmd, s, map[string]string{
				"subject":     "generator.subject_type",
				"consolidate": "preferences.consolidate_breasts",
				"size":        "preferences.breast_size",
				"exclude":     "preferences.exclude_tags",
			}); err != nil {
				return err
			}

			prompt := promptOf(s, tags)
			mode := modeOf(markdown, asJSON)
			if mode == outputJSON {
				return printJSON(resultView{SessionID: sess.ID, Source: sess.Source, Tags: tags, Prompt: prompt})
			}
			printTags(s, "Adjusted "+sess.ID, tags, prompt, mode)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "New subject type: 1girl, 1boy, 1other or none")
	cmd.Flags().Bool("consolidate", false, "Turn breast-size injection on or off")
	cmd.Flags().String("size", "", "New breast size")
	cmd.Flags().String("exclude", "", "Exclusion text; only terms followed by a comma are applied")
	cmd.Flags().StringVar(&id, "session", "", "Session to adjust (defaults to the latest generation)")
	addOutputFlags(cmd, &markdown, &asJSON)
	return cmd
}

func studioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "studio",
		Short: "Interactive prompt generator",
		Long:  "Open the generator panel: re-roll, cycle subject and size, edit exclusions live. Settings are saved as you change them and the final prompt is printed on exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := persistFlags(cmd, s, map[string]string{"model": "preferences.selected_model"}); err != nil {
				return err
			}
			vocab, source, err := loadVocabulary(cmd, s)
			if err != nil {
				return err
			}

			save := func(st studio.Settings) error {
				c := st.Config
				s.Config.Generator.GeneralEnabled = c.GeneralEnabled
				s.Config.Generator.CharacterEnabled = c.CharacterEnabled
				s.Config.Generator.GeneralCount = c.GeneralCount
				s.Config.Generator.SubjectType = c.SubjectType
				s.Config.Preferences.ConsolidateBreasts = c.ConsolidateBreasts
				s.Config.Preferences.BreastSize = c.BreastSize
				s.Config.Preferences.ExcludeTags = c.ExcludeText
				s.Config.Preferences.UseUnderscores = st.UseUnderscores
				return s.SaveConfig()
			}
			settings := studio.Settings{
				Config:         s.Config.AssembleConfig(),
				UseUnderscores: s.Config.Preferences.UseUnderscores,
			}

			final, err := studio.Run(studio.New(vocab, settings, assemble.NewRand(seedFrom(cmd)), save))
			if err != nil {
				return err
			}
			if len(final.Tags()) == 0 {
				return nil
			}

			cfg := final.Settings().Config
			if _, err := session.Create(s, session.KindGenerate, source, nil, final.Tags(), &cfg); err != nil {
				return err
			}
			fmt.Println(final.Prompt())
			return nil
		},
	}
	cmd.Flags().String("model", store.DefaultModel, "Tagging model whose vocabulary to sample")
	cmd.Flags().String("vocab", "", "Read the vocabulary from a JSON file instead of the tagging service")
	cmd.Flags().Int64("seed", 0, "Random seed (0 picks one)")
	return cmd
}
