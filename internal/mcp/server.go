package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/filter"
	"github.com/kokistudios/imagedna/internal/report"
	"github.com/kokistudios/imagedna/internal/session"
	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/ui"
)

// VocabularySource supplies a model's candidate tags.
type VocabularySource interface {
	Vocabulary(ctx context.Context, model string) (assemble.Vocabulary, error)
}

// Server wraps the MCP server with imagedna's store.
type Server struct {
	store  *store.Store
	vocab  VocabularySource
	server *mcp.Server
	seed   func() int64
}

// NewServer creates a new imagedna MCP server.
func NewServer(st *store.Store, vocab VocabularySource, version string) *Server {
	s := &Server{
		store: st,
		vocab: vocab,
		seed:  func() int64 { return time.Now().UnixNano() },
	}

	impl := &mcp.Implementation{
		Name:    "imagedna",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name: "imagedna_classify",
		Description: "Classify Danbooru-style tags into priority buckets (subject, solo, explicit, character, " +
			"breasts, hair, clothing, setting, other). Lower buckets come first in a prompt.",
	}, s.handleClassify)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "imagedna_filter",
		Description: "Filter raw tagger output into a prompt: confidence threshold, exclusions, quality-tag " +
			"removal, confidence ordering, optional breast-size consolidation and masterpiece prefix. " +
			"Omit tags to re-derive the latest interrogation. Omitted options use the saved preferences.",
	}, s.handleFilter)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "imagedna_generate",
		Description: "Generate a random prompt from a tagging model's vocabulary: one tag per structural bucket, " +
			"topped up at random, with subject, character and breast size injected. The result is saved as " +
			"the latest generate session so imagedna_adjust can patch it.",
	}, s.handleGenerate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name: "imagedna_adjust",
		Description: "Patch the latest generated prompt without re-rolling: change subject type, breast " +
			"consolidation or size, or exclusion text. Only committed exclusion terms (followed by a comma) apply.",
	}, s.handleAdjust)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "imagedna_session_latest",
		Description: "Show the most recent interrogation or generation with its tags, prompt and a markdown report.",
	}, s.handleSessionLatest)
}

// ClassifyArgs defines input for imagedna_classify.
type ClassifyArgs struct {
	Tags []string `json:"tags" jsonschema:"Tag labels to classify, spaces or underscores"`
}

type Classification struct {
	Tag    string  `json:"tag"`
	Bucket float64 `json:"bucket"`
	Name   string  `json:"name"`
}

type ClassifyResult struct {
	Tags []Classification `json:"tags"`
}

func (s *Server) handleClassify(ctx context.Context, req *mcp.CallToolRequest, args ClassifyArgs) (*mcp.CallToolResult, any, error) {
	if len(args.Tags) == 0 {
		return nil, nil, fmt.Errorf("at least one tag is required")
	}
	out := ClassifyResult{}
	for _, label := range args.Tags {
		b := tag.Classify(label)
		out.Tags = append(out.Tags, Classification{Tag: label, Bucket: float64(b), Name: b.String()})
	}
	return nil, out, nil
}

// FilterArgs defines input for imagedna_filter.
type FilterArgs struct {
	Tags               []tag.Tag `json:"tags,omitempty" jsonschema:"Raw tags with label, confidence and category. Omit to use the latest interrogation"`
	Threshold          *float64  `json:"threshold,omitempty" jsonschema:"Minimum confidence in [0,1]"`
	Exclude            *string   `json:"exclude,omitempty" jsonschema:"Comma-separated tags to drop"`
	IncludeMasterpiece *bool     `json:"include_masterpiece,omitempty" jsonschema:"Prefix the quality tags"`
	UseUnderscores     *bool     `json:"use_underscores,omitempty" jsonschema:"Emit underscores instead of spaces"`
	ConsolidateBreasts *bool     `json:"consolidate_breasts,omitempty" jsonschema:"Collapse breast-size tags into one"`
	BreastSize         *string   `json:"breast_size,omitempty" jsonschema:"Size used when consolidating (flat_chest .. gigantic_breasts)"`
}

// PromptResult is returned by every prompt-producing tool.
type PromptResult struct {
	SessionID string    `json:"session_id,omitempty"`
	Tags      []tag.Tag `json:"tags"`
	Prompt    string    `json:"prompt"`
	Report    string    `json:"report,omitempty"`
	Message   string    `json:"message,omitempty"`
}

func (s *Server) handleFilter(ctx context.Context, req *mcp.CallToolRequest, args FilterArgs) (*mcp.CallToolResult, any, error) {
	raw := args.Tags
	title := "Filtered tags"
	var sessionID string
	if len(raw) == 0 {
		sess, err := session.Latest(s.store, session.KindInterrogate)
		if err != nil {
			return nil, nil, fmt.Errorf("no tags given and no interrogation to re-derive: %w", err)
		}
		raw, title, sessionID = sess.Raw, sess.Source, sess.ID
	}

	opts := s.store.Config.Preferences.FilterOptions()
	if args.Threshold != nil {
		opts.Threshold = filter.ClampThreshold(*args.Threshold)
	}
	if args.Exclude != nil {
		opts.ExcludeText = *args.Exclude
	}
	if args.IncludeMasterpiece != nil {
		opts.IncludeMasterpiece = *args.IncludeMasterpiece
	}
	if args.UseUnderscores != nil {
		opts.UseUnderscores = *args.UseUnderscores
	}
	if args.ConsolidateBreasts != nil {
		opts.ConsolidateBreasts = *args.ConsolidateBreasts
	}
	if args.BreastSize != nil {
		if !tag.IsBreastSize(*args.BreastSize) {
			return nil, nil, fmt.Errorf("unknown breast size %q", *args.BreastSize)
		}
		opts.BreastSize = tag.BreastSizeLabel(*args.BreastSize)
	}

	res := filter.Compute(raw, opts)
	out := PromptResult{
		SessionID: sessionID,
		Tags:      res.Tags,
		Prompt:    res.RawPrompt,
		Report:    report.Markdown(title, res.Tags, res.RawPrompt),
	}
	if len(res.Tags) == 0 {
		out.Message = "No tags passed the current settings. Try a lower threshold or fewer exclusions."
	}
	return nil, out, nil
}

// GenerateArgs defines input for imagedna_generate.
type GenerateArgs struct {
	Model              string  `json:"model,omitempty" jsonschema:"Tagging model whose vocabulary to sample. Defaults to the selected model"`
	Count              *int    `json:"count,omitempty" jsonschema:"Number of general tags, 1 to 50"`
	Subject            *string `json:"subject,omitempty" jsonschema:"Subject type: 1girl, 1boy, 1other or none"`
	GeneralEnabled     *bool   `json:"general_enabled,omitempty" jsonschema:"Include general tags"`
	CharacterEnabled   *bool   `json:"character_enabled,omitempty" jsonschema:"Include a character and the subject tag"`
	ConsolidateBreasts *bool   `json:"consolidate_breasts,omitempty" jsonschema:"Inject the chosen breast size"`
	BreastSize         *string `json:"breast_size,omitempty" jsonschema:"Breast size to inject"`
	Exclude            *string `json:"exclude,omitempty" jsonschema:"Comma-separated tags never to draw"`
	Seed               *int64  `json:"seed,omitempty" jsonschema:"Random seed for a reproducible draw"`
}

func (s *Server) handleGenerate(ctx context.Context, req *mcp.CallToolRequest, args GenerateArgs) (*mcp.CallToolResult, any, error) {
	cfg := s.store.Config.AssembleConfig()
	if args.Count != nil {
		cfg.GeneralCount = store.ClampCount(*args.Count)
	}
	if args.Subject != nil {
		if !tag.IsSubjectType(*args.Subject) {
			return nil, nil, fmt.Errorf("unknown subject type %q", *args.Subject)
		}
		cfg.SubjectType = tag.Key(*args.Subject)
	}
	if args.GeneralEnabled != nil {
		cfg.GeneralEnabled = *args.GeneralEnabled
	}
	if args.CharacterEnabled != nil {
		cfg.CharacterEnabled = *args.CharacterEnabled
	}
	if args.ConsolidateBreasts != nil {
		cfg.ConsolidateBreasts = *args.ConsolidateBreasts
	}
	if args.BreastSize != nil {
		if !tag.IsBreastSize(*args.BreastSize) {
			return nil, nil, fmt.Errorf("unknown breast size %q", *args.BreastSize)
		}
		cfg.BreastSize = tag.BreastSizeLabel(*args.BreastSize)
	}
	if args.Exclude != nil {
		cfg.ExcludeText = *args.Exclude
	}

	model := args.Model
	if model == "" {
		model = s.store.Config.Preferences.SelectedModel
	}
	vocab, err := s.vocab.Vocabulary(ctx, model)
	if err != nil {
		return nil, nil, fmt.Errorf("load vocabulary for %s: %w", model, err)
	}

	seed := s.seed()
	if args.Seed != nil {
		seed = *args.Seed
	}
	tags := assemble.Generate(vocab, cfg, assemble.NewRand(seed))

	sess, err := session.Create(s.store, session.KindGenerate, model, nil, tags, &cfg)
	if err != nil {
		return nil, nil, err
	}
	sess.Model = model
	if err := session.Update(s.store, sess); err != nil {
		return nil, nil, err
	}
	ui.Logger.Debug("mcp generate", "model", model, "tags", len(tags), "session", sess.ID)

	prompt := assemble.Prompt(tags, s.store.Config.Preferences.UseUnderscores)
	out := PromptResult{SessionID: sess.ID, Tags: tags, Prompt: prompt}
	if vocab.Empty() {
		out.Message = "The model returned an empty vocabulary; only injected tags were produced."
	}
	return nil, out, nil
}

// AdjustArgs defines input for imagedna_adjust.
type AdjustArgs struct {
	SessionID          string  `json:"session_id,omitempty" jsonschema:"Generate session to patch. Defaults to the latest"`
	Subject            *string `json:"subject,omitempty" jsonschema:"New subject type: 1girl, 1boy, 1other or none"`
	ConsolidateBreasts *bool   `json:"consolidate_breasts,omitempty" jsonschema:"Turn breast-size injection on or off"`
	BreastSize         *string `json:"breast_size,omitempty" jsonschema:"New breast size"`
	Exclude            *string `json:"exclude,omitempty" jsonschema:"Exclusion text; only terms followed by a comma are applied"`
}

func (s *Server) handleAdjust(ctx context.Context, req *mcp.CallToolRequest, args AdjustArgs) (*mcp.CallToolResult, any, error) {
	var sess *session.Session
	var err error
	if args.SessionID != "" {
		sess, err = session.Get(s.store, args.SessionID)
	} else {
		sess, err = session.Latest(s.store, session.KindGenerate)
	}
	if err != nil {
		return nil, nil, err
	}
	if sess.Kind != session.KindGenerate {
		return nil, nil, fmt.Errorf("session %s is not a generate session", sess.ID)
	}

	cfg := s.store.Config.AssembleConfig()
	if sess.Config != nil {
		cfg = *sess.Config
	}
	adj := assemble.Adjustment{
		SubjectType:        args.Subject,
		ConsolidateBreasts: args.ConsolidateBreasts,
		BreastSize:         args.BreastSize,
		ExcludeText:        args.Exclude,
	}
	tags, err := adj.Apply(sess.Tags, &cfg)
	if err != nil {
		return nil, nil, err
	}

	sess.Tags = tags
	sess.Config = &cfg
	if err := session.Update(s.store, sess); err != nil {
		return nil, nil, err
	}

	prompt := assemble.Prompt(tags, s.store.Config.Preferences.UseUnderscores)
	return nil, PromptResult{SessionID: sess.ID, Tags: tags, Prompt: prompt}, nil
}

// SessionLatestArgs defines input for imagedna_session_latest.
type SessionLatestArgs struct {
	Kind string `json:"kind,omitempty" jsonschema:"interrogate or generate. Empty matches either"`
}

func (s *Server) handleSessionLatest(ctx context.Context, req *mcp.CallToolRequest, args SessionLatestArgs) (*mcp.CallToolResult, any, error) {
	kind := session.Kind(args.Kind)
	if kind != "" && kind != session.KindInterrogate && kind != session.KindGenerate {
		return nil, nil, fmt.Errorf("unknown session kind %q", args.Kind)
	}

	sess, err := session.Latest(s.store, kind)
	if errors.Is(err, session.ErrNoSession) {
		return nil, PromptResult{Message: "No sessions yet. Run imagedna_generate or `imagedna tag <image>` first."}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	prompt := assemble.Prompt(sess.Tags, s.store.Config.Preferences.UseUnderscores)
	return nil, PromptResult{
		SessionID: sess.ID,
		Tags:      sess.Tags,
		Prompt:    prompt,
		Report:    report.Markdown(sess.Source, sess.Tags, prompt),
	}, nil
}
