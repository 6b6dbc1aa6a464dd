// Package api serves the tag pipeline and prompt generator over local HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/filter"
	"github.com/kokistudios/imagedna/internal/store"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/tagger"
	"github.com/kokistudios/imagedna/internal/ui"
)

// maxUploadBytes bounds multipart image uploads.
const maxUploadBytes = 32 << 20

// Tagger is the subset of the tagging client the server needs.
type Tagger interface {
	Tag(ctx context.Context, filename string, image io.Reader) (tagger.Response, error)
	Vocabulary(ctx context.Context, model string) (assemble.Vocabulary, error)
}

// Server holds the router and the settings used when a request omits them.
type Server struct {
	tagger Tagger
	config store.Config
	router *mux.Router
	seed   func() int64
}

// APIResponse is the envelope of every reply.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ResultRequest struct {
	Tags    []tag.Tag       `json:"tags"`
	Options *filter.Options `json:"options,omitempty"`
}

type GenerateRequest struct {
	Vocabulary     *assemble.Vocabulary `json:"vocabulary,omitempty"`
	Model          string               `json:"model,omitempty"`
	Config         *assemble.Config     `json:"config,omitempty"`
	Seed           *int64               `json:"seed,omitempty"`
	UseUnderscores *bool                `json:"use_underscores,omitempty"`
}

type AdjustRequest struct {
	Tags []tag.Tag `json:"tags"`
	assemble.Adjustment
	UseUnderscores *bool `json:"use_underscores,omitempty"`
}

type PromptView struct {
	Tags   []tag.Tag `json:"tags"`
	Prompt string    `json:"prompt"`
}

type TagView struct {
	Raw    []tag.Tag     `json:"raw"`
	Result filter.Result `json:"result"`
}

type ClassifyView struct {
	Tag    string  `json:"tag"`
	Bucket float64 `json:"bucket"`
	Name   string  `json:"name"`
}

// New builds a server. cfg supplies defaults for fields a request leaves out.
func New(t Tagger, cfg store.Config) *Server {
	s := &Server{
		tagger: t,
		config: cfg,
		seed:   func() int64 { return time.Now().UnixNano() },
	}

	router := mux.NewRouter()
	router.Use(logRequests)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/result", s.handleResult).Methods("POST")
	api.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	api.HandleFunc("/adjust", s.handleAdjust).Methods("POST")
	api.HandleFunc("/classify", s.handleClassify).Methods("GET")
	api.HandleFunc("/tag", s.handleTag).Methods("POST")
	api.HandleFunc("/vocabulary", s.handleVocabulary).Methods("GET")

	s.router = router
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		ui.Logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "took", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	opts := s.config.Preferences.FilterOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if err := checkBreastSize(opts.ConsolidateBreasts, opts.BreastSize); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: filter.Compute(req.Tags, opts)})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := s.config.AssembleConfig()
	if req.Config != nil {
		cfg = *req.Config
		if cfg.SubjectType != "" && !tag.IsSubjectType(cfg.SubjectType) {
			sendError(w, http.StatusBadRequest, fmt.Errorf("unknown subject type %q", cfg.SubjectType))
			return
		}
	}
	if err := checkBreastSize(cfg.ConsolidateBreasts, cfg.BreastSize); err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	var vocab assemble.Vocabulary
	if req.Vocabulary != nil {
		vocab = *req.Vocabulary
	} else {
		model := req.Model
		if model == "" {
			model = s.config.Preferences.SelectedModel
		}
		v, err := s.tagger.Vocabulary(r.Context(), model)
		if err != nil {
			sendError(w, upstreamStatus(err), err)
			return
		}
		vocab = v
	}

	seed := s.seed()
	if req.Seed != nil {
		seed = *req.Seed
	}
	underscores := s.config.Preferences.UseUnderscores
	if req.UseUnderscores != nil {
		underscores = *req.UseUnderscores
	}

	tags := assemble.Generate(vocab, cfg, assemble.NewRand(seed))
	sendJSON(w, APIResponse{Success: true, Data: PromptView{Tags: tags, Prompt: assemble.Prompt(tags, underscores)}})
}

func checkBreastSize(consolidate bool, size string) error {
	if consolidate && size != "" && !tag.IsBreastSize(size) {
		return fmt.Errorf("unknown breast size %q", size)
	}
	return nil
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := s.config.AssembleConfig()
	tags, err := req.Adjustment.Apply(req.Tags, &cfg)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	underscores := s.config.Preferences.UseUnderscores
	if req.UseUnderscores != nil {
		underscores = *req.UseUnderscores
	}
	sendJSON(w, APIResponse{Success: true, Data: PromptView{Tags: tags, Prompt: assemble.Prompt(tags, underscores)}})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	label := strings.TrimSpace(r.URL.Query().Get("tag"))
	if label == "" {
		sendError(w, http.StatusBadRequest, errors.New("missing tag parameter"))
		return
	}
	b := tag.Classify(label)
	sendJSON(w, APIResponse{Success: true, Data: ClassifyView{Tag: label, Bucket: float64(b), Name: b.String()}})
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		sendError(w, http.StatusBadRequest, fmt.Errorf("missing image upload: %w", err))
		return
	}
	defer file.Close()

	resp, err := s.tagger.Tag(r.Context(), header.Filename, file)
	if err != nil {
		sendError(w, upstreamStatus(err), err)
		return
	}
	raw := resp.Tags()
	result := filter.Compute(raw, s.config.Preferences.FilterOptions())
	sendJSON(w, APIResponse{Success: true, Data: TagView{Raw: raw, Result: result}})
}

func (s *Server) handleVocabulary(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	if model == "" {
		model = s.config.Preferences.SelectedModel
	}
	vocab, err := s.tagger.Vocabulary(r.Context(), model)
	if err != nil {
		sendError(w, upstreamStatus(err), err)
		return
	}
	sendJSON(w, APIResponse{Success: true, Data: vocab})
}

func upstreamStatus(err error) int {
	if errors.Is(err, tagger.ErrUnavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}
