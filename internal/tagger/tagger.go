// Package tagger talks to the remote tagging service: image interrogation
// and per-model vocabulary lookup.
package tagger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kokistudios/imagedna/internal/assemble"
	"github.com/kokistudios/imagedna/internal/tag"
	"github.com/kokistudios/imagedna/internal/ui"
)

// ErrUnavailable is wrapped by every error caused by the service being
// unreachable or answering with a failure status. Callers surface it as a
// failure state; the client does not retry.
var ErrUnavailable = errors.New("tagging service unavailable")

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: service returned %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: service returned %d: %s", e.Op, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// Response is the tagging service's answer for one image.
type Response struct {
	GeneralTags   map[string]float64 `json:"general_tags"`
	CharacterTags map[string]float64 `json:"character_tags"`
}

// Tags flattens the response into general tags followed by character tags,
// each ordered by descending confidence. A missing mapping contributes no
// tags.
func (r Response) Tags() []tag.Tag {
	out := sortedTags(r.GeneralTags, tag.CategoryGeneral)
	return append(out, sortedTags(r.CharacterTags, tag.CategoryCharacter)...)
}

func sortedTags(m map[string]float64, cat tag.Category) []tag.Tag {
	out := make([]tag.Tag, 0, len(m))
	for label, conf := range m {
		out = append(out, tag.Tag{Label: label, Confidence: conf, Category: cat})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Client is a tagging service client. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	vocab    *cache.Cache
	inflight singleflight.Group
}

const defaultTimeout = 60 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sends requests through a copy of hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request, overriding the timeout of a client
// given with WithHTTPClient regardless of option order.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero or less disables
// the limiter.
func WithRateLimit(perSecond float64) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 2)
	}
}

// WithVocabularyTTL sets how long a model vocabulary stays cached.
func WithVocabularyTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.vocab = cache.New(ttl, 2*ttl)
		}
	}
}

// New creates a client for the service at endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		limiter:  rate.NewLimiter(rate.Limit(2), 2),
		vocab:    cache.New(30*time.Minute, time.Hour),
	}
	for _, o := range opts {
		o(c)
	}

	hc := http.Client{Timeout: defaultTimeout}
	if c.http != nil {
		hc = *c.http
	}
	if c.timeout > 0 {
		hc.Timeout = c.timeout
	}
	c.http = &hc
	return c
}

// Endpoint returns the service base URL.
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *Client) do(ctx context.Context, op string, req *http.Request, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	ui.Logger.Debug("Tagging service responded", "op", op, "status", resp.StatusCode, "elapsed", time.Since(start).Round(time.Millisecond))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: invalid response: %w", op, err)
	}
	return nil
}

// Tag uploads one image and returns the raw tagger response.
func (c *Client) Tag(ctx context.Context, filename string, image io.Reader) (Response, error) {
	body, contentType, err := multipartImage(filename, image)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/tag", body)
	if err != nil {
		return Response{}, fmt.Errorf("build tag request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	var out Response
	if err := c.do(ctx, "tag "+filename, req, &out); err != nil {
		return Response{}, err
	}
	return out, nil
}

func multipartImage(filename string, image io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", filepath.Base(filename))
	if err != nil {
		return nil, "", fmt.Errorf("build upload: %w", err)
	}
	if _, err := io.Copy(part, image); err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("build upload: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// TagFile uploads the image at path.
func (c *Client) TagFile(ctx context.Context, path string) (Response, error) {
	f, err := os.Open(path)
	if err != nil {
		return Response{}, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()
	return c.Tag(ctx, path, f)
}

// TagFiles tags several images concurrently. Results are returned in the
// order of paths; the first failure cancels the rest.
func (c *Client) TagFiles(ctx context.Context, paths []string, concurrency int) ([]Response, error) {
	results := make([]Response, len(paths))
	eg, egCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		eg.SetLimit(concurrency)
	}
	for i, p := range paths {
		eg.Go(func() error {
			resp, err := c.TagFile(egCtx, p)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Vocabulary returns the candidate tags of model. Vocabularies are cached
// per model, and concurrent lookups of the same model share one request.
func (c *Client) Vocabulary(ctx context.Context, model string) (assemble.Vocabulary, error) {
	if v, ok := c.vocab.Get(model); ok {
		return v.(assemble.Vocabulary), nil
	}

	// The shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	ch := c.inflight.DoChan(model, func() (any, error) {
		limit := c.http.Timeout
		if limit <= 0 {
			limit = defaultTimeout
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), limit)
		defer cancel()
		return c.fetchVocabulary(fetchCtx, model)
	})
	select {
	case <-ctx.Done():
		return assemble.Vocabulary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return assemble.Vocabulary{}, res.Err
		}
		return res.Val.(assemble.Vocabulary), nil
	}
}

func (c *Client) fetchVocabulary(ctx context.Context, model string) (assemble.Vocabulary, error) {
	u := c.endpoint + "/api/tags?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return assemble.Vocabulary{}, fmt.Errorf("build vocabulary request: %w", err)
	}
	var out assemble.Vocabulary
	if err := c.do(ctx, "vocabulary "+model, req, &out); err != nil {
		return assemble.Vocabulary{}, err
	}
	c.vocab.SetDefault(model, out)
	ui.Logger.Debug("Vocabulary loaded", "model", model, "general", len(out.General), "character", len(out.Character))
	return out, nil
}

// ForgetVocabulary drops a cached vocabulary so the next lookup refetches it.
func (c *Client) ForgetVocabulary(model string) {
	c.vocab.Delete(model)
}

// Health checks that the service answers at all.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &StatusError{Op: "health", Status: resp.StatusCode}
	}
	return nil
}

// LoadVocabularyFile reads a vocabulary JSON document from disk, in the same
// shape the service returns.
func LoadVocabularyFile(path string) (assemble.Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return assemble.Vocabulary{}, fmt.Errorf("read vocabulary: %w", err)
	}
	var v assemble.Vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return assemble.Vocabulary{}, fmt.Errorf("invalid vocabulary file %s: %w", path, err)
	}
	return v, nil
}
