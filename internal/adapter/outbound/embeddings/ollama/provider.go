// Package ollama implements an outbound.EmbeddingProvider backed by a
// local or remote Ollama-compatible HTTP embedding endpoint
// (`POST /api/embed`). Adapted from glyphoxa's
// pkg/provider/embeddings/ollama package for operators who want real
// semantic vectors instead of the bundled hashvec default.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

// DefaultBaseURL is the default address of a locally running Ollama
// instance.
const DefaultBaseURL = "http://localhost:11434"

// Provider calls an Ollama-compatible /api/embed endpoint.
type Provider struct {
	baseURL    string
	model      string
	httpClient *http.Client

	dimensions int
	detectOnce sync.Once
	detectErr  error
}

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithDimensions pre-sets the embedding dimension, skipping the probe
// request Dimensions() would otherwise issue on first use.
func WithDimensions(dims int) Option {
	return func(p *Provider) { p.dimensions = dims }
}

// New constructs a Provider. baseURL defaults to DefaultBaseURL when empty;
// model must be non-empty (e.g. "nomic-embed-text").
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &Provider{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch implements outbound.EmbeddingProvider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: unexpected status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embeddings: expected %d vectors, got %d", len(texts), len(out.Embeddings))
	}
	return out.Embeddings, nil
}

// Embed implements outbound.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Dimensions implements outbound.EmbeddingProvider, probing the endpoint
// once with the fixed text "dimension probe" if no dimension was pre-set via
// WithDimensions.
func (p *Provider) Dimensions() int {
	p.detectOnce.Do(func() {
		if p.dimensions > 0 {
			return
		}
		vec, err := p.Embed(context.Background(), "dimension probe")
		if err != nil {
			p.detectErr = err
			return
		}
		p.dimensions = len(vec)
	})
	return p.dimensions
}

// ModelID implements outbound.EmbeddingProvider.
func (p *Provider) ModelID() string { return "ollama:" + p.model }

var _ outbound.EmbeddingProvider = (*Provider)(nil)
