// Package hashvec implements a dependency-free, deterministic embedding
// provider: a feature-hashing ("hashing trick") projection from alphanumeric
// tokens into a fixed-dimension float32 vector. It requires no model
// download or external service, so the aggregator has usable semantic
// search out of the box; operators who want real semantic vectors swap in
// internal/adapter/outbound/embeddings/ollama instead, behind the same
// outbound.EmbeddingProvider interface.
//
// Determinism: the same text always hashes to the same vector, satisfying
// spec §4.3's determinism requirement and making the provider trivial to
// use as a reproducible test double as well as a bundled default (grounded
// on glyphoxa's pkg/provider/embeddings.Provider interface and its
// mock.Provider test double).
package hashvec

import (
	"context"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

// DefaultDimensions is the vector length used when none is specified,
// matching spec §4.3's documented default.
const DefaultDimensions = 384

// ModelIDValue is the model identifier recorded in the Capability Index
// metadata blob for vectors produced by this provider.
const ModelIDValue = "hashvec-v1"

// Provider is a feature-hashing embedding provider.
type Provider struct {
	dims int
}

// New creates a Provider producing vectors of the given dimensionality. A
// non-positive dims falls back to DefaultDimensions.
func New(dims int) *Provider {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Provider{dims: dims}
}

// Dimensions implements outbound.EmbeddingProvider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements outbound.EmbeddingProvider.
func (p *Provider) ModelID() string { return ModelIDValue }

// Embed implements outbound.EmbeddingProvider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	return p.embed(text), nil
}

// EmbedBatch implements outbound.EmbeddingProvider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embed(t)
	}
	return out, nil
}

// embed tokenizes text on whitespace and punctuation, hashes each token
// (and, for a little local context, each adjacent token bigram) into a
// bucket in [0, dims), accumulates signed unit contributions per bucket
// (the sign itself derived from a second hash, to reduce systematic bias
// toward positive values), and L2-normalizes the result. This is the
// standard "hashing trick" used by lightweight text classifiers; it is not
// a learned embedding, but it is deterministic, cheap, and close enough in
// cosine space for lexically similar tool descriptions to cluster.
func (p *Provider) embed(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		addToken(vec, tok)
		if i > 0 {
			addToken(vec, tokens[i-1]+"_"+tok)
		}
	}
	normalize(vec)
	return vec
}

func addToken(vec []float32, tok string) {
	h := xxhash.Sum64String(tok)
	bucket := int(h % uint64(len(vec)))
	signHash := xxhash.Sum64String("sign:" + tok)
	if signHash%2 == 0 {
		vec[bucket] += 1
	} else {
		vec[bucket] -= 1
	}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

var _ outbound.EmbeddingProvider = (*Provider)(nil)
