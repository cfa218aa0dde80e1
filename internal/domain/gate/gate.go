// Package gate implements the Confirmation Gate (spec §4.6): an advisory
// classifier that flags potentially mutating tool invocations for upstream
// confirmation before the orchestrator forwards them downstream.
package gate

import (
	"context"
	"strings"
	"sync"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

// DefaultThreshold is the similarity threshold above which a tool is
// classified as requires-confirmation, per spec §4.6.
const DefaultThreshold = 0.40

// DefaultMutatingTags are the hyphenated tag phrases the pattern-vector is
// built from at startup (spec §4.6: "a space-separated list of hyphenated
// tags"). Operators may override this list via config.
var DefaultMutatingTags = []string{
	"write-to-disk",
	"delete-files",
	"http-post-requests",
	"execute-shell-commands",
	"modify-database",
	"send-email",
	"create-resource",
	"update-resource",
	"delete-resource",
}

// Decision is the result of classifying a run invocation.
type Decision struct {
	RequiresConfirmation bool
	Similarity           float32
}

// Gate classifies run invocations against a pattern-vector computed once at
// startup, consulting a per-session and a persisted approved-set.
//
// Concurrency: patternVector is written once at construction and never
// mutated afterward, so Classify needs no lock around it; the approved-set
// is guarded by its own mutex since it grows during the server's lifetime.
type Gate struct {
	enabled       bool
	threshold     float32
	patternVector []float32

	mu               sync.RWMutex
	sessionApproved  map[string]struct{}
	persistApprovals bool
	store            ApprovedStore
}

// ApprovedStore persists the approved-set across restarts (SPEC_FULL §3's
// resolution of the approved-set-persistence open question: profile-scoped
// persistence alongside the in-memory session scope).
type ApprovedStore interface {
	Load(ctx context.Context) (map[string]struct{}, error)
	Save(ctx context.Context, approved map[string]struct{}) error
}

// Option configures a Gate at construction.
type Option func(*Gate)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float32) Option {
	return func(g *Gate) { g.threshold = t }
}

// WithDisabled disables the gate globally (spec §4.6: "the gate can be
// globally disabled").
func WithDisabled() Option {
	return func(g *Gate) { g.enabled = false }
}

// WithPersistentApprovals enables writing approvals to store in addition to
// the in-memory session set.
func WithPersistentApprovals(store ApprovedStore) Option {
	return func(g *Gate) { g.persistApprovals = true; g.store = store }
}

// New builds a Gate, embedding mutatingTags (space-joined) once to form the
// pattern-vector. Pass nil mutatingTags to use DefaultMutatingTags.
func New(ctx context.Context, embedder outbound.EmbeddingProvider, mutatingTags []string, opts ...Option) (*Gate, error) {
	if mutatingTags == nil {
		mutatingTags = DefaultMutatingTags
	}
	vec, err := embedder.Embed(ctx, strings.Join(mutatingTags, " "))
	if err != nil {
		return nil, err
	}
	g := &Gate{
		enabled:         true,
		threshold:       DefaultThreshold,
		patternVector:   vec,
		sessionApproved: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.persistApprovals && g.store != nil {
		if approved, err := g.store.Load(ctx); err == nil {
			for name := range approved {
				g.sessionApproved[name] = struct{}{}
			}
		}
	}
	return g, nil
}

// Classify decides whether invoking the given tool record requires upstream
// confirmation. A disabled gate, or a tool already in the approved-set,
// never requires confirmation regardless of similarity — the gate never
// suppresses a call outright, it only asks whether to proceed (spec §4.6
// invariant).
func (g *Gate) Classify(rec capability.ToolRecord) Decision {
	if !g.enabled {
		return Decision{RequiresConfirmation: false}
	}
	sim := capability.CosineSimilarity(rec.Embedding, g.patternVector)
	if sim < g.threshold {
		return Decision{RequiresConfirmation: false, Similarity: sim}
	}
	if g.isApproved(rec.DisplayName) {
		return Decision{RequiresConfirmation: false, Similarity: sim}
	}
	return Decision{RequiresConfirmation: true, Similarity: sim}
}

func (g *Gate) isApproved(displayName string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.sessionApproved[displayName]
	return ok
}

// Approve adds displayName to the approved-set for the remainder of the
// session, and — when persistent approvals are enabled — writes it through
// to the backing store so it survives a restart.
func (g *Gate) Approve(ctx context.Context, displayName string) error {
	g.mu.Lock()
	g.sessionApproved[displayName] = struct{}{}
	snapshot := make(map[string]struct{}, len(g.sessionApproved))
	for k := range g.sessionApproved {
		snapshot[k] = struct{}{}
	}
	g.mu.Unlock()

	if g.persistApprovals && g.store != nil {
		return g.store.Save(ctx, snapshot)
	}
	return nil
}

// Enabled reports whether the gate is currently active.
func (g *Gate) Enabled() bool { return g.enabled }
