package capability

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpagg/mcpagg/internal/domain/profile"
)

// Store is the outbound port for persisting a Snapshot (spec §4.4
// load/save). Adapters implement this against the CSV + metadata-blob
// layout described in spec §6.
type Store interface {
	// Load reads the persisted snapshot, or returns (nil, nil) if none
	// exists yet.
	Load(ctx context.Context) (*Snapshot, error)
	// Save persists the snapshot, using write-temp-then-rename for
	// atomicity. Implementations must skip the write entirely (without
	// error) when the serialized content is byte-identical to what was
	// last saved, per spec §4.4 and §8's save/patch idempotence property.
	Save(ctx context.Context, snap *Snapshot) error
}

// Index is the Capability Index (C4): the single-writer, many-reader
// in-memory store of ToolRecords backed by a Store for persistence.
//
// Concurrency model (spec §5): one mutex serializes writers
// (Patch/MarkFailed/RemoveDownstream/Save); each mutation builds the next
// immutable Snapshot and atomically swaps the reader-visible pointer, so
// concurrent Search/GetSnapshot calls never block on writers and always
// see a internally-consistent snapshot.
type Index struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[Snapshot]
	dirty   bool
	store   Store
	logger  *slog.Logger
}

// New creates an Index backed by store with an empty starting snapshot.
// Call Load to attempt to hydrate it from disk.
func New(store Store, logger *slog.Logger) *Index {
	idx := &Index{store: store, logger: logger}
	idx.current.Store(emptySnapshot())
	return idx
}

// Snapshot returns the currently visible immutable snapshot. Safe for
// concurrent use; never blocks on a writer.
func (idx *Index) Snapshot() *Snapshot {
	return idx.current.Load()
}

// Load reads the persisted snapshot and, per spec §4.4, validates that its
// profile-hash and model-identifier match the caller-supplied expectations.
// On any mismatch (or absence of a persisted snapshot) it installs an empty
// snapshot and returns ok=false, forcing a full rebuild — this is the
// "cache portability across hosts" guard from spec §9: a cache copied to a
// host with a different bundled embedding model is discarded, not misused.
func (idx *Index) Load(ctx context.Context, expectProfileHash, expectModelID string) (ok bool, err error) {
	snap, loadErr := idx.store.Load(ctx)
	if loadErr != nil {
		return false, loadErr
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if snap == nil || snap.ProfileHash != expectProfileHash || snap.ModelID != expectModelID {
		idx.current.Store(emptySnapshot())
		idx.dirty = false
		return false, nil
	}
	idx.current.Store(snap)
	idx.dirty = false
	return true, nil
}

// Reconcile computes the symmetric difference between prof and the
// currently-cached per-downstream hashes (spec §4.4 reconcile). It does not
// mutate the Index.
func (idx *Index) Reconcile(prof *profile.Profile) ReconcilePlan {
	snap := idx.Snapshot()
	var plan ReconcilePlan

	seen := make(map[string]struct{}, len(prof.Names))
	for _, name := range prof.Names {
		seen[name] = struct{}{}
		d := prof.Downstreams[name]
		newHash := profile.DownstreamHash(name, d)
		oldHash, existed := snap.PerDownstreamHash[name]
		switch {
		case !existed:
			plan.Added = append(plan.Added, name)
		case oldHash != newHash:
			plan.Changed = append(plan.Changed, name)
		}
	}
	for name := range snap.PerDownstreamHash {
		if _, ok := seen[name]; !ok {
			plan.Removed = append(plan.Removed, name)
		}
	}
	sort.Strings(plan.Added)
	sort.Strings(plan.Changed)
	sort.Strings(plan.Removed)
	return plan
}

// Patch atomically replaces all ToolRecords for one downstream (spec §4.4
// patch), records its new per-downstream hash, clears any prior failure
// entry for it (a successful patch supersedes a prior failure), logs a
// schema-drift warning for any record whose input schema changed shape
// (SPEC_FULL §3 resolution of the schema-drift Open Question), and marks
// the Index dirty.
func (idx *Index) Patch(downstreamName, downstreamHash string, records []ToolRecord) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.current.Load()
	next := prev.clone()

	for name, rec := range prev.Tools {
		if rec.DownstreamName == downstreamName {
			delete(next.Tools, name)
		}
	}
	for _, rec := range records {
		if old, existed := prev.Tools[rec.DisplayName]; existed && string(old.InputSchema) != string(rec.InputSchema) && idx.logger != nil {
			idx.logger.Warn("schema-drift: input schema changed for existing tool, replacing",
				"display_name", rec.DisplayName)
		}
		next.Tools[rec.DisplayName] = rec
	}
	next.PerDownstreamHash[downstreamName] = downstreamHash
	delete(next.Failed, downstreamName)

	idx.current.Store(next)
	idx.dirty = true
}

// MarkFailed records a downstream failure without evicting its previously
// indexed ToolRecords (spec §4.4 mark-failed).
func (idx *Index) MarkFailed(downstreamName string, cause error, retryAfter time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.current.Load()
	next := prev.clone()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	next.Failed[downstreamName] = FailedDownstream{
		Name:       downstreamName,
		LastError:  msg,
		RetryAfter: retryAfter,
	}
	idx.current.Store(next)
	idx.dirty = true
}

// RemoveDownstream purges a downstream's ToolRecords, per-downstream hash,
// and failure entry entirely — used when a downstream is dropped from the
// profile (spec §3 Snapshot invariant: "stale records are purged on save").
func (idx *Index) RemoveDownstream(downstreamName string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prev := idx.current.Load()
	next := prev.clone()
	for name, rec := range prev.Tools {
		if rec.DownstreamName == downstreamName {
			delete(next.Tools, name)
		}
	}
	delete(next.PerDownstreamHash, downstreamName)
	delete(next.Failed, downstreamName)
	idx.current.Store(next)
	idx.dirty = true
}

// SetProfileMeta stamps the snapshot with the profile hash and embedding
// model identifier currently in effect, so a subsequent process restart's
// Load call can validate cache applicability.
func (idx *Index) SetProfileMeta(profileHash, modelID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	prev := idx.current.Load()
	next := prev.clone()
	next.ProfileHash = profileHash
	next.ModelID = modelID
	idx.current.Store(next)
	idx.dirty = true
}

// Save writes the snapshot via the Store if and only if the Index is dirty,
// skipping the write entirely when untouched since the last save (spec
// §4.4: "skip if serialized content is byte-identical to last saved").
func (idx *Index) Save(ctx context.Context) error {
	idx.mu.Lock()
	if !idx.dirty {
		idx.mu.Unlock()
		return nil
	}
	snap := idx.current.Load()
	idx.mu.Unlock()

	if err := idx.store.Save(ctx, snap); err != nil {
		return err
	}

	idx.mu.Lock()
	idx.dirty = false
	idx.mu.Unlock()
	return nil
}

// SearchFilter restricts candidate ToolRecords during Search.
type SearchFilter struct {
	// Exclude lists downstream names whose records must never be returned
	// (the "removed" set from spec §4.4's search invariant).
	Exclude map[string]struct{}
}

// Search performs the linear cosine-similarity scan described in spec §4.4.
// Results are sorted by descending score, ties broken by DisplayName
// ascending, and truncated to k.
func (idx *Index) Search(queryVector []float32, k int, filter SearchFilter) []SearchResult {
	snap := idx.Snapshot()
	results := make([]SearchResult, 0, len(snap.Tools))
	for _, rec := range snap.Tools {
		if filter.Exclude != nil {
			if _, excluded := filter.Exclude[rec.DownstreamName]; excluded {
				continue
			}
		}
		results = append(results, SearchResult{Record: rec, Score: CosineSimilarity(queryVector, rec.Embedding)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.DisplayName < results[j].Record.DisplayName
	})
	if k >= 0 && k < len(results) {
		results = results[:k]
	}
	return results
}

// CosineSimilarity computes the cosine similarity of two vectors. A
// zero-length vector on either side (the "degenerate embedding" edge case
// from spec §8) yields 0 rather than NaN, so a tool with a zero embedding
// remains indexable without upsetting ranking.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
