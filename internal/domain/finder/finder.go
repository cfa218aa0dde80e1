// Package finder implements the Semantic Finder (spec §4.5): it turns a
// free-text (optionally multi-intent) query into a ranked, paginated page
// of tool candidates drawn from the Capability Index.
package finder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

// DefaultConfidenceThreshold is applied when a query omits one (SPEC_FULL
// §3's resolution of spec.md's boost/penalty open question).
const DefaultConfidenceThreshold = 0.15

// categoryDampening is the multiplicative penalty applied to the 4th-and-later
// result within the same coarse category, fixed per SPEC_FULL §3.
const categoryDampening = 0.6

// Query is the input to Find (spec §4.5).
type Query struct {
	Text                string
	Page                int
	Limit               int
	Depth               int
	ConfidenceThreshold float32
}

// Hit is a single ranked candidate.
type Hit struct {
	DisplayName string          `json:"display_name"`
	Description string          `json:"description"`
	Score       float32         `json:"score"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Page is the paginated result returned to the caller.
type Page struct {
	Hits             []Hit  `json:"hits"`
	Page             int    `json:"page"`
	Limit            int    `json:"limit"`
	Total            int    `json:"total"`
	IndexingProgress string `json:"indexing_progress,omitempty"`
}

// IndexReader is the subset of capability.Index the finder needs; declared
// here (consumer side) so the finder can be tested against a fake without
// depending on capability.Index's full concrete surface.
type IndexReader interface {
	Search(queryVector []float32, k int, filter capability.SearchFilter) []capability.SearchResult
}

// ProgressReader reports human-readable reconciliation progress, surfaced
// in Page.IndexingProgress while a startup or reconcile sweep is still
// running (spec §4.5 edge case: never a terminal "no tools found" error
// during startup).
type ProgressReader interface {
	Progress() (inProgress bool, detail string)
}

// Finder implements the Semantic Finder algorithm.
type Finder struct {
	index    IndexReader
	embedder outbound.EmbeddingProvider
	progress ProgressReader
}

// New constructs a Finder.
func New(index IndexReader, embedder outbound.EmbeddingProvider, progress ProgressReader) *Finder {
	return &Finder{index: index, embedder: embedder, progress: progress}
}

// Find runs the multi-intent search-merge-dampen-paginate algorithm from
// spec §4.5.
func (f *Finder) Find(ctx context.Context, q Query) (Page, error) {
	page := q.Page
	if page < 1 {
		return Page{}, fmt.Errorf("finder: page must be >= 1")
	}
	limit := q.Limit
	if limit < 1 || limit > 100 {
		return Page{}, fmt.Errorf("finder: limit must be in [1, 100]")
	}
	depth := q.Depth
	if depth != 1 && depth != 2 {
		depth = 1
	}
	threshold := q.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	subQueries := splitIntents(q.Text)

	merged := make(map[string]capability.SearchResult)
	for _, sub := range subQueries {
		vec, err := f.embedder.Embed(ctx, sub)
		if err != nil {
			return Page{}, fmt.Errorf("finder: embed query %q: %w", sub, err)
		}
		// k<0 requests the full ranked set so threshold filtering and
		// cross-subquery merge see every candidate above zero score.
		results := f.index.Search(vec, -1, capability.SearchFilter{})
		for _, r := range results {
			if r.Score < threshold {
				continue
			}
			if existing, ok := merged[r.Record.DisplayName]; !ok || r.Score > existing.Score {
				merged[r.Record.DisplayName] = r
			}
		}
	}

	all := make([]capability.SearchResult, 0, len(merged))
	for _, r := range merged {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Record.DisplayName < all[j].Record.DisplayName
	})

	dampenByCategory(all)

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].Record.DisplayName < all[j].Record.DisplayName
	})

	total := len(all)
	start := (page - 1) * limit
	var windowed []capability.SearchResult
	if start < total {
		end := start + limit
		if end > total {
			end = total
		}
		windowed = all[start:end]
	}

	hits := make([]Hit, 0, len(windowed))
	for _, r := range windowed {
		h := Hit{DisplayName: r.Record.DisplayName, Description: oneLine(r.Record.Description), Score: r.Score}
		if depth == 2 {
			h.InputSchema = r.Record.InputSchema
		}
		hits = append(hits, h)
	}

	out := Page{Hits: hits, Page: page, Limit: limit, Total: total}
	if f.progress != nil {
		if inProgress, detail := f.progress.Progress(); inProgress {
			out.IndexingProgress = detail
		}
	}
	return out, nil
}

// splitIntents splits on "|" and trims; an empty query (after trim) is
// treated as enumerate-all via a single empty sub-query.
func splitIntents(text string) []string {
	parts := strings.Split(text, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	if len(out) == 0 {
		out = []string{""}
	}
	return out
}

// category derives a coarse grouping key from a tool's display-name prefix
// (the part before the downstream/local separator) or, if present, its
// first tag — per spec §4.5's "derived from display-name prefix or tag".
func category(r capability.SearchResult) string {
	if len(r.Record.Tags) > 0 {
		return r.Record.Tags[0]
	}
	if idx := strings.IndexByte(r.Record.DisplayName, ':'); idx >= 0 {
		return r.Record.DisplayName[:idx]
	}
	return r.Record.DisplayName
}

// dampenByCategory multiplies the score of the 4th-and-later result within
// a repeated category by categoryDampening, operating on results already
// sorted by descending score (spec §4.5 step 4).
func dampenByCategory(results []capability.SearchResult) {
	counts := make(map[string]int)
	for i := range results {
		cat := category(results[i])
		counts[cat]++
		if counts[cat] > 3 {
			results[i].Score *= categoryDampening
		}
	}
}

// oneLine collapses a multi-line description to its first non-empty line,
// for depth=1 responses (spec §4.5 step 6).
func oneLine(desc string) string {
	for _, line := range strings.Split(desc, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
