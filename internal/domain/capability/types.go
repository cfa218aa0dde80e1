// Package capability implements the Capability Index (spec §3, §4.4): the
// persistent, versioned store of discovered tool fingerprints and their
// embeddings, with incremental per-downstream patching.
package capability

import (
	"encoding/json"
	"time"
)

// ToolRecord is spec's Tool-Record: {downstream-name, local-tool-name,
// display-name, description, input-schema, embedding-vector, tags,
// last-seen-at}. DisplayName ("<downstream>:<local>") is the primary key
// and is globally unique within a Snapshot.
type ToolRecord struct {
	DownstreamName string          `json:"downstream"`
	LocalToolName  string          `json:"local_name"`
	DisplayName    string          `json:"display_name"`
	Description    string          `json:"description"`
	InputSchema    json.RawMessage `json:"schema"`
	Embedding      []float32       `json:"-"` // stored base64 in the metadata blob, see indexstore
	Tags           []string        `json:"tags,omitempty"`
	LastSeenAt     time.Time       `json:"last_seen_at"`
}

// NewDisplayName builds the "<downstream>:<local>" display name. Treated as
// a flat key everywhere else (spec §9: "never parse it more than once per
// request").
func NewDisplayName(downstream, local string) string {
	return downstream + ":" + local
}

// FailedDownstream records a downstream that failed during reconciliation.
// Per spec §4.4, recording a failure never evicts that downstream's
// previously-indexed ToolRecords.
type FailedDownstream struct {
	Name       string    `json:"name"`
	LastError  string    `json:"last_error"`
	RetryAfter time.Time `json:"retry_after"`
}

// Snapshot is spec's Capability Index Snapshot: {profile-hash,
// per-downstream-hash map, set of Tool-Records, set of failed-downstream
// entries}. A Snapshot is immutable once built; readers share one without
// locking (single-writer, many-reader, spec §5).
type Snapshot struct {
	ProfileHash      string
	ModelID          string
	PerDownstreamHash map[string]string
	Tools            map[string]ToolRecord // keyed by DisplayName
	Failed           map[string]FailedDownstream
}

// emptySnapshot returns a valid, empty Snapshot — used whenever load() or
// reconcile() needs a zero-value starting point.
func emptySnapshot() *Snapshot {
	return &Snapshot{
		PerDownstreamHash: make(map[string]string),
		Tools:             make(map[string]ToolRecord),
		Failed:            make(map[string]FailedDownstream),
	}
}

// clone returns a deep-enough copy suitable for building the next immutable
// Snapshot from a mutation: top-level maps are copied, ToolRecord and
// FailedDownstream values are copied by value (their slice/map fields are
// never mutated in place after construction, only replaced wholesale).
func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		ProfileHash:       s.ProfileHash,
		ModelID:           s.ModelID,
		PerDownstreamHash: make(map[string]string, len(s.PerDownstreamHash)),
		Tools:             make(map[string]ToolRecord, len(s.Tools)),
		Failed:            make(map[string]FailedDownstream, len(s.Failed)),
	}
	for k, v := range s.PerDownstreamHash {
		out.PerDownstreamHash[k] = v
	}
	for k, v := range s.Tools {
		out.Tools[k] = v
	}
	for k, v := range s.Failed {
		out.Failed[k] = v
	}
	return out
}

// ReconcilePlan is the work plan returned by Index.Reconcile: the symmetric
// difference between a Profile and the currently-cached per-downstream
// hashes.
type ReconcilePlan struct {
	Added   []string
	Removed []string
	Changed []string
}

// IsEmpty reports whether the plan requires no work — i.e. the testable
// property "if hash(P) == S.profile_hash and all per-downstream hashes
// match, no re-indexing work is performed at startup" (spec §8).
func (p ReconcilePlan) IsEmpty() bool {
	return len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// SearchResult pairs a ToolRecord with its similarity score for ranking.
type SearchResult struct {
	Record ToolRecord
	Score  float32
}
