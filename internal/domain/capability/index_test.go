package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpagg/mcpagg/internal/domain/profile"
)

type memStore struct {
	snap *Snapshot
	err  error
}

func (m *memStore) Load(_ context.Context) (*Snapshot, error) { return m.snap, m.err }
func (m *memStore) Save(_ context.Context, snap *Snapshot) error {
	m.snap = snap
	return nil
}

func TestIndex_PatchAddsRecordsAndClearsFailure(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.MarkFailed("svc", errors.New("boom"), time.Now())

	idx.Patch("svc", "hash1", []ToolRecord{
		{DownstreamName: "svc", LocalToolName: "do", DisplayName: "svc:do"},
	})

	snap := idx.Snapshot()
	if _, failed := snap.Failed["svc"]; failed {
		t.Error("expected failure entry cleared after successful patch")
	}
	if _, ok := snap.Tools["svc:do"]; !ok {
		t.Error("expected patched tool record present")
	}
	if snap.PerDownstreamHash["svc"] != "hash1" {
		t.Errorf("PerDownstreamHash[svc] = %q, want hash1", snap.PerDownstreamHash["svc"])
	}
}

func TestIndex_PatchReplacesPriorRecordsForSameDownstream(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("svc", "h1", []ToolRecord{{DownstreamName: "svc", DisplayName: "svc:old"}})
	idx.Patch("svc", "h2", []ToolRecord{{DownstreamName: "svc", DisplayName: "svc:new"}})

	snap := idx.Snapshot()
	if _, ok := snap.Tools["svc:old"]; ok {
		t.Error("stale record from prior patch should have been evicted")
	}
	if _, ok := snap.Tools["svc:new"]; !ok {
		t.Error("expected new record present")
	}
}

func TestIndex_MarkFailedPreservesExistingRecords(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("svc", "h1", []ToolRecord{{DownstreamName: "svc", DisplayName: "svc:do"}})
	idx.MarkFailed("svc", errors.New("unreachable"), time.Now().Add(time.Minute))

	snap := idx.Snapshot()
	if _, ok := snap.Tools["svc:do"]; !ok {
		t.Error("MarkFailed must not evict previously indexed records")
	}
	if snap.Failed["svc"].LastError != "unreachable" {
		t.Errorf("LastError = %q, want %q", snap.Failed["svc"].LastError, "unreachable")
	}
}

func TestIndex_RemoveDownstreamPurgesEverything(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("svc", "h1", []ToolRecord{{DownstreamName: "svc", DisplayName: "svc:do"}})
	idx.MarkFailed("other", errors.New("x"), time.Now())
	idx.RemoveDownstream("svc")

	snap := idx.Snapshot()
	if _, ok := snap.Tools["svc:do"]; ok {
		t.Error("expected svc's tool records purged")
	}
	if _, ok := snap.PerDownstreamHash["svc"]; ok {
		t.Error("expected svc's hash purged")
	}
}

func TestIndex_ReconcileDetectsAddedChangedRemoved(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("keep", profile.DownstreamHash("keep", profile.Downstream{Process: &profile.Process{Command: "a"}}), nil)
	idx.Patch("drop", "stale-hash", nil)
	idx.Patch("chg", "stale-hash", nil)

	prof := profile.New([]string{"keep", "add", "chg"}, map[string]profile.Downstream{
		"keep": {Process: &profile.Process{Command: "a"}},
		"add":  {Process: &profile.Process{Command: "b"}},
		"chg":  {Process: &profile.Process{Command: "c"}},
	})

	plan := idx.Reconcile(prof)
	if len(plan.Added) != 1 || plan.Added[0] != "add" {
		t.Errorf("Added = %v, want [add]", plan.Added)
	}
	if len(plan.Removed) != 1 || plan.Removed[0] != "drop" {
		t.Errorf("Removed = %v, want [drop]", plan.Removed)
	}
	if len(plan.Changed) != 1 || plan.Changed[0] != "chg" {
		t.Errorf("Changed = %v, want [chg]", plan.Changed)
	}
}

func TestIndex_LoadRejectsMismatchedProfileHash(t *testing.T) {
	store := &memStore{snap: &Snapshot{
		ProfileHash:       "old-hash",
		ModelID:           "model-a",
		PerDownstreamHash: map[string]string{},
		Tools:             map[string]ToolRecord{"svc:do": {}},
		Failed:            map[string]FailedDownstream{},
	}}
	idx := New(store, nil)

	ok, err := idx.Load(context.Background(), "new-hash", "model-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("expected Load to report cache miss on profile-hash mismatch")
	}
	if len(idx.Snapshot().Tools) != 0 {
		t.Error("expected empty snapshot installed on cache miss")
	}
}

func TestIndex_LoadRejectsMismatchedModelID(t *testing.T) {
	store := &memStore{snap: &Snapshot{
		ProfileHash:       "hash-a",
		ModelID:           "old-model",
		PerDownstreamHash: map[string]string{},
		Tools:             map[string]ToolRecord{},
		Failed:            map[string]FailedDownstream{},
	}}
	idx := New(store, nil)

	ok, err := idx.Load(context.Background(), "hash-a", "new-model")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Error("expected Load to report cache miss on model-id mismatch, discarding a cache from a different embedding model")
	}
}

func TestIndex_LoadAcceptsMatchingHashes(t *testing.T) {
	store := &memStore{snap: &Snapshot{
		ProfileHash:       "hash-a",
		ModelID:           "model-a",
		PerDownstreamHash: map[string]string{"svc": "h1"},
		Tools:             map[string]ToolRecord{"svc:do": {DisplayName: "svc:do"}},
		Failed:            map[string]FailedDownstream{},
	}}
	idx := New(store, nil)

	ok, err := idx.Load(context.Background(), "hash-a", "model-a")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatal("expected Load to report a cache hit")
	}
	if _, has := idx.Snapshot().Tools["svc:do"]; !has {
		t.Error("expected the persisted tool record to be visible after Load")
	}
}

func TestIndex_SaveSkipsWhenNotDirty(t *testing.T) {
	saved := 0
	store := &countingStore{onSave: func() { saved++ }}
	idx := New(store, nil)

	if err := idx.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved != 0 {
		t.Errorf("Save() invoked the store %d times on an untouched index, want 0", saved)
	}

	idx.Patch("svc", "h1", nil)
	if err := idx.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved != 1 {
		t.Errorf("Save() invoked the store %d times after one mutation, want 1", saved)
	}

	if err := idx.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if saved != 1 {
		t.Errorf("second consecutive Save() should be a no-op, store invoked %d times, want 1", saved)
	}
}

type countingStore struct {
	onSave func()
}

func (c *countingStore) Load(_ context.Context) (*Snapshot, error) { return nil, nil }
func (c *countingStore) Save(_ context.Context, _ *Snapshot) error {
	c.onSave()
	return nil
}

func TestCosineSimilarity_DegenerateZeroVectorYieldsZero(t *testing.T) {
	zero := make([]float32, 4)
	other := []float32{1, 2, 3, 4}

	if got := CosineSimilarity(zero, other); got != 0 {
		t.Errorf("CosineSimilarity(zero, other) = %v, want 0", got)
	}
	if got := CosineSimilarity(zero, zero); got != 0 {
		t.Errorf("CosineSimilarity(zero, zero) = %v, want 0", got)
	}
}

func TestCosineSimilarity_IdenticalVectorsYieldOne(t *testing.T) {
	v := []float32{1, 2, 3}
	got := CosineSimilarity(v, v)
	if got < 0.999 || got > 1.001 {
		t.Errorf("CosineSimilarity(v, v) = %v, want ~1.0", got)
	}
}

func TestIndex_SearchOrdersByScoreDescendingTieBrokenByName(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("svc", "h1", []ToolRecord{
		{DownstreamName: "svc", DisplayName: "svc:b", Embedding: []float32{1, 0}},
		{DownstreamName: "svc", DisplayName: "svc:a", Embedding: []float32{1, 0}},
		{DownstreamName: "svc", DisplayName: "svc:c", Embedding: []float32{0, 1}},
	})

	results := idx.Search([]float32{1, 0}, -1, SearchFilter{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Record.DisplayName != "svc:a" || results[1].Record.DisplayName != "svc:b" {
		t.Errorf("expected tie broken alphabetically: svc:a before svc:b, got %s then %s",
			results[0].Record.DisplayName, results[1].Record.DisplayName)
	}
	if results[2].Record.DisplayName != "svc:c" {
		t.Errorf("expected lowest-similarity result last, got %s", results[2].Record.DisplayName)
	}
}

func TestIndex_SearchExcludesFilteredDownstreams(t *testing.T) {
	idx := New(&memStore{}, nil)
	idx.Patch("keep", "h1", []ToolRecord{{DownstreamName: "keep", DisplayName: "keep:do", Embedding: []float32{1, 0}}})
	idx.Patch("drop", "h2", []ToolRecord{{DownstreamName: "drop", DisplayName: "drop:do", Embedding: []float32{1, 0}}})

	results := idx.Search([]float32{1, 0}, -1, SearchFilter{Exclude: map[string]struct{}{"drop": {}}})
	if len(results) != 1 || results[0].Record.DisplayName != "keep:do" {
		t.Errorf("expected only keep:do, got %+v", results)
	}
}
