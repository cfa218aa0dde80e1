package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/domain/finder"
	"github.com/mcpagg/mcpagg/internal/domain/gate"
	"github.com/mcpagg/mcpagg/internal/domain/profile"
	"github.com/mcpagg/mcpagg/internal/errs"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
	"github.com/mcpagg/mcpagg/internal/service/connectionmanager"
)

// stubEmbedder returns a fixed-dimension deterministic vector derived from
// the text's length, just enough to exercise embedding plumbing without a
// real model.
type stubEmbedder struct{ dims int }

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dims)
	if s.dims > 0 {
		v[0] = float32(len(text))
	}
	return v, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dims }
func (s *stubEmbedder) ModelID() string { return "stub:test" }

var _ outbound.EmbeddingProvider = (*stubEmbedder)(nil)

// scriptedTransport replies to "initialize" with {} and to "tools/list"
// with a fixed tool set; any other method echoes an empty object.
type scriptedTransport struct {
	incoming chan []byte
	tools    []byte
}

func newScriptedTransport(tools []byte) *scriptedTransport {
	return &scriptedTransport{incoming: make(chan []byte, 4), tools: tools}
}

func (s *scriptedTransport) Open(_ context.Context) error { return nil }

func (s *scriptedTransport) Send(_ context.Context, frame []byte) error {
	var req struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	var result json.RawMessage
	switch req.Method {
	case "tools/list":
		result = s.tools
	default:
		result = json.RawMessage(`{}`)
	}
	resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	s.incoming <- resp
	return nil
}

func (s *scriptedTransport) Incoming() <-chan []byte { return s.incoming }
func (s *scriptedTransport) Err() error              { return nil }
func (s *scriptedTransport) Close() error            { return nil }

var _ outbound.Transport = (*scriptedTransport)(nil)

func newTestOrchestrator(t *testing.T, tools []byte) (*Orchestrator, *capability.Index) {
	t.Helper()
	prof := profile.New([]string{"svc"}, map[string]profile.Downstream{
		"svc": {Process: &profile.Process{Command: "echo"}},
	})
	if err := prof.Validate(); err != nil {
		t.Fatalf("profile.Validate() error = %v", err)
	}

	index := capability.New(memStore{}, nil)
	embedder := &stubEmbedder{dims: 4}
	g, err := gate.New(context.Background(), embedder, gate.DefaultMutatingTags, gate.WithThreshold(2.0))
	if err != nil {
		t.Fatalf("gate.New() error = %v", err)
	}

	tr := newScriptedTransport(tools)
	conns := connectionmanager.New(func(string) (outbound.Transport, error) { return tr, nil }, nil)

	orch := New(prof, index, g, conns, embedder, slog.Default())
	return orch, index
}

type memStore struct{}

func (memStore) Load(_ context.Context) (*capability.Snapshot, error) { return nil, nil }
func (memStore) Save(_ context.Context, _ *capability.Snapshot) error { return nil }

// newTestOrchestratorLowThreshold builds an orchestrator whose gate flags
// every tool as requiring confirmation, to exercise the elicit/approve path.
func newTestOrchestratorLowThreshold(t *testing.T, tools []byte) (*Orchestrator, *capability.Index) {
	t.Helper()
	prof := profile.New([]string{"svc"}, map[string]profile.Downstream{
		"svc": {Process: &profile.Process{Command: "echo"}},
	})
	if err := prof.Validate(); err != nil {
		t.Fatalf("profile.Validate() error = %v", err)
	}

	index := capability.New(memStore{}, nil)
	embedder := &stubEmbedder{dims: 4}
	g, err := gate.New(context.Background(), embedder, gate.DefaultMutatingTags, gate.WithThreshold(-1))
	if err != nil {
		t.Fatalf("gate.New() error = %v", err)
	}

	tr := newScriptedTransport(tools)
	conns := connectionmanager.New(func(string) (outbound.Transport, error) { return tr, nil }, nil)

	orch := New(prof, index, g, conns, embedder, slog.Default())
	return orch, index
}

func TestOrchestrator_InitializeRespondsWithStaticTools(t *testing.T) {
	toolsJSON, _ := json.Marshal(map[string]any{"tools": []map[string]any{
		{"name": "ping", "description": "pings", "inputSchema": map[string]any{}},
	}})
	orch, _ := newTestOrchestrator(t, toolsJSON)

	result := orch.Initialize(context.Background(), ClientInfo{Name: "test-client", Version: "1.0"})
	if len(result.Tools) != 2 {
		t.Fatalf("expected 2 static tools, got %d", len(result.Tools))
	}
}

func TestOrchestrator_ReconcileIndexesDownstreamTools(t *testing.T) {
	toolsJSON, _ := json.Marshal(map[string]any{"tools": []map[string]any{
		{"name": "ping", "description": "pings a host", "inputSchema": map[string]any{}},
	}})
	orch, index := newTestOrchestrator(t, toolsJSON)

	orch.Reconcile(context.Background())

	snap := index.Snapshot()
	if _, ok := snap.Tools["svc:ping"]; !ok {
		t.Fatalf("expected svc:ping indexed, got tools: %v", snap.Tools)
	}
}

func TestOrchestrator_RunRejectsMalformedToolID(t *testing.T) {
	orch, _ := newTestOrchestrator(t, []byte(`{"tools":[]}`))
	_, _, err := orch.Run(context.Background(), "not-a-valid-id", nil, nil, false)
	if errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", errs.KindOf(err))
	}
}

func TestOrchestrator_RunRejectsUnknownDownstream(t *testing.T) {
	orch, _ := newTestOrchestrator(t, []byte(`{"tools":[]}`))
	_, _, err := orch.Run(context.Background(), "missing:tool", nil, nil, false)
	if errs.KindOf(err) != errs.NotFound {
		t.Fatalf("expected NotFound, got %v", errs.KindOf(err))
	}
}

func TestOrchestrator_RunForwardsMetaVerbatim(t *testing.T) {
	toolsJSON, _ := json.Marshal(map[string]any{"tools": []map[string]any{
		{"name": "ping", "description": "pings a host", "inputSchema": map[string]any{}},
	}})
	orch, _ := newTestOrchestrator(t, toolsJSON)
	orch.Reconcile(context.Background())

	meta := json.RawMessage(`{"trace_id":"abc123"}`)
	result, elicit, err := orch.Run(context.Background(), "svc:ping", json.RawMessage(`{}`), meta, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elicit != nil {
		t.Fatalf("unexpected elicitation: %+v", elicit)
	}
	if result == nil {
		t.Fatal("expected a result")
	}
}

func TestOrchestrator_RunApproveUnblocksToolAfterElicitation(t *testing.T) {
	toolsJSON, _ := json.Marshal(map[string]any{"tools": []map[string]any{
		{"name": "delete_all", "description": "deletes everything", "inputSchema": map[string]any{}},
	}})
	orch, _ := newTestOrchestratorLowThreshold(t, toolsJSON)
	orch.Reconcile(context.Background())

	result, elicit, err := orch.Run(context.Background(), "svc:delete_all", json.RawMessage(`{}`), nil, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elicit == nil {
		t.Fatal("expected elicitation on first run")
	}
	if result != nil {
		t.Fatalf("expected no result alongside an elicitation, got %+v", result)
	}

	result, elicit, err = orch.Run(context.Background(), "svc:delete_all", json.RawMessage(`{}`), nil, true)
	if err != nil {
		t.Fatalf("Run() with approve=true error = %v", err)
	}
	if elicit != nil {
		t.Fatalf("expected approve=true to bypass the gate, got elicitation %+v", elicit)
	}
	if result == nil {
		t.Fatal("expected a forwarded result after approval")
	}
}

func TestOrchestrator_FindReturnsWellFormedPageDuringIndexing(t *testing.T) {
	orch, _ := newTestOrchestrator(t, []byte(`{"tools":[]}`))
	orch.setProgress(true, "indexed 0/1 downstreams")

	page, err := orch.Find(context.Background(), finder.Query{Text: "anything", Page: 1, Limit: 10, Depth: 1})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if page.IndexingProgress == "" {
		t.Fatal("expected non-empty indexing-progress metadata")
	}
}

func TestSplitTool(t *testing.T) {
	cases := []struct {
		in         string
		wantDs     string
		wantLocal  string
		wantErr    bool
	}{
		{"svc:ping", "svc", "ping", false},
		{"svc:nested:path", "svc", "nested:path", false},
		{"noColon", "", "", true},
		{":ping", "", "", true},
		{"svc:", "", "", true},
	}
	for _, c := range cases {
		ds, local, err := splitTool(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("splitTool(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitTool(%q): unexpected error %v", c.in, err)
			continue
		}
		if ds != c.wantDs || local != c.wantLocal {
			t.Errorf("splitTool(%q) = (%q, %q), want (%q, %q)", c.in, ds, local, c.wantDs, c.wantLocal)
		}
	}
}
