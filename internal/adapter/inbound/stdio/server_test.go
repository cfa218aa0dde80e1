package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/domain/gate"
	"github.com/mcpagg/mcpagg/internal/domain/profile"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
	"github.com/mcpagg/mcpagg/internal/service/connectionmanager"
	"github.com/mcpagg/mcpagg/internal/service/orchestrator"
)

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
		out[i], _ = s.Embed(ctx, t)
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dims }
func (s *stubEmbedder) ModelID() string { return "stub:test" }

var _ outbound.EmbeddingProvider = (*stubEmbedder)(nil)

type memStore struct{}

func (memStore) Load(_ context.Context) (*capability.Snapshot, error) { return nil, nil }
func (memStore) Save(_ context.Context, _ *capability.Snapshot) error { return nil }

// emptyTransport answers every call with an empty object result, enough to
// exercise initialize/tools-list dispatch without standing up a real
// downstream.
type emptyTransport struct{ incoming chan []byte }

func newEmptyTransport() *emptyTransport { return &emptyTransport{incoming: make(chan []byte, 4)} }

func (t *emptyTransport) Open(_ context.Context) error { return nil }
func (t *emptyTransport) Send(_ context.Context, frame []byte) error {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": json.RawMessage(`{"tools":[]}`)})
	t.incoming <- resp
	return nil
}
func (t *emptyTransport) Incoming() <-chan []byte { return t.incoming }
func (t *emptyTransport) Err() error              { return nil }
func (t *emptyTransport) Close() error            { return nil }

var _ outbound.Transport = (*emptyTransport)(nil)

func newTestServer(t *testing.T) *Server {
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
	conns := connectionmanager.New(func(string) (outbound.Transport, error) { return newEmptyTransport(), nil }, nil)

	orch := orchestrator.New(prof, index, g, conns, embedder, nil)
	return NewServer(orch, nil)
}

func writeLine(buf *bytes.Buffer, v map[string]any) {
	b, _ := json.Marshal(v)
	buf.Write(b)
	buf.WriteByte('\n')
}

func TestServer_InitializeRespondsWithStaticTools(t *testing.T) {
	s := newTestServer(t)
	var in, out bytes.Buffer
	writeLine(&in, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]any{"clientInfo": map[string]any{"name": "test", "version": "1.0"}}})

	if err := s.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp struct {
		Result struct {
			Tools []orchestrator.ToolAdvertisement `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, out=%s", err, out.String())
	}
	if len(resp.Result.Tools) != 2 {
		t.Fatalf("expected 2 static tools, got %d", len(resp.Result.Tools))
	}
}

func TestServer_ToolsListReturnsStaticTools(t *testing.T) {
	s := newTestServer(t)
	var in, out bytes.Buffer
	writeLine(&in, map[string]any{"jsonrpc": "2.0", "id": "abc", "method": "tools/list"})

	if err := s.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp struct {
		ID     string `json:"id"`
		Result struct {
			Tools []orchestrator.ToolAdvertisement `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ID != "abc" {
		t.Errorf("id = %q, want %q (id must round-trip byte-identical)", resp.ID, "abc")
	}
	if len(resp.Result.Tools) != 2 {
		t.Fatalf("expected 2 static tools, got %d", len(resp.Result.Tools))
	}
}

func TestServer_RunRejectsMalformedToolID(t *testing.T) {
	s := newTestServer(t)
	var in, out bytes.Buffer
	writeLine(&in, map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "tools/call",
		"params": map[string]any{"name": "run", "arguments": map[string]any{"tool": "not-valid"}},
	})

	if err := s.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp struct {
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v, out=%s", err, out.String())
	}
	if resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != -32602 {
		t.Errorf("code = %d, want -32602", resp.Error.Code)
	}
}

func TestServer_UnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	var in, out bytes.Buffer
	writeLine(&in, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "nonexistent/method"})

	if err := s.Serve(context.Background(), &in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected -32601 method-not-found, got %+v", resp.Error)
	}
}

func TestServer_BlankLinesAreIgnored(t *testing.T) {
	s := newTestServer(t)
	in := strings.NewReader("\n\n")
	var out bytes.Buffer

	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output for blank input, got %q", out.String())
	}
}
