// Package orchestrator implements the Orchestrator (spec §4.7, C7): the
// top-level coordinator between the Protocol Server and the Capability
// Index, Finder, Gate, and Connection Manager. It answers the upstream's
// `initialize` synchronously, drives background reconciliation, and serves
// `find`/`run`.
//
// Grounded on the teacher's ToolDiscoveryService (per-upstream tools/list
// request/parse loop) and ProxyService (routing a call through to a single
// upstream and forwarding its response verbatim), generalized from
// "single upstream, request dispatched by caller-picked id" into "fan out
// across every changed downstream with bounded parallelism, indexed by
// display name".
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/domain/finder"
	"github.com/mcpagg/mcpagg/internal/domain/gate"
	"github.com/mcpagg/mcpagg/internal/domain/profile"
	"github.com/mcpagg/mcpagg/internal/errs"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
	"github.com/mcpagg/mcpagg/internal/service/connectionmanager"
)

// DefaultReconcileParallelism bounds concurrent downstream probes during
// reconciliation (spec §4.7).
const DefaultReconcileParallelism = 4

// DefaultCallTimeout is the per-call deadline applied to a `run` forwarded
// to a downstream, unless overridden per downstream in the profile (spec
// §4.7).
const DefaultCallTimeout = 60 * time.Second

// ClientInfo is the upstream's advertised {name, version}, captured once at
// `initialize` and propagated verbatim to every downstream's own
// `initialize` call (spec §4.7 protocol-transparency invariant).
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolAdvertisement describes one of the two tools this aggregator exposes
// to its upstream ({find, run}).
type ToolAdvertisement struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// InitializeResult is the synchronous reply to the upstream's `initialize`
// (spec §4.7: "respond within 50ms").
type InitializeResult struct {
	ServerInfo ClientInfo          `json:"serverInfo"`
	Tools      []ToolAdvertisement `json:"tools"`
}

// RunResult is the downstream's response propagated verbatim (spec §4.7
// invariant: "content, isError" unchanged).
type RunResult struct {
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"isError,omitempty"`
}

// ElicitResult is returned instead of forwarding the call when the
// Confirmation Gate intercepts a mutating invocation (spec §4.6/§4.7).
type ElicitResult struct {
	DisplayName string  `json:"display_name"`
	Similarity  float32 `json:"similarity"`
}

var findSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "page": {"type": "integer", "minimum": 1},
    "limit": {"type": "integer", "minimum": 1, "maximum": 100},
    "depth": {"type": "integer", "enum": [1, 2]},
    "confidence_threshold": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["query"]
}`)

var runSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "tool": {"type": "string", "description": "\"<downstream>:<local-tool>\""},
    "arguments": {"type": "object"}
  },
  "required": ["tool"]
}`)

// StaticTools is the fixed {find, run} advertisement served by `initialize`
// and `tools/list` (spec §4.8).
var StaticTools = []ToolAdvertisement{
	{Name: "find", Description: "Search indexed downstream tools by natural-language query.", InputSchema: findSchema},
	{Name: "run", Description: "Invoke a downstream tool identified as \"<downstream>:<local-tool>\".", InputSchema: runSchema},
}

// Orchestrator is the Orchestrator (C7).
type Orchestrator struct {
	prof     *profile.Profile
	index    *capability.Index
	finder   *finder.Finder
	gate     *gate.Gate
	conns    *connectionmanager.Manager
	embedder outbound.EmbeddingProvider
	logger   *slog.Logger

	parallelism int

	mu         sync.RWMutex
	clientInfo ClientInfo

	progressMu sync.RWMutex
	progress   bool
	detail     string
}

// New builds an Orchestrator wiring together the already-constructed
// Capability Index, Gate, and Connection Manager. The Finder is built
// internally since it needs the Orchestrator itself as its indexing-progress
// source (spec §4.5 "indexing-progress" metadata).
func New(prof *profile.Profile, index *capability.Index, g *gate.Gate, conns *connectionmanager.Manager, embedder outbound.EmbeddingProvider, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		prof:        prof,
		index:       index,
		gate:        g,
		conns:       conns,
		embedder:    embedder,
		logger:      logger,
		parallelism: DefaultReconcileParallelism,
	}
	o.finder = finder.New(index, embedder, o)
	return o
}

// SetParallelism overrides DefaultReconcileParallelism for Reconcile's
// fan-out, letting callers size it from configuration. Values below 1 are
// ignored.
func (o *Orchestrator) SetParallelism(n int) {
	if n < 1 {
		return
	}
	o.parallelism = n
}

// Progress implements finder.ProgressReader.
func (o *Orchestrator) Progress() (inProgress bool, detail string) {
	o.progressMu.RLock()
	defer o.progressMu.RUnlock()
	return o.progress, o.detail
}

func (o *Orchestrator) setProgress(inProgress bool, detail string) {
	o.progressMu.Lock()
	o.progress = inProgress
	o.detail = detail
	o.progressMu.Unlock()
}

// Initialize captures the upstream's clientInfo, replies synchronously with
// the static tool advertisement, and starts reconciliation in the
// background (spec §4.7 initialization contract).
func (o *Orchestrator) Initialize(ctx context.Context, client ClientInfo) InitializeResult {
	o.mu.Lock()
	o.clientInfo = client
	o.mu.Unlock()

	go o.Reconcile(context.Background())

	return InitializeResult{
		ServerInfo: ClientInfo{Name: "mcpagg", Version: "1.0.0"},
		Tools:      StaticTools,
	}
}

func (o *Orchestrator) currentClientInfo() ClientInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.clientInfo
}

// Reconcile loads the persisted index (if its profile/model stamp still
// applies), diffs the live profile against it, and fans out to every
// added/changed downstream with bounded parallelism (spec §4.7).
func (o *Orchestrator) Reconcile(ctx context.Context) {
	o.setProgress(true, "loading cached index")

	o.index.Load(ctx, o.prof.Hash(), o.embedder.ModelID())
	o.index.SetProfileMeta(o.prof.Hash(), o.embedder.ModelID())

	plan := o.index.Reconcile(o.prof)
	for _, name := range plan.Removed {
		o.index.RemoveDownstream(name)
	}

	toProbe := append(append([]string{}, plan.Added...), plan.Changed...)
	if len(toProbe) == 0 {
		o.setProgress(false, "")
		if err := o.index.Save(ctx); err != nil && o.logger != nil {
			o.logger.Warn("orchestrator: save index", "error", err)
		}
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallelism)
	var done int32
	total := int32(len(toProbe))

	for _, name := range toProbe {
		name := name
		g.Go(func() error {
			o.probeDownstream(gCtx, name)
			n := atomic.AddInt32(&done, 1)
			o.setProgress(true, fmt.Sprintf("indexed %d/%d downstreams", n, total))
			return nil
		})
	}
	_ = g.Wait() // probeDownstream never returns an error; failures are recorded per-downstream.

	o.setProgress(false, "")
	if err := o.index.Save(ctx); err != nil && o.logger != nil {
		o.logger.Warn("orchestrator: save index", "error", err)
	}
}

// probeDownstream acquires a connection, initializes and lists tools, embeds
// their descriptions, and patches the index — or records a failure without
// evicting previously indexed records for this downstream (spec §4.4
// mark-failed, §4.7 reconcile step).
func (o *Orchestrator) probeDownstream(ctx context.Context, name string) {
	d := o.prof.Downstreams[name]
	hash := profile.DownstreamHash(name, d)

	if err := o.conns.Acquire(ctx, name); err != nil {
		o.recordFailure(name, err)
		return
	}

	client := o.currentClientInfo()
	initParams, _ := json.Marshal(map[string]any{"clientInfo": client})
	if _, err := o.conns.Call(ctx, name, "initialize", initParams, DefaultCallTimeout); err != nil {
		o.recordFailure(name, err)
		return
	}

	raw, err := o.conns.Call(ctx, name, "tools/list", nil, DefaultCallTimeout)
	if err != nil {
		o.recordFailure(name, err)
		return
	}

	var parsed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		o.recordFailure(name, fmt.Errorf("parse tools/list: %w", err))
		return
	}

	descriptions := make([]string, len(parsed.Tools))
	for i, t := range parsed.Tools {
		descriptions[i] = t.Description
	}
	var embeddings [][]float32
	if len(descriptions) > 0 {
		embeddings, err = o.embedder.EmbedBatch(ctx, descriptions)
		if err != nil {
			o.recordFailure(name, fmt.Errorf("embed descriptions: %w", err))
			return
		}
	}

	now := time.Now()
	records := make([]capability.ToolRecord, len(parsed.Tools))
	for i, t := range parsed.Tools {
		records[i] = capability.ToolRecord{
			DownstreamName: name,
			LocalToolName:  t.Name,
			DisplayName:    capability.NewDisplayName(name, t.Name),
			Description:    t.Description,
			InputSchema:    t.InputSchema,
			Embedding:      embeddings[i],
			LastSeenAt:     now,
		}
	}
	o.index.Patch(name, hash, records)
}

func (o *Orchestrator) recordFailure(name string, cause error) {
	backoff := connectionmanager.DefaultBackoffInitial
	retryAfter := time.Now().Add(backoff)
	o.index.MarkFailed(name, cause, retryAfter)
	if o.logger != nil {
		o.logger.Warn("orchestrator: downstream probe failed", "downstream", name, "error", cause)
	}
}

// Find serves a `find` request (spec §4.5/§4.7): always returns a
// well-formed page, surfacing indexing progress rather than erroring while
// reconciliation is still running.
func (o *Orchestrator) Find(ctx context.Context, q finder.Query) (finder.Page, error) {
	return o.finder.Find(ctx, q)
}

// Run serves a `run` request (spec §4.7 run contract). approve, when true,
// re-invokes the Confirmation Gate's Approve for this tool before
// classifying it — the mechanism by which an upstream that received an
// elicitation on a prior `run` unblocks it (spec §4.6: "upstream may
// re-invoke with an approval token or add the tool to the approved-set").
func (o *Orchestrator) Run(ctx context.Context, tool string, arguments json.RawMessage, meta json.RawMessage, approve bool) (*RunResult, *ElicitResult, error) {
	downstreamName, localTool, err := splitTool(tool)
	if err != nil {
		e := errs.New(errs.InvalidArgument, "%s", err.Error())
		if tool == "" {
			e = e.WithPayload(map[string]any{"required_parameters": []string{"tool"}})
		}
		return nil, nil, e
	}

	d, ok := o.prof.Downstreams[downstreamName]
	if !ok {
		return nil, nil, errs.New(errs.NotFound, "downstream %q not configured", downstreamName)
	}

	displayName := capability.NewDisplayName(downstreamName, localTool)
	if approve {
		if err := o.gate.Approve(ctx, displayName); err != nil && o.logger != nil {
			o.logger.Warn("orchestrator: failed to persist gate approval", "tool", displayName, "error", err)
		}
	}
	if rec, found := o.lookupRecord(displayName); found {
		decision := o.gate.Classify(rec)
		if decision.RequiresConfirmation {
			return nil, &ElicitResult{DisplayName: displayName, Similarity: decision.Similarity}, nil
		}
	}

	if err := o.conns.Acquire(ctx, downstreamName); err != nil {
		return nil, nil, err
	}

	deadline := DefaultCallTimeout
	if d.CallTimeoutSeconds > 0 {
		deadline = time.Duration(d.CallTimeoutSeconds) * time.Second
	}

	params := struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
		Meta      json.RawMessage `json:"_meta,omitempty"`
	}{Name: localTool, Arguments: arguments, Meta: meta}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Fatal, err)
	}

	raw, err := o.conns.Call(ctx, downstreamName, "tools/call", payload, deadline)
	if err != nil {
		return nil, nil, err
	}

	var result RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &RunResult{Content: raw}, nil, nil
	}
	return &result, nil, nil
}

func (o *Orchestrator) lookupRecord(displayName string) (capability.ToolRecord, bool) {
	snap := o.index.Snapshot()
	rec, ok := snap.Tools[displayName]
	return rec, ok
}

// splitTool parses "<downstream>:<local-tool>" (spec §4.7 run contract).
func splitTool(tool string) (downstream, local string, err error) {
	idx := strings.IndexByte(tool, ':')
	if idx <= 0 || idx == len(tool)-1 {
		return "", "", fmt.Errorf("malformed tool identifier %q, want \"<downstream>:<local-tool>\"", tool)
	}
	return tool[:idx], tool[idx+1:], nil
}
