// Package stdio provides the Protocol Server (spec §4.8, C8): a JSON-RPC
// server speaking LF-delimited frames over stdin/stdout to the upstream AI
// client, advertising the static {find, run} tool surface and dispatching
// initialize/tools-list/tools-call to the Orchestrator.
//
// Grounded on the teacher's ProxyService.copyMessages scan loop (bufio.Scanner
// over newline-delimited JSON-RPC, preserving raw bytes alongside the decoded
// form) and its CreateJSONRPCError helper, generalized from "pass messages
// through an interceptor chain" into "terminate the protocol here and
// dispatch to the Orchestrator" — this process is a server to its upstream,
// not a transparent proxy.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcpagg/mcpagg/internal/ctxkey"
	"github.com/mcpagg/mcpagg/internal/domain/finder"
	"github.com/mcpagg/mcpagg/internal/errs"
	"github.com/mcpagg/mcpagg/internal/service/orchestrator"
	mcpmsg "github.com/mcpagg/mcpagg/pkg/mcp"
)

// maxFrameBytes bounds a single JSON-RPC line; large enough for sizeable
// tool argument/result payloads without letting one frame exhaust memory.
const maxFrameBytes = 4 << 20

// Server is the Protocol Server (C8).
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewServer builds a Server dispatching to the given Orchestrator.
func NewServer(orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	return &Server{orch: orch, logger: logger}
}

// Serve reads LF-delimited JSON-RPC requests from in and writes responses to
// out until in is exhausted or ctx is cancelled. Any diagnostic logging
// happens through the Server's logger, never onto out — stderr (wherever
// the logger is pointed) must never carry protocol frames (spec §4.8).
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxFrameBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)

		msg, err := mcpmsg.WrapMessage(raw, mcpmsg.ClientToServer)
		if err != nil {
			s.logf("decode frame: %v", err)
			s.writeError(out, nil, -32700, "parse error", nil)
			continue
		}

		if !msg.IsRequest() {
			// Notifications and responses addressed to us (neither occurs
			// in this server's protocol subset) are silently dropped.
			continue
		}
		req := msg.Request()
		rawID := msg.RawID()

		reqCtx := s.withRequestContext(ctx, req.Method)
		if err := s.dispatch(reqCtx, out, rawID, req.Method, req.Params); err != nil {
			s.logf("dispatch %s: %v", req.Method, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio server: scan: %w", err)
	}
	return nil
}

// withRequestContext stamps ctx with a fresh correlation ID and a logger
// scoped to it, so downstream call logging (connectionmanager, orchestrator)
// can tie a chain of log lines back to the single upstream request that
// triggered them.
func (s *Server) withRequestContext(ctx context.Context, method string) context.Context {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, ctxkey.RequestIDKey{}, id)
	if s.logger != nil {
		ctx = context.WithValue(ctx, ctxkey.LoggerKey{}, s.logger.With("request_id", id, "method", method))
	}
	return ctx
}

func (s *Server) dispatch(ctx context.Context, out io.Writer, rawID json.RawMessage, method string, params json.RawMessage) error {
	switch method {
	case "initialize":
		return s.handleInitialize(ctx, out, rawID, params)
	case "tools/list":
		return s.handleToolsList(out, rawID)
	case "tools/call":
		return s.handleToolsCall(ctx, out, rawID, params)
	default:
		return s.writeError(out, rawID, -32601, fmt.Sprintf("method not found: %s", method), nil)
	}
}

func (s *Server) handleInitialize(ctx context.Context, out io.Writer, rawID json.RawMessage, params json.RawMessage) error {
	var parsed struct {
		ClientInfo orchestrator.ClientInfo `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &parsed); err != nil {
			return s.writeError(out, rawID, -32602, "invalid params", nil)
		}
	}
	result := s.orch.Initialize(ctx, parsed.ClientInfo)
	return s.writeResult(out, rawID, result)
}

func (s *Server) handleToolsList(out io.Writer, rawID json.RawMessage) error {
	return s.writeResult(out, rawID, struct {
		Tools []orchestrator.ToolAdvertisement `json:"tools"`
	}{Tools: orchestrator.StaticTools})
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, out io.Writer, rawID json.RawMessage, params json.RawMessage) error {
	var p toolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return s.writeError(out, rawID, -32602, "invalid params", nil)
	}

	switch p.Name {
	case "find":
		return s.callFind(ctx, out, rawID, p.Arguments)
	case "run":
		return s.callRun(ctx, out, rawID, p.Arguments, p.Meta)
	default:
		return s.writeError(out, rawID, -32602, fmt.Sprintf("unknown tool: %s", p.Name), nil)
	}
}

type findArguments struct {
	Query               string  `json:"query"`
	Page                int     `json:"page"`
	Limit               int     `json:"limit"`
	Depth               int     `json:"depth"`
	ConfidenceThreshold float32 `json:"confidence_threshold"`
}

func (s *Server) callFind(ctx context.Context, out io.Writer, rawID json.RawMessage, arguments json.RawMessage) error {
	var a findArguments
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &a); err != nil {
			return s.writeError(out, rawID, -32602, "invalid find arguments", nil)
		}
	}
	if a.Page == 0 {
		a.Page = 1
	}
	if a.Limit == 0 {
		a.Limit = 10
	}
	if a.Depth == 0 {
		a.Depth = 1
	}

	page, err := s.orch.Find(ctx, finder.Query{
		Text:                a.Query,
		Page:                a.Page,
		Limit:               a.Limit,
		Depth:               a.Depth,
		ConfidenceThreshold: a.ConfidenceThreshold,
	})
	if err != nil {
		return s.writeError(out, rawID, -32602, err.Error(), nil)
	}
	return s.writeResult(out, rawID, toolCallResult{Content: page})
}

type runArguments struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	// Approve re-invokes the Confirmation Gate's approval for Tool before
	// forwarding — how an upstream unblocks a call that previously came back
	// as an elicitation (spec §4.6).
	Approve bool `json:"approve,omitempty"`
}

func (s *Server) callRun(ctx context.Context, out io.Writer, rawID json.RawMessage, arguments json.RawMessage, meta json.RawMessage) error {
	var a runArguments
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &a); err != nil {
			return s.writeError(out, rawID, -32602, "invalid run arguments", nil)
		}
	}

	result, elicit, err := s.orch.Run(ctx, a.Tool, a.Arguments, meta, a.Approve)
	if err != nil {
		return s.writeError(out, rawID, jsonRPCErrorCode(err), errorMessage(err), errorData(err))
	}
	if elicit != nil {
		return s.writeResult(out, rawID, toolCallResult{Elicitation: elicit})
	}
	return s.writeResult(out, rawID, toolCallResult{Content: result.Content, IsError: result.IsError})
}

// toolCallResult is the JSON-RPC result envelope for a tools/call request:
// either an elicitation (confirmation required) or the forwarded downstream
// content, never both.
type toolCallResult struct {
	Content     any                        `json:"content,omitempty"`
	IsError     bool                       `json:"isError,omitempty"`
	Elicitation *orchestrator.ElicitResult `json:"elicitation,omitempty"`
}

// jsonRPCErrorCode maps the errs taxonomy onto JSON-RPC error codes,
// reserving the implementation-defined server-error range (-32000..-32099)
// for kinds without a standard JSON-RPC equivalent.
func jsonRPCErrorCode(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidArgument:
		return -32602
	case errs.NotFound:
		return -32001
	case errs.Unavailable:
		return -32002
	case errs.Timeout:
		return -32003
	case errs.Upstream:
		return -32004
	case errs.NeedsConfirmation:
		return -32005
	default:
		return -32000
	}
}

func errorMessage(err error) string {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// errorData builds the JSON-RPC error.data payload carrying the
// machine-readable hints spec §7 requires (`retry_after_seconds`,
// `required_parameters`) alongside any forwarded downstream payload. Returns
// nil when err carries none of these, so callers omit "data" entirely
// rather than writing an empty object.
func errorData(err error) map[string]any {
	var e *errs.Error
	if !errors.As(err, &e) {
		return nil
	}
	data := make(map[string]any)
	if e.RetryAfter > 0 {
		data["retry_after_seconds"] = e.RetryAfter
	}
	if e.Payload != nil {
		if fields, ok := e.Payload.(map[string]any); ok {
			for k, v := range fields {
				data[k] = v
			}
		} else {
			data["payload"] = e.Payload
		}
	}
	if len(data) == 0 {
		return nil
	}
	return data
}

func (s *Server) writeResult(out io.Writer, rawID json.RawMessage, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.writeFrame(out, map[string]any{"jsonrpc": "2.0", "id": rawID, "result": json.RawMessage(payload)})
}

func (s *Server) writeError(out io.Writer, rawID json.RawMessage, code int, message string, data map[string]any) error {
	errObj := map[string]any{"code": code, "message": message}
	if len(data) > 0 {
		errObj["data"] = data
	}
	return s.writeFrame(out, map[string]any{
		"jsonrpc": "2.0",
		"id":      rawID,
		"error":   errObj,
	})
}

func (s *Server) writeFrame(out io.Writer, envelope map[string]any) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if _, err := out.Write(b); err != nil {
		return err
	}
	_, err = out.Write([]byte("\n"))
	return err
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(fmt.Sprintf(format, args...))
	}
}
