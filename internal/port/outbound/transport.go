package outbound

import (
	"context"
	"io"
)

// Transport is the outbound port for a downstream MCP connection (spec
// §4.1, C1): stdio, HTTP, or SSE variants all implement the same four
// operations. Framing (LF-delimited JSON-RPC) is the adapter's
// responsibility; the Connection Manager layered on top only deals in
// whole frames. Grounded on the teacher's outbound.MCPClient port, widened
// from (stdin, stdout) pipes to an explicit Send/Incoming pair so a single
// Transport can multiplex concurrent in-flight requests (needed because
// this aggregator, unlike the teacher's one-shot proxy, keeps one
// long-lived connection per downstream serving many concurrent callers).
type Transport interface {
	// Open establishes the connection: spawns the subprocess (stdio) or
	// prepares the HTTP/SSE client state. Failures are plain wrapped errors
	// with no errs kind attached; the Connection Manager reports a failed
	// Open to its callers as Unavailable.
	Open(ctx context.Context) error

	// Send writes one JSON-RPC frame (request or notification) to the
	// connection.
	Send(ctx context.Context, frame []byte) error

	// Incoming returns a channel of received JSON-RPC frames (responses and
	// unsolicited server notifications). The channel is closed when the
	// connection terminates; a final error, if any, is available from Err.
	Incoming() <-chan []byte

	// Err returns the terminal error that caused Incoming to close, or nil
	// on a clean close.
	Err() error

	// Close tears down the connection: SIGTERM→wait→SIGKILL for stdio,
	// closing idle connections for HTTP/SSE.
	Close() error
}

// StderrSink receives a downstream subprocess's raw stderr bytes for
// diagnostic logging. Transports that have no subprocess (HTTP, SSE) never
// call it.
type StderrSink interface {
	io.Writer
}
