// Package connectionmanager implements the Connection Manager (spec §4.2,
// C2): lazy, at-most-one-per-name connection acquisition, request/reply
// correlation over a multiplexed Transport, health probing with
// exponential-backoff cooldown, and graceful shutdown.
//
// Grounded on the teacher's service.UpstreamManager (backoff/retry state
// machine, per-connection mutex, health-monitor goroutine) generalized from
// "one connection per upstream, reconnect forever" into "one connection per
// downstream name, with request/reply correlation and a bounded cooldown
// the caller can observe as Unavailable".
package connectionmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mcpagg/mcpagg/internal/errs"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

// Factory builds a Transport for a downstream name. The concrete type
// (stdio/http/sse) is chosen by the caller from the downstream's profile
// definition.
type Factory func(name string) (outbound.Transport, error)

const (
	// DefaultBackoffInitial is the cooldown duration after a downstream's
	// first consecutive health-probe failure run (spec §4.2).
	DefaultBackoffInitial = 10 * time.Second
	// DefaultBackoffCap is the maximum cooldown duration.
	DefaultBackoffCap = 10 * time.Minute
	// DefaultHealthFailureThreshold is the number of consecutive
	// health-probe failures before a connection is torn down and its
	// downstream enters cooldown.
	DefaultHealthFailureThreshold = 3
	// DefaultShutdownGrace is how long shutdown waits for in-flight calls
	// to drain before terminating connections outright.
	DefaultShutdownGrace = 2 * time.Second
	// DefaultTransientRetries is how many times a transient (timeout,
	// transport reset) call failure is retried before surfacing Upstream
	// (spec §4.9).
	DefaultTransientRetries = 2
	// DefaultTransientRetryBackoff is the small fixed delay between
	// transient-retry attempts, scaled linearly by attempt number.
	DefaultTransientRetryBackoff = 100 * time.Millisecond
)

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	raw json.RawMessage
	err *errs.Error
	// fromDownstream marks err as a structured JSON-RPC error object
	// returned by the downstream itself, as opposed to a transport-level
	// failure — the former is a deterministic application response and is
	// never retried, the latter is transient and is (spec §4.9).
	fromDownstream bool
}

// connState is a downstream connection's lifecycle phase.
type connState int

const (
	stateCold connState = iota
	stateSpawning
	stateReady
	stateDraining
	stateFailed
)

// connection holds the runtime state for one downstream name. Exactly one
// exists per name at a time; acquireLocked replaces it wholesale on
// respawn.
type connection struct {
	mu          sync.Mutex
	name        string
	state       connState
	transport   outbound.Transport
	pending     map[string]*pendingCall
	nextID      uint64
	spawnDone   chan struct{} // closed once spawn attempt resolves
	spawnErr    error
	failures    int
	cooldownEnd time.Time
	backoff     time.Duration
	cancelRead  context.CancelFunc
}

// Manager is the Connection Manager (C2).
type Manager struct {
	factory Factory
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection

	shutdownGrace time.Duration
}

// New builds a Manager. factory constructs the Transport for a given
// downstream name on demand.
func New(factory Factory, logger *slog.Logger) *Manager {
	return &Manager{
		factory:       factory,
		logger:        logger,
		conns:         make(map[string]*connection),
		shutdownGrace: DefaultShutdownGrace,
	}
}

// Acquire returns a ready connection for name, spawning lazily. Concurrent
// callers for the same name await the same single spawn attempt (spec
// §4.2 invariant: at-most-one concurrent spawn per name).
func (m *Manager) Acquire(ctx context.Context, name string) error {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if !ok {
		conn = &connection{name: name, pending: make(map[string]*pendingCall), backoff: DefaultBackoffInitial}
		m.conns[name] = conn
	}
	m.mu.Unlock()

	conn.mu.Lock()
	if conn.state == stateFailed {
		if time.Now().Before(conn.cooldownEnd) {
			retryAfter := time.Until(conn.cooldownEnd).Seconds()
			conn.mu.Unlock()
			return errs.New(errs.Unavailable, "downstream %q is in cooldown", name).WithRetryAfter(retryAfter)
		}
		// Cooldown expired: fall through to respawn.
		conn.state = stateCold
	}
	if conn.state == stateReady {
		conn.mu.Unlock()
		return nil
	}
	if conn.state == stateSpawning {
		done := conn.spawnDone
		conn.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return errs.Wrap(errs.Timeout, ctx.Err())
		}
		conn.mu.Lock()
		err := conn.spawnErr
		state := conn.state
		conn.mu.Unlock()
		if state == stateReady {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Unavailable, err)
		}
		return errs.New(errs.Unavailable, "downstream %q failed to spawn", name)
	}

	// stateCold: this caller becomes the sole spawner.
	conn.state = stateSpawning
	conn.spawnDone = make(chan struct{})
	conn.mu.Unlock()

	err := m.spawn(ctx, conn)

	conn.mu.Lock()
	conn.spawnErr = err
	if err != nil {
		conn.state = stateFailed
		conn.cooldownEnd = time.Now().Add(conn.backoff)
	} else {
		conn.state = stateReady
		conn.failures = 0
		conn.backoff = DefaultBackoffInitial
	}
	done := conn.spawnDone
	conn.mu.Unlock()
	close(done)

	if err != nil {
		return errs.Wrap(errs.Unavailable, err)
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, conn *connection) error {
	tr, err := m.factory(conn.name)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	if err := tr.Open(ctx); err != nil {
		return fmt.Errorf("open transport: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	conn.mu.Lock()
	conn.transport = tr
	conn.cancelRead = cancel
	conn.mu.Unlock()

	go m.dispatchLoop(readCtx, conn, tr)
	return nil
}

// dispatchLoop reads frames off the transport and routes each to its
// waiting caller by JSON-RPC id, or drops it (stray/late replies, spec §5:
// "any pending response is discarded when it arrives" after timeout).
func (m *Manager) dispatchLoop(ctx context.Context, conn *connection, tr outbound.Transport) {
	for {
		select {
		case frame, ok := <-tr.Incoming():
			if !ok {
				m.onTransportClosed(conn, tr.Err())
				return
			}
			m.routeReply(conn, frame)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) routeReply(conn *connection, frame []byte) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		if m.logger != nil {
			m.logger.Warn("connectionmanager: malformed frame", "downstream", conn.name, "error", err)
		}
		return
	}
	if len(env.ID) == 0 {
		// A server-initiated notification, not a reply; the orchestrator
		// does not currently act on unsolicited notifications.
		return
	}
	var id string
	if err := json.Unmarshal(env.ID, &id); err != nil {
		// IDs are always assigned as JSON strings by Call; anything else is
		// not a reply this manager originated.
		return
	}

	conn.mu.Lock()
	pc, ok := conn.pending[id]
	if ok {
		delete(conn.pending, id)
	}
	conn.mu.Unlock()
	if !ok {
		return
	}

	if env.Error != nil {
		pc.resultCh <- callResult{err: errs.New(errs.Upstream, "%s", env.Error.Message), fromDownstream: true}
		return
	}
	pc.resultCh <- callResult{raw: env.Result}
}

func (m *Manager) onTransportClosed(conn *connection, transportErr error) {
	conn.mu.Lock()
	conn.state = stateFailed
	conn.cooldownEnd = time.Now().Add(conn.backoff)
	conn.backoff = nextBackoff(conn.backoff)
	pending := conn.pending
	conn.pending = make(map[string]*pendingCall)
	conn.mu.Unlock()

	failure := errs.New(errs.Upstream, "downstream connection closed")
	if transportErr != nil {
		failure = errs.Wrap(errs.Upstream, transportErr)
	}
	for _, pc := range pending {
		pc.resultCh <- callResult{err: failure}
	}
	if m.logger != nil {
		m.logger.Warn("connectionmanager: connection closed", "downstream", conn.name, "error", transportErr)
	}
}

// nextBackoff doubles d (capped at DefaultBackoffCap) and applies ±20%
// jitter, per spec §4.2.
func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > DefaultBackoffCap {
		next = DefaultBackoffCap
	}
	jitter := time.Duration(float64(next) * (rand.Float64()*0.4 - 0.2)) //nolint:gosec // cooldown jitter, not security-sensitive
	return next + jitter
}

// Call sends a JSON-RPC request for method with params (already carrying
// any inherited `_meta` field verbatim, per spec §4.2/§4.7) and awaits the
// correlated reply, honoring deadline. Transient failures (timeout,
// transport reset) are retried up to DefaultTransientRetries times with a
// small backoff before the last failure is returned (Timeout for an expired
// deadline, Upstream for a transport failure); a downstream's own
// structured JSON-RPC error reply is never retried (spec §4.9).
func (m *Manager) Call(ctx context.Context, name, method string, params json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= DefaultTransientRetries; attempt++ {
		raw, callErr, transient := m.callOnce(ctx, name, method, params, deadline)
		if callErr == nil {
			return raw, nil
		}
		lastErr = callErr
		if !transient || attempt == DefaultTransientRetries {
			return nil, callErr
		}
		if m.logger != nil {
			m.logger.Warn("connectionmanager: retrying transient call failure",
				"downstream", name, "method", method, "attempt", attempt+1, "error", callErr)
		}
		select {
		case <-time.After(DefaultTransientRetryBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Timeout, ctx.Err())
		}
	}
	return nil, lastErr
}

// callOnce performs a single request/reply round trip, reporting whether
// the failure (if any) is transient and eligible for Call's retry loop.
func (m *Manager) callOnce(ctx context.Context, name, method string, params json.RawMessage, deadline time.Duration) (raw json.RawMessage, err error, transient bool) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "downstream %q not connected", name), false
	}

	conn.mu.Lock()
	if conn.state != stateReady {
		conn.mu.Unlock()
		return nil, errs.New(errs.Unavailable, "downstream %q not ready", name), false
	}
	conn.nextID++
	id := fmt.Sprintf("%d", conn.nextID)
	pc := &pendingCall{resultCh: make(chan callResult, 1)}
	conn.pending[id] = pc
	tr := conn.transport
	conn.mu.Unlock()

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	frame, marshalErr := json.Marshal(req)
	if marshalErr != nil {
		m.dropPending(conn, id)
		return nil, errs.Wrap(errs.Fatal, marshalErr), false
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if sendErr := tr.Send(callCtx, frame); sendErr != nil {
		m.dropPending(conn, id)
		return nil, errs.Wrap(errs.Upstream, sendErr), true
	}

	select {
	case res := <-pc.resultCh:
		if res.err != nil {
			return nil, res.err, !res.fromDownstream
		}
		return res.raw, nil, false
	case <-callCtx.Done():
		m.dropPending(conn, id)
		return nil, errs.New(errs.Timeout, "downstream %q call %q timed out", name, method), true
	}
}

func (m *Manager) dropPending(conn *connection, id string) {
	conn.mu.Lock()
	delete(conn.pending, id)
	conn.mu.Unlock()
}

// HealthProbe sends a lightweight tools/list request at the caller's
// cadence; on DefaultHealthFailureThreshold consecutive failures the
// connection is torn down and the downstream enters cooldown (spec §4.2).
func (m *Manager) HealthProbe(ctx context.Context, name string) {
	_, err := m.Call(ctx, name, "tools/list", nil, 5*time.Second)

	m.mu.Lock()
	conn, ok := m.conns[name]
	m.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if err != nil {
		conn.failures++
		tooManyFailures := conn.failures >= DefaultHealthFailureThreshold
		tr := conn.transport
		cancel := conn.cancelRead
		conn.mu.Unlock()
		if tooManyFailures {
			if cancel != nil {
				cancel()
			}
			if tr != nil {
				_ = tr.Close()
			}
			m.onTransportClosed(conn, err)
		}
		return
	}
	conn.failures = 0
	conn.mu.Unlock()
}

// Shutdown drains in-flight calls up to the shutdown grace period, then
// closes every connection (spec §4.2, §5: "C2.shutdown must complete
// within 5s wall-clock").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.shutdownGrace)
	for _, conn := range conns {
		for time.Now().Before(deadline) {
			conn.mu.Lock()
			n := len(conn.pending)
			conn.mu.Unlock()
			if n == 0 {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}

		conn.mu.Lock()
		conn.state = stateDraining
		tr := conn.transport
		cancel := conn.cancelRead
		pending := conn.pending
		conn.pending = make(map[string]*pendingCall)
		conn.mu.Unlock()

		for _, pc := range pending {
			pc.resultCh <- callResult{err: errs.New(errs.Unavailable, "shutting down")}
		}
		if cancel != nil {
			cancel()
		}
		if tr != nil {
			_ = tr.Close()
		}
	}
}
