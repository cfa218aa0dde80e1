package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcpagg/mcpagg/internal/port/outbound"
)

const maxHTTPResponseBytes = 10 << 20

// HTTP is the Transport variant where each Send is a POST of the JSON-RPC
// envelope and the response body is the JSON-RPC reply (spec §4.1): no
// server-initiated notification stream. Grounded on the teacher's
// mcp.HTTPClient, simplified since this variant needs no pipe-adapter dance
// — Send and the reply both resolve synchronously within one POST.
type HTTP struct {
	endpoint    string
	bearerToken string
	httpClient  *http.Client

	mu       sync.Mutex
	incoming chan []byte
	closed   bool
}

// NewHTTP builds an HTTP transport targeting endpoint, attaching
// "Authorization: Bearer <bearerToken>" to every request when non-empty.
func NewHTTP(endpoint, bearerToken string) *HTTP {
	return &HTTP{
		endpoint:    endpoint,
		bearerToken: bearerToken,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		incoming: make(chan []byte, 16),
	}
}

// Open is a no-op: HTTP has no persistent connection to establish up
// front.
func (h *HTTP) Open(_ context.Context) error { return nil }

// Send POSTs frame to the endpoint and publishes the response body onto
// Incoming for the caller's correlation logic to match by JSON-RPC id.
func (h *HTTP) Send(ctx context.Context, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("http transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.bearerToken)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http transport: request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if err != nil {
		return fmt.Errorf("http transport: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http transport: status %d: %s", resp.StatusCode, string(body))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.incoming <- body
	return nil
}

// Incoming implements outbound.Transport.
func (h *HTTP) Incoming() <-chan []byte { return h.incoming }

// Err implements outbound.Transport; HTTP surfaces failures synchronously
// from Send, so there is never a stored terminal error.
func (h *HTTP) Err() error { return nil }

// Close marks the transport closed and releases idle connections.
func (h *HTTP) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.incoming)
	h.httpClient.CloseIdleConnections()
	return nil
}

var _ outbound.Transport = (*HTTP)(nil)
