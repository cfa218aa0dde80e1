// Package profile contains the domain types for the aggregator's Profile:
// the ordered set of downstream MCP server definitions the aggregator
// fans out to.
package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// namePattern is the allowed character set for a downstream name.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// AuthKind identifies how a Remote downstream authenticates outbound requests.
type AuthKind string

const (
	// AuthNone sends no authentication headers.
	AuthNone AuthKind = "none"
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthKind = "bearer"
	// AuthCustom is reserved for operator-supplied header schemes.
	AuthCustom AuthKind = "custom"
)

// RemoteTransport identifies the wire protocol for a Remote downstream.
type RemoteTransport string

const (
	// TransportHTTP is plain request/response JSON-RPC over HTTP POST.
	TransportHTTP RemoteTransport = "http"
	// TransportSSE is a GET-subscribed SSE event stream plus HTTP POST for
	// client messages.
	TransportSSE RemoteTransport = "sse"
)

// Auth describes the credential to attach to outbound Remote requests.
type Auth struct {
	Kind  AuthKind `json:"kind" yaml:"kind"`
	Token string   `json:"token,omitempty" yaml:"token,omitempty"`
}

// Process is a Downstream-Definition shape for a local executable spoken to
// over stdio.
type Process struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Remote is a Downstream-Definition shape for a networked MCP endpoint.
type Remote struct {
	URL       string          `json:"url" yaml:"url"`
	Transport RemoteTransport `json:"transport" yaml:"transport"`
	Auth      *Auth           `json:"auth,omitempty" yaml:"auth,omitempty"`
}

// Downstream is a Downstream-Definition: exactly one of Process or Remote
// must be set. See Validate.
type Downstream struct {
	// CallTimeoutSeconds overrides the default 60s per-call deadline for this
	// downstream when non-zero (seconds).
	CallTimeoutSeconds int      `json:"call_timeout_seconds,omitempty" yaml:"call_timeout_seconds,omitempty"`
	Process            *Process `json:"process,omitempty" yaml:"process,omitempty"`
	Remote             *Remote  `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// IsProcess reports whether this definition is a stdio subprocess shape.
func (d Downstream) IsProcess() bool { return d.Process != nil }

// IsRemote reports whether this definition is a networked endpoint shape.
func (d Downstream) IsRemote() bool { return d.Remote != nil }

// Validate enforces the "exactly one of process vs remote" invariant and
// the remote transport/auth shape rules.
func (d Downstream) Validate(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("downstream %q: name must match [A-Za-z0-9_-]+", name)
	}
	hasProcess := d.Process != nil
	hasRemote := d.Remote != nil
	if hasProcess == hasRemote {
		return fmt.Errorf("downstream %q: exactly one of process or remote must be set", name)
	}
	if hasProcess && d.Process.Command == "" {
		return fmt.Errorf("downstream %q: process.command is required", name)
	}
	if hasRemote {
		if d.Remote.URL == "" {
			return fmt.Errorf("downstream %q: remote.url is required", name)
		}
		switch d.Remote.Transport {
		case TransportHTTP, TransportSSE:
		default:
			return fmt.Errorf("downstream %q: remote.transport must be http or sse", name)
		}
		if d.Remote.Auth != nil {
			switch d.Remote.Auth.Kind {
			case AuthNone, AuthBearer, AuthCustom:
			default:
				return fmt.Errorf("downstream %q: remote.auth.kind invalid", name)
			}
			if d.Remote.Auth.Kind == AuthBearer && d.Remote.Auth.Token == "" {
				return fmt.Errorf("downstream %q: remote.auth bearer token must be non-empty", name)
			}
		}
	}
	return nil
}

// Profile is an ordered mapping from unique, case-sensitive downstream name
// to Downstream-Definition. Names is the declared order (for stable
// iteration); Downstreams holds the definitions.
type Profile struct {
	Names       []string              `json:"-" yaml:"-"`
	Downstreams map[string]Downstream `json:"downstreams" yaml:"downstreams"`
}

// New builds a Profile from an ordered name list and a definition map,
// preserving declaration order for deterministic hashing and iteration.
func New(order []string, downstreams map[string]Downstream) *Profile {
	return &Profile{Names: order, Downstreams: downstreams}
}

// Validate checks every downstream definition and rejects duplicate names
// (map keys are already unique, so this validates shape and the name
// pattern for every entry).
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("profile is nil")
	}
	seen := make(map[string]struct{}, len(p.Names))
	for _, name := range p.Names {
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate downstream name %q", name)
		}
		seen[name] = struct{}{}
		d, ok := p.Downstreams[name]
		if !ok {
			return fmt.Errorf("name %q listed but not defined", name)
		}
		if err := d.Validate(name); err != nil {
			return err
		}
	}
	return nil
}

// canonicalEntry is the stable-serialization shape used for hashing: field
// order is fixed by struct field order, and map keys (Env) are sorted
// before marshaling so that two semantically identical profiles always
// hash identically regardless of map iteration order.
type canonicalEntry struct {
	Name               string   `json:"name"`
	CallTimeoutSeconds int      `json:"call_timeout_seconds"`
	ProcessCommand     string   `json:"process_command,omitempty"`
	ProcessArgs        []string `json:"process_args,omitempty"`
	ProcessEnv         []kv     `json:"process_env,omitempty"`
	RemoteURL          string   `json:"remote_url,omitempty"`
	RemoteTransport    string   `json:"remote_transport,omitempty"`
	RemoteAuthKind     string   `json:"remote_auth_kind,omitempty"`
	RemoteAuthToken    string   `json:"remote_auth_token,omitempty"`
}

type kv struct {
	K string `json:"k"`
	V string `json:"v"`
}

// canonicalBytes produces the stable serialized form of the profile: keys
// sorted, used as the input to Hash and to DownstreamHash.
func (p *Profile) canonicalBytes() []byte {
	names := make([]string, len(p.Names))
	copy(names, p.Names)
	sort.Strings(names)

	entries := make([]canonicalEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, canonicalizeEntry(name, p.Downstreams[name]))
	}
	b, _ := json.Marshal(entries)
	return b
}

func canonicalizeEntry(name string, d Downstream) canonicalEntry {
	e := canonicalEntry{Name: name, CallTimeoutSeconds: d.CallTimeoutSeconds}
	if d.Process != nil {
		e.ProcessCommand = d.Process.Command
		e.ProcessArgs = d.Process.Args
		keys := make([]string, 0, len(d.Process.Env))
		for k := range d.Process.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			e.ProcessEnv = append(e.ProcessEnv, kv{K: k, V: d.Process.Env[k]})
		}
	}
	if d.Remote != nil {
		e.RemoteURL = d.Remote.URL
		e.RemoteTransport = string(d.Remote.Transport)
		if d.Remote.Auth != nil {
			e.RemoteAuthKind = string(d.Remote.Auth.Kind)
			e.RemoteAuthToken = d.Remote.Auth.Token
		}
	}
	return e
}

// digest16 returns a cryptographic digest of b truncated to 128 bits
// (16 bytes), hex-encoded. Same bytes always produce the same hash.
func digest16(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:16])
}

// Hash returns the stable content hash over the whole profile.
func (p *Profile) Hash() string {
	return digest16(p.canonicalBytes())
}

// DownstreamHash returns the stable content hash for a single downstream
// definition, used to detect per-downstream config changes during
// reconciliation (§4.4 reconcile).
func DownstreamHash(name string, d Downstream) string {
	b, _ := json.Marshal(canonicalizeEntry(name, d))
	return digest16(b)
}
