// Package config provides the aggregator's top-level configuration: an
// ordered set of downstream MCP server definitions plus the ambient
// embedding/gate/indexing settings, loaded from YAML with AGGREGATOR_*
// environment overrides via viper, and validated with struct tags via
// go-playground/validator.
package config

import (
	"fmt"
	"sort"

	"github.com/mcpagg/mcpagg/internal/domain/gate"
	"github.com/mcpagg/mcpagg/internal/domain/profile"
)

// Config is the top-level configuration for the aggregator process.
type Config struct {
	// Downstreams is the set of downstream MCP server definitions. Keys
	// become the namespace prefix in "downstream:tool" ids.
	Downstreams map[string]DownstreamConfig `yaml:"downstreams" mapstructure:"downstreams" validate:"required,min=1,dive"`

	// Embedding selects and configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`

	// Gate configures the confirmation gate.
	Gate GateConfig `yaml:"gate" mapstructure:"gate"`

	// IndexPath is the directory the capability index persists its
	// snapshot to across restarts.
	IndexPath string `yaml:"index_path" mapstructure:"index_path"`

	// ApprovalsPath is the file the gate's persistent approved-set is
	// stored in, when Gate.PersistApprovals is enabled.
	ApprovalsPath string `yaml:"approvals_path" mapstructure:"approvals_path"`

	// LogLevel controls the slog handler's minimum level.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// ReconcileParallelism bounds concurrent downstream probes during
	// reconciliation. Defaults to 4.
	ReconcileParallelism int `yaml:"reconcile_parallelism" mapstructure:"reconcile_parallelism" validate:"omitempty,min=1"`
}

// DownstreamConfig is the YAML shape for one downstream definition. Exactly
// one of Process or Remote must be set; toDomain assumes validation already
// enforced that.
type DownstreamConfig struct {
	CallTimeoutSeconds int            `yaml:"call_timeout_seconds" mapstructure:"call_timeout_seconds" validate:"omitempty,min=1"`
	Process            *ProcessConfig `yaml:"process" mapstructure:"process"`
	Remote             *RemoteConfig  `yaml:"remote" mapstructure:"remote"`
}

// ProcessConfig is the YAML shape for a stdio subprocess downstream.
type ProcessConfig struct {
	Command string            `yaml:"command" mapstructure:"command" validate:"required"`
	Args    []string          `yaml:"args" mapstructure:"args"`
	Env     map[string]string `yaml:"env" mapstructure:"env"`
}

// RemoteConfig is the YAML shape for a networked downstream.
type RemoteConfig struct {
	URL       string      `yaml:"url" mapstructure:"url" validate:"required,url"`
	Transport string      `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=http sse"`
	Auth      *AuthConfig `yaml:"auth" mapstructure:"auth"`
}

// AuthConfig is the YAML shape for a Remote downstream's credential.
type AuthConfig struct {
	Kind  string `yaml:"kind" mapstructure:"kind" validate:"omitempty,oneof=none bearer custom"`
	Token string `yaml:"token" mapstructure:"token"`
}

// EmbeddingConfig selects the embedding provider: "hashvec" (the
// zero-dependency deterministic default) or "ollama" (HTTP-backed).
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider" validate:"omitempty,oneof=hashvec ollama"`
	Model      string `yaml:"model" mapstructure:"model"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions" validate:"omitempty,min=1"`
}

// GateConfig configures the confirmation gate.
type GateConfig struct {
	Disabled         bool     `yaml:"disabled" mapstructure:"disabled"`
	Threshold        float64  `yaml:"threshold" mapstructure:"threshold" validate:"omitempty,min=0,max=1"`
	MutatingTags     []string `yaml:"mutating_tags" mapstructure:"mutating_tags"`
	PersistApprovals bool     `yaml:"persist_approvals" mapstructure:"persist_approvals"`
}

// SetDefaults fills in zero-valued optional fields. Applied before
// validation so Validate only ever sees a fully-populated Config.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ReconcileParallelism == 0 {
		c.ReconcileParallelism = 4
	}
	if c.IndexPath == "" {
		c.IndexPath = "."
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hashvec"
	}
	// Dimensions is deliberately left at zero when unset: each
	// EmbeddingProvider (hashvec.DefaultDimensions, ollama's model probe)
	// applies its own default, and this layer must not shadow it.
	if c.Gate.Threshold == 0 {
		c.Gate.Threshold = float64(gate.DefaultThreshold)
	}
	if len(c.Gate.MutatingTags) == 0 {
		c.Gate.MutatingTags = append([]string{}, gate.DefaultMutatingTags...)
	}
}

// ToProfile converts the downstream map into a domain profile.Profile, in
// sorted name order — the YAML map itself has no stable order, and sorting
// makes hashing and startup logging deterministic. Runs profile.Profile's
// own Validate, which enforces exactly-one-of process/remote and the
// downstream name pattern.
func (c *Config) ToProfile() (*profile.Profile, error) {
	names := make([]string, 0, len(c.Downstreams))
	downstreams := make(map[string]profile.Downstream, len(c.Downstreams))
	for name, d := range c.Downstreams {
		names = append(names, name)
		downstreams[name] = d.toDomain()
	}
	sort.Strings(names)

	prof := profile.New(names, downstreams)
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return prof, nil
}

func (d DownstreamConfig) toDomain() profile.Downstream {
	out := profile.Downstream{CallTimeoutSeconds: d.CallTimeoutSeconds}
	if d.Process != nil {
		out.Process = &profile.Process{Command: d.Process.Command, Args: d.Process.Args, Env: d.Process.Env}
	}
	if d.Remote != nil {
		r := &profile.Remote{URL: d.Remote.URL, Transport: profile.RemoteTransport(d.Remote.Transport)}
		if d.Remote.Auth != nil {
			r.Auth = &profile.Auth{Kind: profile.AuthKind(d.Remote.Auth.Kind), Token: d.Remote.Auth.Token}
		}
		out.Remote = r
	}
	return out
}
