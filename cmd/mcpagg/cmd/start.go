package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mcpagg/mcpagg/internal/adapter/inbound/stdio"
	"github.com/mcpagg/mcpagg/internal/adapter/outbound/approvalstore"
	"github.com/mcpagg/mcpagg/internal/adapter/outbound/embeddings/hashvec"
	"github.com/mcpagg/mcpagg/internal/adapter/outbound/embeddings/ollama"
	"github.com/mcpagg/mcpagg/internal/adapter/outbound/indexstore"
	"github.com/mcpagg/mcpagg/internal/adapter/outbound/transport"
	"github.com/mcpagg/mcpagg/internal/config"
	"github.com/mcpagg/mcpagg/internal/domain/gate"
	"github.com/mcpagg/mcpagg/internal/domain/profile"
	"github.com/mcpagg/mcpagg/internal/domain/capability"
	"github.com/mcpagg/mcpagg/internal/port/outbound"
	"github.com/mcpagg/mcpagg/internal/service/connectionmanager"
	"github.com/mcpagg/mcpagg/internal/service/orchestrator"
)

// profileName is the fixed basename used for the on-disk index and
// approvals files. The aggregator loads a single profile per process, so
// unlike the teacher's multi-profile admin surface there is no need to
// derive this from user input.
const profileName = "default"

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the aggregator",
	Long: `Start the aggregator's JSON-RPC server on stdin/stdout.

The downstream fleet, embedding provider, and gate are all driven by the
loaded config file; see "mcpagg --help" for config file search paths.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	prof, err := cfg.ToProfile()
	if err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to construct embedding provider: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	store := indexstore.New(cfg.IndexPath, profileName, logger)
	index := capability.New(store, logger)
	if ok, err := index.Load(ctx, prof.Hash(), embedder.ModelID()); err != nil {
		logger.Warn("failed to load persisted index, starting empty", "error", err)
	} else if ok {
		logger.Info("loaded persisted index", "path", cfg.IndexPath)
	}

	gateOpts := []gate.Option{gate.WithThreshold(float32(cfg.Gate.Threshold))}
	if cfg.Gate.Disabled {
		gateOpts = append(gateOpts, gate.WithDisabled())
	}
	if cfg.Gate.PersistApprovals {
		path := cfg.ApprovalsPath
		if path == "" {
			path = filepath.Join(cfg.IndexPath, profileName+".approved.json")
		}
		gateOpts = append(gateOpts, gate.WithPersistentApprovals(approvalstore.New(path)))
	}
	mutatingTags := cfg.Gate.MutatingTags
	if len(mutatingTags) == 0 {
		mutatingTags = gate.DefaultMutatingTags
	}
	g, err := gate.New(ctx, embedder, mutatingTags, gateOpts...)
	if err != nil {
		return fmt.Errorf("failed to construct confirmation gate: %w", err)
	}

	conns := connectionmanager.New(transportFactory(prof, filepath.Join(cfg.IndexPath, "logs")), logger)
	defer conns.Shutdown()

	orch := orchestrator.New(prof, index, g, conns, embedder, logger)
	orch.SetParallelism(cfg.ReconcileParallelism)

	logger.Info("mcpagg starting", "downstreams", len(prof.Names))
	server := stdio.NewServer(orch, logger)
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("mcpagg stopped")
	return nil
}

// transportFactory builds the connectionmanager.Factory that opens a fresh
// outbound.Transport for a named downstream, dispatching on the
// profile.Downstream shape (process vs. remote) the way the orchestrator's
// Reconcile expects to be able to call it repeatedly and cheaply. A process
// downstream's stderr goes to the rotating log <logDir>/<name>.stderr.log.
func transportFactory(prof *profile.Profile, logDir string) connectionmanager.Factory {
	return func(name string) (outbound.Transport, error) {
		d, ok := prof.Downstreams[name]
		if !ok {
			return nil, fmt.Errorf("unknown downstream %q", name)
		}
		switch {
		case d.IsProcess():
			return transport.NewStdio(d.Process.Command, d.Process.Args, d.Process.Env, filepath.Join(logDir, name+".stderr.log")), nil
		case d.IsRemote():
			token := ""
			if d.Remote.Auth != nil {
				token = d.Remote.Auth.Token
			}
			if d.Remote.Transport == profile.TransportSSE {
				return transport.NewSSE(d.Remote.URL, token), nil
			}
			return transport.NewHTTP(d.Remote.URL, token), nil
		default:
			return nil, fmt.Errorf("downstream %q: neither process nor remote", name)
		}
	}
}

func newEmbedder(cfg config.EmbeddingConfig) (outbound.EmbeddingProvider, error) {
	switch cfg.Provider {
	case "", "hashvec":
		return hashvec.New(cfg.Dimensions), nil
	case "ollama":
		opts := []ollama.Option{}
		if cfg.Dimensions > 0 {
			opts = append(opts, ollama.WithDimensions(cfg.Dimensions))
		}
		return ollama.New(cfg.BaseURL, cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
