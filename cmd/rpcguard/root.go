package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ggoodman/rpcguard-go/config"
	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/session"
	"github.com/ggoodman/rpcguard-go/storage"
	"github.com/spf13/cobra"
)

// app holds what every subcommand shares. Storage is opened on first use
// so commands that never touch it work without a writable directory.
type app struct {
	cfg   config.Config
	log   *slog.Logger
	store storage.Storage
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:           "rpcguard",
		Short:         "Inspect and exercise the resilient RPC access layer",
		Long:          "rpcguard reads the persisted wallet session, statistics and circuit breaker records, and runs token balance reads through the retrying, batching RPC stack.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(configPath, cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("RPCGUARD_CONFIG"), "YAML configuration file (env RPCGUARD_* overrides it)")

	root.AddCommand(
		newSchemaCmd(),
		newSessionCmd(a),
		newCircuitCmd(a),
		newTokensCmd(a),
	)
	return root
}

func (a *app) load(path string, logOut io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.Level()}))
	return nil
}

func (a *app) storage(ctx context.Context) (storage.Storage, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := a.cfg.OpenStorage(ctx, a.log)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", a.cfg.Storage.Backend, err)
	}
	a.store = s
	return s, nil
}

func (a *app) sessions(ctx context.Context) (*session.Store, error) {
	s, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	return session.New(s, a.cfg.SessionConfig(), session.WithLogger(a.log)), nil
}

func (a *app) engine(ctx context.Context) (*retry.Engine, error) {
	s, err := a.storage(ctx)
	if err != nil {
		return nil, err
	}
	return retry.New(a.cfg.RetryConfig(), retry.WithStorage(s), retry.WithLogger(a.log))
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
