package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ggoodman/rpcguard-go/session"
	"github.com/spf13/cobra"
)

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show, clear, export or import the persisted wallet session",
	}
	cmd.AddCommand(
		newSessionShowCmd(a),
		newSessionClearCmd(a),
		newSessionExportCmd(a),
		newSessionImportCmd(a),
	)
	return cmd
}

type sessionView struct {
	Session   *session.Session    `json:"session"`
	Stats     *session.Stats      `json:"stats"`
	Preferred uint64              `json:"preferredNetwork"`
	Prefs     session.Preferences `json:"preferences"`
}

func newSessionShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current session and connection statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.sessions(ctx)
			if err != nil {
				return err
			}
			var v sessionView
			if v.Session, err = store.Load(ctx); err != nil {
				return fmt.Errorf("load session: %w", err)
			}
			if v.Stats, err = store.Stats(ctx); err != nil {
				return fmt.Errorf("load stats: %w", err)
			}
			if v.Preferred, err = store.PreferredNetwork(ctx); err != nil {
				return err
			}
			if v.Prefs, err = store.Preferences(ctx); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newSessionClearCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.sessions(ctx)
			if err != nil {
				return err
			}
			if err := store.Clear(ctx); err != nil {
				return err
			}
			if all {
				if err := store.ClearStats(ctx); err != nil {
					return err
				}
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "session cleared")
			return err
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Also remove connection statistics")
	return cmd
}

func newSessionExportCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the session and statistics as a backup document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.sessions(ctx)
			if err != nil {
				return err
			}
			doc, err := store.Export(ctx)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(doc))
				return err
			}
			return os.WriteFile(out, doc, 0o600)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (default stdout)")
	return cmd
}

func newSessionImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Restore a backup document produced by export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				doc []byte
				err error
			)
			if args[0] == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read backup: %w", err)
			}
			store, err := a.sessions(ctx)
			if err != nil {
				return err
			}
			if err := store.Import(ctx, doc); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "session imported")
			return err
		},
	}
}
