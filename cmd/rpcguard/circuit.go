package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCircuitCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect or reset persisted circuit breakers",
	}
	cmd.AddCommand(newCircuitShowCmd(a), newCircuitResetCmd(a))
	return cmd
}

type circuitView struct {
	Key          string     `json:"key"`
	State        string     `json:"state"`
	FailureCount int        `json:"failureCount"`
	LastFailure  *time.Time `json:"lastFailure,omitempty"`
}

func newCircuitShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <key>",
		Short: "Print the breaker record for a context key, e.g. token_info:0x...",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := a.engine(ctx)
			if err != nil {
				return err
			}
			c, err := engine.CircuitState(ctx, args[0])
			if err != nil {
				return err
			}
			v := circuitView{Key: args[0], State: string(c.State), FailureCount: c.FailureCount}
			if c.LastFailureTime > 0 {
				t := time.UnixMilli(c.LastFailureTime).UTC()
				v.LastFailure = &t
			}
			return writeJSON(cmd.OutOrStdout(), v)
		},
	}
}

func newCircuitResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Close the breaker for a context key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			engine, err := a.engine(ctx)
			if err != nil {
				return err
			}
			if err := engine.ResetCircuit(ctx, args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "circuit %s reset\n", args[0])
			return err
		},
	}
}
