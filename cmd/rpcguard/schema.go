package main

import (
	"fmt"

	"github.com/ggoodman/rpcguard-go/retry"
	"github.com/ggoodman/rpcguard-go/session"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// schemaTargets are the records rpcguard persists, by name.
var schemaTargets = map[string]func() any{
	"session": func() any { return new(session.Session) },
	"stats":   func() any { return new(session.Stats) },
	"circuit": func() any { return new(retry.Circuit) },
	"export":  func() any { return new(session.Export) },
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "schema [session|stats|circuit|export]",
		Short:     "Print the JSON Schema of persisted records",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"session", "stats", "circuit", "export"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &jsonschema.Reflector{
				DoNotReference: true,
				ExpandedStruct: true,
			}
			if len(args) == 1 {
				target, ok := schemaTargets[args[0]]
				if !ok {
					return fmt.Errorf("unknown record %q", args[0])
				}
				return writeJSON(cmd.OutOrStdout(), r.Reflect(target()))
			}
			out := make(map[string]*jsonschema.Schema, len(schemaTargets))
			for name, target := range schemaTargets {
				out[name] = r.Reflect(target())
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}
