package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	rpcguard "github.com/ggoodman/rpcguard-go"
	"github.com/ggoodman/rpcguard-go/config"
	"github.com/ggoodman/rpcguard-go/connpool"
	"github.com/ggoodman/rpcguard-go/metrics"
	"github.com/ggoodman/rpcguard-go/session"
	"github.com/ggoodman/rpcguard-go/storage/memory"
	"github.com/ggoodman/rpcguard-go/tokens"
	"github.com/ggoodman/rpcguard-go/transport/jsonrpcbatch"
	"github.com/spf13/cobra"
)

type tokensOutput struct {
	Network uint64         `json:"network"`
	Name    string         `json:"networkName"`
	Owner   string         `json:"owner"`
	Tokens  []tokens.Info  `json:"tokens"`
	Metrics *metrics.Stats `json:"metrics,omitempty"`
}

func newTokensCmd(a *app) *cobra.Command {
	var (
		network  uint64
		asJSON   bool
		withStat bool
	)
	cmd := &cobra.Command{
		Use:   "tokens <owner>",
		Short: "Read the known token balances of an address",
		Long:  "tokens connects a watch-only account, batches symbol, name, decimals and balance reads for every known token of the network, and prints the tokens that answered. Per-token circuit breakers persist in the configured storage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			owner := args[0]
			if !common.IsHexAddress(owner) {
				return fmt.Errorf("invalid owner address %q", owner)
			}

			engine, err := a.engine(ctx)
			if err != nil {
				return err
			}
			if network == 0 {
				store, err := a.sessions(ctx)
				if err != nil {
					return err
				}
				if network, err = store.PreferredNetwork(ctx); err != nil {
					return err
				}
			}

			monitor, err := metrics.New(a.cfg.MetricsConfig(), metrics.WithLogger(a.log))
			if err != nil {
				return err
			}
			mctx, stopMonitor := context.WithCancel(ctx)
			defer stopMonitor()
			go monitor.Run(mctx)

			registry := connpool.New(a.cfg.Dialer(),
				connpool.WithLogger(a.log),
				connpool.WithRateLimit(a.cfg.RateLimitConfig()),
				connpool.WithMonitor(monitor))

			endpoints := rpcguard.MulticallEndpoints()
			if a.cfg.Transport == config.TransportJSONRPC {
				endpoints = rpcguard.JSONRPCEndpoints(a.cfg.Networks, jsonrpcbatch.WithLogger(a.log))
			}

			// The watch account must not replace the wallet session.
			scratch, err := memory.New(16)
			if err != nil {
				return err
			}
			defer scratch.Close()

			client, err := rpcguard.New(rpcguard.Config{
				Provider:  rpcguard.NewWatchProvider(owner, network, a.cfg.Networks.IDs()...),
				Sessions:  session.New(scratch, a.cfg.SessionConfig(), session.WithLogger(a.log)),
				Registry:  registry,
				Engine:    engine,
				Endpoints: endpoints,
				Batch:     a.cfg.BatchConfig(),
				Monitor:   monitor,
				Logger:    a.log,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				return err
			}
			b, err := client.Batcher(ctx)
			if err != nil {
				return err
			}
			reader := tokens.NewReader(b, engine, tokens.WithLogger(a.log), tokens.WithMonitor(monitor))
			infos, err := reader.Refresh(ctx, network, common.HexToAddress(owner))
			if err != nil {
				return err
			}

			out := tokensOutput{
				Network: network,
				Name:    rpcguard.NetworkName(network),
				Owner:   common.HexToAddress(owner).Hex(),
				Tokens:  infos,
			}
			if withStat {
				st := monitor.Stats()
				out.Metrics = &st
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "%s (%d) %s\n", out.Name, out.Network, out.Owner)
			fmt.Fprintln(w, "SYMBOL\tNAME\tBALANCE\tADDRESS")
			for _, t := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Symbol, t.Name, t.BalanceFormatted, t.Address.Hex())
			}
			if out.Metrics != nil {
				fmt.Fprintf(w, "\noperations: %d  failed: %d  avg: %s  p95: %s\n",
					out.Metrics.TotalOperations, out.Metrics.FailedOperations,
					out.Metrics.AverageDuration, out.Metrics.P95Duration)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Uint64Var(&network, "network", 0, "Network id (default: the session's preferred network)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	cmd.Flags().BoolVar(&withStat, "stats", false, "Include operation timing statistics")
	return cmd
}
