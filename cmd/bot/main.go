// Command bot streams Bybit klines for the configured instruments, runs the
// EMA / stochastic signal engine on every closed candle and trades through
// Bybit (or a paper venue).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"klinebot/config"
	"klinebot/internal/execution"
	"klinebot/internal/logger"
	"klinebot/internal/model"
	"klinebot/pkg/bybit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bot",
		Short:         "Bybit kline signal bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), positionCmd(), closeCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream candles and trade every enabled instrument until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func positionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "position <symbol>",
		Short: "Print the venue position for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := venueGateway()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			info, err := gw.GetPosition(ctx, strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			if info.IsFlat() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: flat\n", strings.ToUpper(args[0]))
				return nil
			}
			return printJSON(cmd, info)
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <symbol>",
		Short: "Flatten the venue position for a symbol with a reduce-only market order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, err := venueGateway()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			res, err := gw.ClosePosition(ctx, strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to close\n", strings.ToUpper(args[0]))
				return nil
			}
			return printJSON(cmd, res)
		},
	}
}

// venueGateway builds the live gateway for the one-shot commands. The paper
// venue lives in the run process, so these always talk to Bybit.
func venueGateway() (model.OrderGateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if !cfg.HasCredentials() {
		return nil, errors.New("BYBIT_API_KEY and BYBIT_API_SECRET are required to query the venue")
	}
	log := logger.Init("klinebot", cfg.LogLevel)
	client := bybit.NewClient(cfg.RESTURL(), cfg.BybitAPIKey, cfg.BybitAPISecret)
	return execution.NewLiveGateway(client, log), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
