// Command settlectl is the operator CLI: it runs single recovery passes,
// inspects wallets and vaults, and moves funds on an operator's behalf.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/recovery"
)

// buildFunc loads the config at path and wires the backends.
type buildFunc func(ctx context.Context, path string) (*app.Deps, *config.Config, error)

// action is a command body run against wired backends.
type action func(ctx context.Context, cmd *cobra.Command, args []string, deps *app.Deps, cfg *config.Config) error

// wrapper turns an action into a cobra RunE.
type wrapper func(action) func(*cobra.Command, []string) error

func main() {
	if err := newRootCmd(build).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func build(ctx context.Context, path string) (*app.Deps, *config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	// Operator output goes to stdout; keep logs on stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	deps, err := app.Build(ctx, cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return deps, cfg, nil
}

func newRootCmd(build buildFunc) *cobra.Command {
	var configPath string
	var timeout time.Duration

	root := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the settlement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall command timeout")

	// with wires the backends and runs fn under the command timeout.
	var with wrapper = func(fn action) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			deps, cfg, err := build(ctx, configPath)
			if err != nil {
				return err
			}
			defer deps.Close()
			return fn(ctx, cmd, args, deps, cfg)
		}
	}

	sweeper := func(deps *app.Deps, cfg *config.Config) *recovery.Sweeper {
		return recovery.NewSweeper(deps.Store, deps.Trades, deps.Vaults, cfg.Sweeper(), nil)
	}

	root.AddCommand(&cobra.Command{
		Use:   "reconcile <user-id>",
		Short: "Compare a wallet's balances with its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			report, err := ledger.Reconcile(ctx, deps.Store, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wallet %s (user %s)\n", report.WalletID, report.UserID)
			table := tablewriter.NewWriter(out)
			table.Header("Mode", "Balance", "Ledger", "Drift")
			for _, m := range report.Modes {
				table.Append(string(m.Mode), m.Balance.String(), m.LedgerSum.String(), m.Drift.String())
			}
			table.Render()
			if !report.Balanced {
				return fmt.Errorf("wallet %s has drift", report.WalletID)
			}
			fmt.Fprintln(out, "balanced")
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "reconcile-vault <vault-id>",
		Short: "Compare a vault's NAV with its principal and ledger",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			r, err := ledger.ReconcileVault(ctx, deps.Store, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			table := tablewriter.NewWriter(out)
			table.Header("Vault", "Status", "Principal", "NAV", "Ledger", "Entries", "Drift")
			table.Append(r.VaultID, string(r.Status), r.Principal.String(), r.NAV.String(),
				r.LedgerSum.String(), fmt.Sprintf("%d", r.Entries), r.Drift.String())
			table.Render()
			if !r.Balanced {
				return fmt.Errorf("vault %s has drift", r.VaultID)
			}
			fmt.Fprintln(out, "balanced")
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Settle trades that are past expiry and still open",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, cmd *cobra.Command, _ []string, deps *app.Deps, cfg *config.Config) error {
			res, err := sweeper(deps, cfg).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "found %d, settled %d, failed %d\n", res.Found, res.Settled, res.Failed)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "resync",
		Short: "Rebuild the bots' active-trade counters",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, cmd *cobra.Command, _ []string, deps *app.Deps, cfg *config.Config) error {
			n, err := sweeper(deps, cfg).ResyncOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "corrected %d bot counter(s)\n", n)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "scan-vaults",
		Short: "Settle matured vaults and fail timed-out funding",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, cmd *cobra.Command, _ []string, deps *app.Deps, cfg *config.Config) error {
			res, err := sweeper(deps, cfg).ScanVaultsOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "settled %d, deferred %d, failed %d\n", res.Settled, res.Deferred, res.Failed)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "settle-vault <vault-id>",
		Short: "Settle one matured vault",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			v, err := deps.Vaults.Settle(ctx, args[0])
			if err != nil {
				return err
			}
			parts, err := deps.Store.ListParticipations(ctx, v.ID)
			if err != nil {
				return err
			}
			printVault(cmd.OutOrStdout(), v, parts)
			return nil
		}),
	})

	root.AddCommand(&cobra.Command{
		Use:   "vaults [status]",
		Short: "List vaults in a status (default ACTIVE)",
		Args:  cobra.MaximumNArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			status := model.VaultActive
			if len(args) == 1 {
				status = model.VaultStatus(strings.ToUpper(args[0]))
			}
			vaults, err := deps.Store.ListVaults(ctx, status)
			if err != nil {
				return err
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("ID", "Bot", "Status", "Target", "Total pool", "User pool", "Ends")
			for _, v := range vaults {
				ends := "-"
				if v.EndsAt != nil {
					ends = v.EndsAt.Format(time.RFC3339)
				}
				table.Append(v.ID, v.BotID, string(v.Status), v.TargetAmount.String(),
					v.TotalPoolAmount().String(), v.UserPoolAmount().String(), ends)
			}
			table.Render()
			return nil
		}),
	})

	root.AddCommand(walletCmd(with), vaultCmd(with), tradeCmd(with))
	return root
}

func printVault(out io.Writer, v *model.Vault, parts []model.VaultParticipation) {
	fmt.Fprintf(out, "vault %s %s total=%s user=%s\n", v.ID, v.Status, v.TotalPoolAmount(), v.UserPoolAmount())
	table := tablewriter.NewWriter(out)
	table.Header("User", "Locked", "Insured", "Status", "Payout", "PnL")
	for _, p := range parts {
		table.Append(p.UserID, p.AmountLocked.String(), fmt.Sprintf("%t", p.IsInsured), string(p.Status),
			p.FinalPayout.String(), p.NetPnL.String())
	}
	table.Render()
}
