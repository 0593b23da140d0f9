package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/app"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/vault"
)

func parseAmount(s string) (decimal.Decimal, error) {
	a, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return a, nil
}

func walletCmd(with wrapper) *cobra.Command {
	var mode, ref string

	cmd := &cobra.Command{Use: "wallet", Short: "Open wallets and move external funds"}

	// showWallet prints the user's wallet after a move.
	showWallet := func(ctx context.Context, out io.Writer, deps *app.Deps, userID string) error {
		w, err := deps.Store.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(out)
		table.Header("Wallet", "User", "Live", "Bonus", "Demo")
		table.Append(w.ID, w.UserID, w.LiveBalance.String(), w.BonusBalance.String(), w.DemoBalance.String())
		table.Render()
		return nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "open <user-id>",
		Short: "Create a user's wallet",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			if _, err := deps.Cashier.OpenWallet(ctx, args[0]); err != nil {
				return err
			}
			return showWallet(ctx, c.OutOrStdout(), deps, args[0])
		}),
	})

	deposit := &cobra.Command{
		Use:   "deposit <user-id> <amount>",
		Short: "Credit external money to the live or demo balance",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if _, err := deps.Cashier.Deposit(ctx, args[0], model.Mode(strings.ToUpper(mode)), amount, ref); err != nil {
				return err
			}
			return showWallet(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}
	deposit.Flags().StringVar(&mode, "mode", string(model.ModeLive), "balance to credit (live or demo)")

	withdraw := &cobra.Command{
		Use:   "withdraw <user-id> <amount>",
		Short: "Debit the live balance",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if _, err := deps.Cashier.Withdraw(ctx, args[0], amount, ref); err != nil {
				return err
			}
			return showWallet(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}

	bonus := &cobra.Command{
		Use:   "bonus <user-id> <amount>",
		Short: "Grant promotional credit",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			if _, err := deps.Cashier.GrantBonus(ctx, args[0], amount, ref); err != nil {
				return err
			}
			return showWallet(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}

	for _, c := range []*cobra.Command{deposit, withdraw, bonus} {
		c.Flags().StringVar(&ref, "ref", "", "external reference")
		cmd.AddCommand(c)
	}
	return cmd
}

func vaultCmd(with wrapper) *cobra.Command {
	cmd := &cobra.Command{Use: "vault", Short: "Run a vault through funding and activation"}

	// show prints a vault and its participations.
	show := func(ctx context.Context, out io.Writer, deps *app.Deps, vaultID string) error {
		v, err := deps.Store.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		parts, err := deps.Store.ListParticipations(ctx, vaultID)
		if err != nil {
			return err
		}
		printVault(out, v, parts)
		return nil
	}

	var req vault.CreateRequest
	var target, collateral, share string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a vault for funding",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, c *cobra.Command, _ []string, deps *app.Deps, _ *config.Config) error {
			var err error
			if req.TargetAmount, err = parseAmount(target); err != nil {
				return err
			}
			if req.CreatorCollateralPercent, err = parseAmount(collateral); err != nil {
				return err
			}
			if req.ProfitSharePercent, err = parseAmount(share); err != nil {
				return err
			}
			v, err := deps.Vaults.Create(ctx, req)
			if err != nil {
				return err
			}
			return show(ctx, c.OutOrStdout(), deps, v.ID)
		}),
	}
	create.Flags().StringVar(&req.CreatorID, "creator", "", "creator user ID")
	create.Flags().StringVar(&req.BotID, "bot", "", "strategy bot ID")
	create.Flags().StringVar(&req.Name, "name", "", "display name")
	create.Flags().IntVar(&req.DurationDays, "days", 30, "trading period in days")
	create.Flags().StringVar(&target, "target", "", "funding target")
	create.Flags().StringVar(&collateral, "collateral", "0", "creator collateral percent of target")
	create.Flags().StringVar(&share, "profit-share", "0", "creator share of profit in percent")
	create.MarkFlagRequired("creator")
	create.MarkFlagRequired("bot")
	create.MarkFlagRequired("target")

	var insured bool
	deposit := &cobra.Command{
		Use:   "deposit <vault-id> <user-id> <amount>",
		Short: "Lock a user's funds into a funding vault",
		Args:  cobra.ExactArgs(3),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			amount, err := parseAmount(args[2])
			if err != nil {
				return err
			}
			if _, err := deps.Vaults.Deposit(ctx, args[1], args[0], amount, insured); err != nil {
				return err
			}
			return show(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}
	deposit.Flags().BoolVar(&insured, "insured", false, "request creator insurance")

	withdraw := &cobra.Command{
		Use:   "withdraw <vault-id> <user-id>",
		Short: "Return a user's funds from a funding vault",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			if _, err := deps.Vaults.Withdraw(ctx, args[1], args[0]); err != nil {
				return err
			}
			return show(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}

	var creator string
	activate := &cobra.Command{
		Use:   "activate <vault-id>",
		Short: "Start trading a fully funded vault",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			if _, err := deps.Vaults.Activate(ctx, creator, args[0]); err != nil {
				return err
			}
			return show(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}
	cancel := &cobra.Command{
		Use:   "cancel <vault-id>",
		Short: "Cancel a funding vault and refund its investors",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			if _, err := deps.Vaults.CancelFunding(ctx, creator, args[0]); err != nil {
				return err
			}
			return show(ctx, c.OutOrStdout(), deps, args[0])
		}),
	}
	for _, c := range []*cobra.Command{activate, cancel} {
		c.Flags().StringVar(&creator, "creator", "", "creator user ID")
		c.MarkFlagRequired("creator")
	}

	cmd.AddCommand(create, deposit, withdraw, activate, cancel)
	return cmd
}

func tradeCmd(with wrapper) *cobra.Command {
	cmd := &cobra.Command{Use: "trade", Short: "Open and settle trades"}

	var req trade.OpenRequest
	var mode, direction, stake string
	open := &cobra.Command{
		Use:   "open",
		Short: "Open a trade at the live price",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, c *cobra.Command, _ []string, deps *app.Deps, _ *config.Config) error {
			var err error
			if req.Stake, err = parseAmount(stake); err != nil {
				return err
			}
			req.Direction = model.Direction(strings.ToUpper(direction))
			req.Mode = model.Mode(strings.ToUpper(mode))
			t, err := deps.Trades.OpenTrade(ctx, req)
			if err != nil {
				return err
			}
			printTrade(c.OutOrStdout(), t)
			return nil
		}),
	}
	open.Flags().StringVar(&req.UserID, "user", "", "user ID")
	open.Flags().StringVar(&req.Symbol, "symbol", "", "instrument symbol")
	open.Flags().StringVar(&direction, "direction", "", "UP or DOWN")
	open.Flags().StringVar(&stake, "stake", "", "stake amount")
	open.Flags().IntVar(&req.ExpirySeconds, "expiry", 60, "seconds until expiry")
	open.Flags().StringVar(&mode, "mode", "", "balance to stake from (live or demo); empty for vault trades")
	open.Flags().StringVar(&req.BotID, "bot", "", "bot placing the trade")
	open.Flags().StringVar(&req.VaultID, "vault", "", "vault whose NAV backs the trade")
	open.Flags().BoolVar(&req.IsInsured, "insured", false, "insure the stake")
	for _, f := range []string{"user", "symbol", "direction", "stake"} {
		open.MarkFlagRequired(f)
	}

	settle := &cobra.Command{
		Use:   "settle <trade-id>",
		Short: "Settle one expired trade",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, c *cobra.Command, args []string, deps *app.Deps, _ *config.Config) error {
			t, err := deps.Trades.SettleTrade(ctx, args[0])
			if err != nil {
				return err
			}
			printTrade(c.OutOrStdout(), t)
			return nil
		}),
	}

	cmd.AddCommand(open, settle)
	return cmd
}

func printTrade(out io.Writer, t *model.Trade) {
	exit := "-"
	if t.ExitPrice != nil {
		exit = t.ExitPrice.String()
	}
	table := tablewriter.NewWriter(out)
	table.Header("ID", "User", "Symbol", "Direction", "Stake", "Entry", "Exit", "Status", "Outcome", "Payout", "Expires")
	table.Append(t.ID, t.UserID, t.Symbol, string(t.Direction), t.Stake.String(), t.EntryPrice.String(), exit,
		string(t.Status), string(t.Outcome), t.PayoutAmount.String(), t.ExpiresAt.Format(time.RFC3339))
	table.Render()
}
