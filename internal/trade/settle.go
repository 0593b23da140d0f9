package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// SettleTrade settles an expired OPEN trade exactly once. Settling a trade
// that is already SETTLED returns it unchanged.
func (e *Engine) SettleTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == model.TradeSettled {
		return t, nil
	}
	now := e.now()
	if now.Before(t.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expires %s", ErrNotExpired, t.ID, t.ExpiresAt.Format(time.RFC3339))
	}

	exit, source, err := e.exitPrice(ctx, t, now)
	if err != nil {
		return nil, err
	}

	profitShare := decimal.Zero
	if t.BotID != "" && t.VaultID == "" {
		bot, err := e.store.GetBot(ctx, t.BotID)
		if err != nil {
			return nil, fmt.Errorf("load bot %s: %w", t.BotID, err)
		}
		profitShare = bot.ProfitSharePercent
	}

	outcome := DecideOutcome(t.Direction, t.EntryPrice, exit)
	pay := ComputePayout(outcome, t.Stake, t.PayoutPercent, t.IsInsured, profitShare)

	settled := *t
	settled.ExitPrice = &exit
	settled.PriceSource = source
	settled.Status = model.TradeSettled
	settled.Outcome = outcome
	settled.PayoutAmount = pay.Net
	settled.PlatformFee = pay.Fee
	settled.SettledAt = &now

	var stopped *model.Bot
	var stopReason string
	err = e.runner.Run(ctx, "settle-trade", func(ctx context.Context, tx store.Tx) error {
		// The claim comes first so a lost race never moves money.
		if err := tx.MarkTradeSettled(ctx, &settled); err != nil {
			return err
		}

		posting := ledger.Posting{
			WalletID:      t.WalletID,
			UserID:        t.UserID,
			Mode:          t.Mode,
			ReferenceType: model.RefTrade,
			ReferenceID:   t.ID,
			At:            now,
		}
		lines := []ledger.Line{
			{Type: model.LedgerPayout, Amount: pay.Gross},
			{Type: model.LedgerFee, Amount: pay.Fee.Neg()},
		}
		var err error
		if t.VaultID != "" {
			_, err = ledger.PostVault(ctx, tx, t.VaultID, posting, lines...)
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s: %w", ErrVaultNotActive, t.VaultID, err)
			}
		} else {
			_, err = ledger.Post(ctx, tx, posting, lines...)
		}
		if err != nil {
			return err
		}

		if t.BotID == "" {
			return nil
		}
		bot, err := tx.RecordBotSettlement(ctx, t.BotID, outcome, pay.PnL)
		if err != nil {
			return err
		}
		if bot.Status != model.BotActive && bot.Status != model.BotPaused {
			return nil
		}
		if crossed, reason := bot.ThresholdCrossed(); crossed {
			if err := tx.SetBotStatus(ctx, bot.ID, model.BotStopped); err != nil {
				return err
			}
			bot.Status = model.BotStopped
			stopped, stopReason = bot, reason
		}
		return nil
	})
	if errors.Is(err, store.ErrAlreadySettled) {
		return e.store.GetTrade(ctx, id)
	}
	if err != nil {
		e.logger.Error("settle trade",
			"trade_id", t.ID,
			"consistency", e.runner.Mode().String(),
			"error", err,
		)
		return nil, err
	}

	metrics.TradesSettled.WithLabelValues(string(outcome), string(source)).Inc()
	metrics.SettlementLag.Observe(now.Sub(t.ExpiresAt).Seconds())
	e.logger.Info("trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"outcome", outcome,
		"exit_price", exit.String(),
		"price_source", source,
		"payout", pay.Net.String(),
		"fee", pay.Fee.String(),
	)
	e.publisher.Publish(events.Event{
		Type:    events.TradeSettled,
		TradeID: t.ID,
		UserID:  t.UserID,
		BotID:   t.BotID,
		VaultID: t.VaultID,
		Symbol:  t.Symbol,
		Outcome: string(outcome),
		Amount:  pay.Net.String(),
		At:      now,
	})

	if stopped != nil {
		metrics.BotStatusChanges.WithLabelValues(string(model.BotStopped), stopReason).Inc()
		e.logger.Warn("bot stopped",
			"bot_id", stopped.ID,
			"reason", stopReason,
			"net_pnl", stopped.Stats.NetPnL.String(),
		)
		e.publisher.Publish(events.Event{
			Type:   events.BotStatus,
			BotID:  stopped.ID,
			UserID: stopped.OwnerID,
			Status: string(model.BotStopped),
			Reason: stopReason,
			At:     now,
		})
	}
	return &settled, nil
}

// SettleJob is the queue worker entry point. Jobs for trades that do not
// exist (a rolled-back open) are dropped.
func (e *Engine) SettleJob(ctx context.Context, tradeID string) error {
	_, err := e.SettleTrade(ctx, tradeID)
	if errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dropping settlement job for unknown trade", "trade_id", tradeID)
		return nil
	}
	return err
}

// exitPrice picks the authoritative exit price. Within LateGrace of expiry a
// fresh live quote is used, then the expiry-minute candle. Later than that
// only the candle is trusted; a live quote is a logged last resort.
func (e *Engine) exitPrice(ctx context.Context, t *model.Trade, now time.Time) (decimal.Decimal, model.PriceSource, error) {
	late := now.Sub(t.ExpiresAt) > e.cfg.LateGrace

	if !late {
		q, qerr := e.oracle.Quote(ctx, t.Symbol)
		if qerr == nil && e.fresh(q, now) {
			return q.Price, model.PriceLive, nil
		}
		if c, err := e.candles.Candle(ctx, t.Symbol, t.ExpiresAt); err == nil {
			return c.Close, model.PriceCandle, nil
		}
		if qerr == nil {
			e.logger.Error("settling on stale live price",
				"trade_id", t.ID,
				"symbol", t.Symbol,
				"quote_age", q.Age(now).String(),
			)
			return q.Price, model.PriceLiveFallback, nil
		}
		return decimal.Zero, "", fmt.Errorf("%w: %s", ErrNoExitPrice, t.Symbol)
	}

	c, err := e.candles.Candle(ctx, t.Symbol, t.ExpiresAt)
	if err == nil {
		return c.Close, model.PriceCandle, nil
	}
	if !errors.Is(err, market.ErrNoCandle) {
		return decimal.Zero, "", fmt.Errorf("historical price %s: %w", t.Symbol, err)
	}
	q, qerr := e.oracle.Quote(ctx, t.Symbol)
	if qerr != nil {
		return decimal.Zero, "", fmt.Errorf("%w: %s", ErrNoExitPrice, t.Symbol)
	}
	e.logger.Error("no historical price, settling late trade on live price",
		"trade_id", t.ID,
		"symbol", t.Symbol,
		"late_by", now.Sub(t.ExpiresAt).Round(time.Second).String(),
	)
	return q.Price, model.PriceLiveFallback, nil
}
