package vault_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/vault"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type harness struct {
	t       *testing.T
	ms      *store.MemoryStore
	cashier *ledger.Cashier
	engine  *vault.Engine
	now     time.Time
}

func newHarness(t *testing.T, cfg vault.Config) *harness {
	return newHarnessWith(t, cfg, consistency.Strict, nil)
}

func newHarnessWith(t *testing.T, cfg vault.Config, mode consistency.Mode, wrap func(*store.MemoryStore) store.Store) *harness {
	t.Helper()
	var opts []store.MemoryOption
	if mode == consistency.BestEffort {
		opts = append(opts, store.WithoutTransactions())
	}
	h := &harness{
		t:   t,
		ms:  store.NewMemoryStore(opts...),
		now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	}
	var st store.Store = h.ms
	if wrap != nil {
		st = wrap(h.ms)
	}
	runner := consistency.NewRunner(st, mode, nil)
	h.cashier = ledger.NewCashier(runner, nil)
	h.engine = vault.NewEngine(vault.Deps{
		Runner: runner,
		Clock:  func() time.Time { return h.now },
	}, cfg, nil)

	require.NoError(t, h.ms.CreateBot(context.Background(), &model.Bot{
		ID: "public", OwnerID: "carol", Status: model.BotActive, IsPublic: true,
	}))
	require.NoError(t, h.ms.CreateBot(context.Background(), &model.Bot{
		ID: "private", OwnerID: "carol", Status: model.BotActive,
	}))
	return h
}

func (h *harness) fund(userID string, live, bonus float64) {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.cashier.OpenWallet(ctx, userID)
	require.NoError(h.t, err)
	if live > 0 {
		_, err = h.cashier.Deposit(ctx, userID, model.ModeLive, d(live), "seed")
		require.NoError(h.t, err)
	}
	if bonus > 0 {
		_, err = h.cashier.GrantBonus(ctx, userID, d(bonus), "seed")
		require.NoError(h.t, err)
	}
}

func (h *harness) wallet(userID string) *model.Wallet {
	h.t.Helper()
	w, err := h.ms.GetWallet(context.Background(), userID)
	require.NoError(h.t, err)
	return w
}

func (h *harness) create(target, collateralPct, profitSharePct float64) *model.Vault {
	h.t.Helper()
	v, err := h.engine.Create(context.Background(), vault.CreateRequest{
		CreatorID:                "carol",
		BotID:                    "public",
		Name:                     "momentum",
		TargetAmount:             d(target),
		DurationDays:             7,
		CreatorCollateralPercent: d(collateralPct),
		ProfitSharePercent:       d(profitSharePct),
	})
	require.NoError(h.t, err)
	return v
}

func (h *harness) deposit(userID, vaultID string, amount float64, insured bool) {
	h.t.Helper()
	h.now = h.now.Add(time.Second)
	_, err := h.engine.Deposit(context.Background(), userID, vaultID, d(amount), insured)
	require.NoError(h.t, err)
}

// activeVault returns a fully funded, activated vault with NAV moved by pnl
// and its end time passed.
func (h *harness) activeVault(collateralPct float64, deposits map[string]float64, order []string, insured bool, pnl float64) *model.Vault {
	h.t.Helper()
	ctx := context.Background()
	var target float64
	for _, a := range deposits {
		target += a
	}
	v := h.create(target, collateralPct, 50)
	for _, u := range order {
		h.deposit(u, v.ID, deposits[u], insured)
	}
	_, err := h.engine.Activate(ctx, "carol", v.ID)
	require.NoError(h.t, err)
	if pnl != 0 {
		require.NoError(h.t, h.ms.AdjustVaultNAV(ctx, v.ID, d(pnl)))
	}
	h.now = h.now.Add(8 * 24 * time.Hour)
	return v
}

func assertBalanced(t *testing.T, ms store.Store, users ...string) {
	t.Helper()
	for _, u := range users {
		report, err := ledger.Reconcile(context.Background(), ms, u)
		require.NoError(t, err)
		assert.True(t, report.Balanced, "ledger drift for %s", u)
	}
}

func TestCreate_RequiresPublicBot(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	_, err := h.engine.Create(context.Background(), vault.CreateRequest{
		CreatorID: "carol", BotID: "private", TargetAmount: d(100), DurationDays: 1,
	})
	assert.ErrorIs(t, err, vault.ErrBotNotPublic)

	_, err = h.engine.Create(context.Background(), vault.CreateRequest{
		CreatorID: "carol", BotID: "public", TargetAmount: d(100), DurationDays: 0,
	})
	assert.ErrorIs(t, err, vault.ErrInvalidRequest)

	v := h.create(100, 10, 20)
	assert.Equal(t, model.VaultFunding, v.Status)
	assert.True(t, v.TotalPoolAmount().IsZero())
}

func TestDeposit_BonusFirstAndInsurance(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 300)
	v := h.create(1000, 10, 20)

	h.deposit("alice", v.ID, 500, true)

	w := h.wallet("alice")
	assert.True(t, w.BonusBalance.IsZero(), "bonus: %s", w.BonusBalance)
	assert.True(t, w.LiveBalance.Equal(d(770)), "live: %s", w.LiveBalance) // 1000 - 200 principal - 30 fee

	p, err := h.ms.GetParticipation(context.Background(), v.ID, "alice")
	require.NoError(t, err)
	assert.True(t, p.AmountLocked.Equal(d(500)))
	assert.True(t, p.InsuranceFeePaid.Equal(d(30)))
	assert.True(t, p.InsuranceCoverage.Equal(d(150)))

	// A top-up adds principal but only the coverage it buys itself.
	h.deposit("alice", v.ID, 100, false)
	p, _ = h.ms.GetParticipation(context.Background(), v.ID, "alice")
	assert.True(t, p.AmountLocked.Equal(d(600)))
	assert.True(t, p.InsuranceCoverage.Equal(d(150)))

	got, _ := h.ms.GetVault(context.Background(), v.ID)
	assert.True(t, got.TotalPoolAmount().Equal(d(600)))
	assert.True(t, got.UserPoolAmount().Equal(d(600)))
	assertBalanced(t, h.ms, "alice")
}

func TestDeposit_Rejections(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	ctx := context.Background()
	v := h.create(500, 0, 20)

	_, err := h.engine.Deposit(ctx, "alice", v.ID, d(501), false)
	assert.ErrorIs(t, err, vault.ErrTargetExceeded)

	_, err = h.engine.Deposit(ctx, "alice", v.ID, d(100), true)
	assert.ErrorIs(t, err, vault.ErrInsuranceUnavailable)

	h.fund("bob", 10, 0)
	_, err = h.engine.Deposit(ctx, "bob", v.ID, d(100), false)
	assert.ErrorIs(t, err, vault.ErrInsufficientFunds)

	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(1000)))
	assert.True(t, h.wallet("bob").LiveBalance.Equal(d(10)))
	got, _ := h.ms.GetVault(ctx, v.ID)
	assert.True(t, got.TotalPoolAmount().IsZero())
}

func TestActivate_RequiresFullTarget(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 20000, 0)
	h.fund("carol", 5000, 0)
	v := h.create(10000, 10, 20)
	h.deposit("alice", v.ID, 9000, false)

	_, err := h.engine.Activate(context.Background(), "carol", v.ID)
	assert.ErrorIs(t, err, vault.ErrTargetNotReached)
	assert.True(t, h.wallet("carol").LiveBalance.Equal(d(5000)))

	h.deposit("alice", v.ID, 1000, false)
	_, err = h.engine.Activate(context.Background(), "alice", v.ID)
	assert.ErrorIs(t, err, vault.ErrNotCreator)

	got, err := h.engine.Activate(context.Background(), "carol", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VaultActive, got.Status)
	assert.True(t, got.CreatorLockedAmount.Equal(d(1000)))
	assert.Equal(t, h.now.Add(7*24*time.Hour), *got.EndsAt)
	assert.True(t, h.wallet("carol").LiveBalance.Equal(d(4000)))

	stored, _ := h.ms.GetVault(context.Background(), v.ID)
	assert.Equal(t, model.VaultActive, stored.Status)
	assert.IsType(t, model.ActivePool{}, stored.Pool)
	assertBalanced(t, h.ms, "alice", "carol")
}

func TestSettle_ProfitSplitsFees(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	h.fund("carol", 0, 0)
	v := h.activeVault(0, map[string]float64{"alice": 1000}, []string{"alice"}, false, 1000)

	got, err := h.engine.Settle(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VaultSettled, got.Status)

	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(1450)), "investor: %s", h.wallet("alice").LiveBalance)
	assert.True(t, h.wallet("carol").LiveBalance.Equal(d(500)), "creator: %s", h.wallet("carol").LiveBalance)

	p, _ := h.ms.GetParticipation(context.Background(), v.ID, "alice")
	assert.Equal(t, model.ParticipationSettled, p.Status)
	assert.True(t, p.NetPnL.Equal(d(450)))
	assert.True(t, p.PlatformFee.Equal(d(50)))
	assert.True(t, p.CreatorFee.Equal(d(500)))

	w := h.wallet("carol")
	entries, err := h.ms.LedgerEntriesByWallet(context.Background(), w.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.LedgerFee, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(d(500)))
	assertBalanced(t, h.ms, "alice", "carol")

	// Settling again changes nothing.
	again, err := h.engine.Settle(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VaultSettled, again.Status)
	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(1450)))
}

func TestSettle_InsuranceFirstComeFirstServed(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	h.fund("bob", 1000, 0)
	h.fund("carol", 1000, 0)
	deposits := map[string]float64{"alice": 500, "bob": 500}
	// 20% collateral on 1000 is 200; each insured deposit buys 150 coverage.
	v := h.activeVault(20, deposits, []string{"alice", "bob"}, true, -600)

	_, err := h.engine.Settle(context.Background(), v.ID)
	require.NoError(t, err)

	// Each share is 200 of a 400 NAV, a 300 loss apiece.
	// alice: min(300, 150, 200) = 150; bob: min(300, 150, 50) = 50.
	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(1000-500-30+200+150)), "alice: %s", h.wallet("alice").LiveBalance)
	assert.True(t, h.wallet("bob").LiveBalance.Equal(d(1000-500-30+200+50)), "bob: %s", h.wallet("bob").LiveBalance)
	assert.True(t, h.wallet("carol").LiveBalance.Equal(d(800)), "creator: %s", h.wallet("carol").LiveBalance)
	assertBalanced(t, h.ms, "alice", "bob", "carol")
}

func TestSettle_ReleasesUnusedCollateral(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	h.fund("bob", 1000, 0)
	h.fund("carol", 1000, 0)
	deposits := map[string]float64{"alice": 500, "bob": 500}
	v := h.activeVault(20, deposits, []string{"alice", "bob"}, true, -100)

	_, err := h.engine.Settle(context.Background(), v.ID)
	require.NoError(t, err)

	// 50 loss each is fully covered; 100 of the 200 collateral comes back.
	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(970)))
	assert.True(t, h.wallet("bob").LiveBalance.Equal(d(970)))
	assert.True(t, h.wallet("carol").LiveBalance.Equal(d(900)))
	assertBalanced(t, h.ms, "alice", "bob", "carol")
}

func TestSettle_Preconditions(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	h.fund("carol", 0, 0)
	ctx := context.Background()
	v := h.create(100, 0, 0)
	h.deposit("alice", v.ID, 100, false)

	_, err := h.engine.Settle(ctx, v.ID)
	assert.ErrorIs(t, err, vault.ErrNotActive)

	_, err = h.engine.Activate(ctx, "carol", v.ID)
	require.NoError(t, err)
	_, err = h.engine.Settle(ctx, v.ID)
	assert.ErrorIs(t, err, vault.ErrNotMatured)

	require.NoError(t, h.ms.InsertTrade(ctx, &model.Trade{
		ID: "t1", UserID: "carol", Symbol: "BTC/USD", VaultID: v.ID, BotID: "public",
		Status: model.TradeOpen, Stake: d(10), ExpiresAt: h.now,
	}))
	h.now = h.now.Add(8 * 24 * time.Hour)
	_, err = h.engine.Settle(ctx, v.ID)
	assert.ErrorIs(t, err, vault.ErrTradesOpen)
}

func TestWithdraw_HoldAndRefund(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 100)
	h.fund("bob", 1000, 0)
	ctx := context.Background()
	v := h.create(1000, 10, 0)
	h.deposit("alice", v.ID, 300, true)
	h.deposit("bob", v.ID, 200, false)

	_, err := h.engine.Withdraw(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, vault.ErrWithdrawLocked)

	h.now = h.now.Add(10 * 24 * time.Hour)
	p, err := h.engine.Withdraw(ctx, "alice", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationRefunded, p.Status)
	assert.True(t, p.FinalPayout.Equal(d(318)))

	// Bonus-funded principal comes back as live money.
	w := h.wallet("alice")
	assert.True(t, w.LiveBalance.Equal(d(1100)), "live: %s", w.LiveBalance)
	assert.True(t, w.BonusBalance.IsZero())

	_, err = h.engine.Withdraw(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, vault.ErrNoParticipation)

	got, _ := h.ms.GetVault(ctx, v.ID)
	assert.Equal(t, model.VaultFunding, got.Status)
	assert.True(t, got.TotalPoolAmount().Equal(d(200)))

	_, err = h.engine.Withdraw(ctx, "bob", v.ID)
	require.NoError(t, err)
	got, _ = h.ms.GetVault(ctx, v.ID)
	assert.Equal(t, model.VaultCancelled, got.Status)
	assertBalanced(t, h.ms, "alice", "bob")
}

func TestCancelFunding_RefundsEveryone(t *testing.T) {
	h := newHarness(t, vault.DefaultConfig())
	h.fund("alice", 1000, 0)
	h.fund("bob", 1000, 0)
	ctx := context.Background()
	v := h.create(1000, 10, 0)
	h.deposit("alice", v.ID, 300, true)
	h.deposit("bob", v.ID, 200, false)

	_, err := h.engine.CancelFunding(ctx, "alice", v.ID)
	assert.ErrorIs(t, err, vault.ErrNotCreator)

	got, err := h.engine.CancelFunding(ctx, "carol", v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VaultCancelled, got.Status)
	assert.True(t, h.wallet("alice").LiveBalance.Equal(d(1000)))
	assert.True(t, h.wallet("bob").LiveBalance.Equal(d(1000)))

	_, err = h.engine.Deposit(ctx, "bob", v.ID, d(10), false)
	assert.ErrorIs(t, err, vault.ErrNotFunding)
	assertBalanced(t, h.ms, "alice", "bob")
}

func TestFailFunding(t *testing.T) {
	cfg := vault.DefaultConfig()
	h := newHarness(t, cfg)
	h.fund("alice", 1000, 0)
	v := h.create(1000, 0, 0)
	h.deposit("alice", v.ID, 400, false)

	_, err := h.engine.FailFunding(context.Background(), v.ID)
	assert.ErrorIs(t, err, vault.ErrFundingOpen)

	cfg.FundingTimeout = 30 * 24 * time.Hour
	h2 := newHarness(t, cfg)
	h2.fund("alice", 1000, 0)
	v = h2.create(1000, 0, 0)
	h2.deposit("alice", v.ID, 400, false)
	_, err = h2.engine.FailFunding(context.Background(), v.ID)
	assert.ErrorIs(t, err, vault.ErrFundingOpen)

	h2.now = h2.now.Add(31 * 24 * time.Hour)
	got, err := h2.engine.FailFunding(context.Background(), v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VaultFailed, got.Status)
	assert.True(t, h2.wallet("alice").LiveBalance.Equal(d(1000)))
}

func TestDistribute_PremiumRateAndProRata(t *testing.T) {
	v := &model.Vault{
		Status:             model.VaultActive,
		ProfitSharePercent: d(10),
		Pool:               model.ActivePool{Invested: d(1000), Current: d(1500)},
	}
	parts := []model.VaultParticipation{
		{UserID: "a", AmountLocked: d(750), Status: model.ParticipationActive},
		{UserID: "b", AmountLocked: d(250), Status: model.ParticipationActive},
		{UserID: "gone", AmountLocked: d(100), Status: model.ParticipationRefunded},
	}
	rate := vault.DefaultConfig().PlatformRate(true)
	assert.True(t, rate.Equal(d(0.1)))

	dist := vault.Distribute(v, parts, rate)
	require.Len(t, dist.Shares, 2)
	a, b := dist.Shares[0], dist.Shares[1]
	assert.True(t, a.Gross.Equal(d(1125)))
	assert.True(t, a.PlatformFee.Equal(d(37.5)))
	assert.True(t, a.CreatorFee.Equal(d(37.5)))
	assert.True(t, a.Payout.Equal(d(1050)))
	assert.True(t, b.Gross.Equal(d(375)))
	assert.True(t, b.Payout.Equal(d(350)))
	assert.True(t, dist.CreatorFees.Equal(d(50)))
	assert.True(t, dist.PnL.Equal(d(500)))
}

// lateOpenStore lets a vault trade open right after the first open-trade
// count on a vault, the way a concurrent OpenTrade could commit.
type lateOpenStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	open *model.Trade
}

func (s *lateOpenStore) CountOpenTradesByVault(ctx context.Context, vaultID string) (int64, error) {
	n, err := s.MemoryStore.CountOpenTradesByVault(ctx, vaultID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open != nil {
		tr := s.open
		s.open = nil
		if err := s.MemoryStore.InsertTrade(ctx, tr); err != nil {
			return 0, err
		}
	}
	return n, err
}

func TestSettle_TradeOpenedAfterPrecheckDefers(t *testing.T) {
	for _, mode := range []consistency.Mode{consistency.Strict, consistency.BestEffort} {
		t.Run(mode.String(), func(t *testing.T) {
			var late *lateOpenStore
			h := newHarnessWith(t, vault.DefaultConfig(), mode, func(ms *store.MemoryStore) store.Store {
				late = &lateOpenStore{MemoryStore: ms}
				return late
			})
			h.fund("alice", 1000, 0)
			h.fund("carol", 1000, 0)
			ctx := context.Background()
			v := h.activeVault(10, map[string]float64{"alice": 500}, []string{"alice"}, false, 0)

			late.mu.Lock()
			late.open = &model.Trade{
				ID: "late", UserID: "carol", Mode: model.ModeLive, Symbol: "BTC/USD", VaultID: v.ID, BotID: "public",
				Status: model.TradeOpen, Stake: d(10), ExpiresAt: h.now,
			}
			late.mu.Unlock()

			_, err := h.engine.Settle(ctx, v.ID)
			assert.ErrorIs(t, err, vault.ErrTradesOpen)

			got, err := h.ms.GetVault(ctx, v.ID)
			require.NoError(t, err)
			assert.Equal(t, model.VaultActive, got.Status)
			assert.Nil(t, got.SettledAt)
			p, err := h.ms.GetParticipation(ctx, v.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, model.ParticipationActive, p.Status)
			assert.True(t, h.wallet("alice").LiveBalance.Equal(d(500)))
		})
	}
}
