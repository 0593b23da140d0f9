package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic runs against a cloned snapshot that replaces the live state only
// when fn succeeds, so a failed unit leaves nothing behind.
type MemoryStore struct {
	memTx
	mu    sync.Mutex
	state memState
	noTx  bool
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithoutTransactions makes the store report no transaction support, which
// mimics a non-clustered deployment for best-effort mode.
func WithoutTransactions() MemoryOption {
	return func(s *MemoryStore) { s.noTx = true }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{state: newMemState()}
	s.memTx = memTx{mu: &s.mu, st: &s.state}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) SupportsTransactions(_ context.Context) bool {
	return !s.noTx
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s.noTx {
		return ErrTransactionsUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(ctx, &memTx{mu: nopLocker{}, st: &snapshot}); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

type vaultRow struct {
	vault model.Vault // Pool is rebuilt from total/user on read
	total decimal.Decimal
	user  decimal.Decimal
}

type memState struct {
	wallets        map[string]*model.Wallet // wallet ID → wallet
	walletByUser   map[string]string
	ledger         []model.LedgerEntry
	trades         map[string]*model.Trade
	bots           map[string]*model.Bot
	vaults         map[string]*vaultRow
	participations map[string]*model.VaultParticipation // vaultID/userID → participation
}

func newMemState() memState {
	return memState{
		wallets:        make(map[string]*model.Wallet),
		walletByUser:   make(map[string]string),
		trades:         make(map[string]*model.Trade),
		bots:           make(map[string]*model.Bot),
		vaults:         make(map[string]*vaultRow),
		participations: make(map[string]*model.VaultParticipation),
	}
}

func (st *memState) clone() memState {
	c := memState{
		wallets:        make(map[string]*model.Wallet, len(st.wallets)),
		walletByUser:   maps.Clone(st.walletByUser),
		ledger:         slices.Clone(st.ledger),
		trades:         make(map[string]*model.Trade, len(st.trades)),
		bots:           make(map[string]*model.Bot, len(st.bots)),
		vaults:         make(map[string]*vaultRow, len(st.vaults)),
		participations: make(map[string]*model.VaultParticipation, len(st.participations)),
	}
	for k, v := range st.wallets {
		cp := *v
		c.wallets[k] = &cp
	}
	for k, v := range st.trades {
		cp := *v
		c.trades[k] = &cp
	}
	for k, v := range st.bots {
		cp := *v
		c.bots[k] = &cp
	}
	for k, v := range st.vaults {
		cp := *v
		c.vaults[k] = &cp
	}
	for k, v := range st.participations {
		cp := *v
		c.participations[k] = &cp
	}
	return c
}

// memTx holds the data operations. The store's own memTx locks the store
// mutex per call; the one handed to Atomic callbacks runs under the lock
// already held by Atomic.
type memTx struct {
	mu sync.Locker
	st *memState
}

func participationKey(vaultID, userID string) string { return vaultID + "/" + userID }

// --- Wallets ---

func (t *memTx) CreateWallet(_ context.Context, w *model.Wallet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.st.walletByUser[w.UserID]; ok {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrDuplicate)
	}
	cp := *w
	t.st.wallets[w.ID] = &cp
	t.st.walletByUser[w.UserID] = w.ID
	return nil
}

func (t *memTx) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.st.walletByUser[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
	}
	cp := *t.st.wallets[id]
	return &cp, nil
}

func (t *memTx) AdjustBalance(_ context.Context, walletID string, mode model.Mode, delta decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.st.wallets[walletID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	var field *decimal.Decimal
	switch mode {
	case model.ModeLive:
		field = &w.LiveBalance
	case model.ModeBonus:
		field = &w.BonusBalance
	case model.ModeDemo:
		field = &w.DemoBalance
	default:
		return fmt.Errorf("unknown balance mode %q", mode)
	}
	next := field.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	*field = next
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Ledger ---

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.st.ledger = append(t.st.ledger, *entry)
	return nil
}

func (t *memTx) LedgerEntriesByWallet(_ context.Context, walletID string) ([]model.LedgerEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []model.LedgerEntry
	for _, e := range t.st.ledger {
		if e.WalletID == walletID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memTx) LedgerEntriesByVault(_ context.Context, vaultID string) ([]model.LedgerEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []model.LedgerEntry
	for _, e := range t.st.ledger {
		if e.VaultID == vaultID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Trades ---

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.st.trades[tr.ID]; ok {
		return fmt.Errorf("trade %s: %w", tr.ID, ErrDuplicate)
	}
	cp := *tr
	t.st.trades[tr.ID] = &cp
	return nil
}

func (t *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, ok := t.st.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	cp := *tr
	return &cp, nil
}

func (t *memTx) MarkTradeSettled(_ context.Context, tr *model.Trade) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.st.trades[tr.ID]
	if !ok {
		return fmt.Errorf("trade %s: %w", tr.ID, ErrNotFound)
	}
	if cur.Status != model.TradeOpen {
		return fmt.Errorf("trade %s: %w", tr.ID, ErrAlreadySettled)
	}
	cur.Status = model.TradeSettled
	cur.ExitPrice = tr.ExitPrice
	cur.PriceSource = tr.PriceSource
	cur.Outcome = tr.Outcome
	cur.PayoutAmount = tr.PayoutAmount
	cur.PlatformFee = tr.PlatformFee
	cur.SettledAt = tr.SettledAt
	return nil
}

func (t *memTx) ListExpiredOpenTrades(_ context.Context, before time.Time, limit int) ([]model.Trade, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []model.Trade
	for _, tr := range t.st.trades {
		if tr.Status == model.TradeOpen && tr.ExpiresAt.Before(before) {
			result = append(result, *tr)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (t *memTx) CountOpenTradesByBot(_ context.Context) (map[string]int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int64)
	for _, tr := range t.st.trades {
		if tr.Status == model.TradeOpen && tr.BotID != "" {
			counts[tr.BotID]++
		}
	}
	return counts, nil
}

func (t *memTx) CountOpenTradesByVault(_ context.Context, vaultID string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int64
	for _, tr := range t.st.trades {
		if tr.Status == model.TradeOpen && tr.VaultID == vaultID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) OpenStakeBySymbol(_ context.Context, userID string) (map[string]decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	stakes := make(map[string]decimal.Decimal)
	for _, tr := range t.st.trades {
		if tr.Status == model.TradeOpen && tr.UserID == userID {
			stakes[tr.Symbol] = stakes[tr.Symbol].Add(tr.Stake)
		}
	}
	return stakes, nil
}

// --- Bots ---

func (t *memTx) CreateBot(_ context.Context, b *model.Bot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.st.bots[b.ID]; ok {
		return fmt.Errorf("bot %s: %w", b.ID, ErrDuplicate)
	}
	cp := *b
	t.st.bots[b.ID] = &cp
	return nil
}

func (t *memTx) GetBot(_ context.Context, id string) (*model.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.st.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (t *memTx) ListBots(_ context.Context) ([]model.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bots := make([]model.Bot, 0, len(t.st.bots))
	for _, b := range t.st.bots {
		bots = append(bots, *b)
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	return bots, nil
}

func (t *memTx) RecordBotOpen(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.st.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	b.Stats.TotalTrades++
	b.Stats.ActiveTrades++
	return nil
}

func (t *memTx) RecordBotSettlement(_ context.Context, id string, outcome model.Outcome, pnl decimal.Decimal) (*model.Bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.st.bots[id]
	if !ok {
		return nil, fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if b.Stats.ActiveTrades > 0 {
		b.Stats.ActiveTrades--
	}
	switch outcome {
	case model.OutcomeWin:
		b.Stats.Wins++
	case model.OutcomeLoss:
		b.Stats.Losses++
	case model.OutcomeDraw:
		b.Stats.Draws++
	}
	b.Stats.NetPnL = b.Stats.NetPnL.Add(pnl)
	cp := *b
	return &cp, nil
}

func (t *memTx) SetBotStatus(_ context.Context, id string, status model.BotStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.st.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	b.Status = status
	return nil
}

func (t *memTx) SetBotActiveTrades(_ context.Context, id string, expected, n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.st.bots[id]
	if !ok {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	if b.Stats.ActiveTrades != expected {
		return fmt.Errorf("bot %s active trades %d, expected %d: %w", id, b.Stats.ActiveTrades, expected, ErrConflict)
	}
	b.Stats.ActiveTrades = n
	return nil
}

// --- Vaults ---

func (t *memTx) CreateVault(_ context.Context, v *model.Vault) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.st.vaults[v.ID]; ok {
		return fmt.Errorf("vault %s: %w", v.ID, ErrDuplicate)
	}
	t.st.vaults[v.ID] = &vaultRow{
		vault: *v,
		total: v.TotalPoolAmount(),
		user:  v.UserPoolAmount(),
	}
	return nil
}

func (t *memTx) GetVault(_ context.Context, id string) (*model.Vault, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.st.vaults[id]
	if !ok {
		return nil, fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	return row.load()
}

func (t *memTx) ListVaults(_ context.Context, status model.VaultStatus) ([]model.Vault, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var vaults []model.Vault
	for _, row := range t.st.vaults {
		if row.vault.Status != status {
			continue
		}
		v, err := row.load()
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, *v)
	}
	sort.Slice(vaults, func(i, j int) bool { return vaults[i].CreatedAt.Before(vaults[j].CreatedAt) })
	return vaults, nil
}

func (t *memTx) AddVaultPrincipal(_ context.Context, id string, delta decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.st.vaults[id]
	if !ok {
		return fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	next := row.user.Add(delta)
	if row.vault.Status != model.VaultFunding || next.IsNegative() || next.GreaterThan(row.vault.TargetAmount) {
		return ErrConflict
	}
	row.user = next
	row.total = row.total.Add(delta)
	return nil
}

func (t *memTx) AdjustVaultNAV(_ context.Context, id string, delta decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.st.vaults[id]
	if !ok {
		return fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	if row.vault.Status != model.VaultActive {
		return ErrConflict
	}
	next := row.total.Add(delta)
	if next.IsNegative() {
		return ErrInsufficientFunds
	}
	row.total = next
	return nil
}

func (t *memTx) TransitionVault(_ context.Context, from model.VaultStatus, v *model.Vault) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.st.vaults[v.ID]
	if !ok {
		return fmt.Errorf("vault %s: %w", v.ID, ErrNotFound)
	}
	if row.vault.Status != from {
		return ErrConflict
	}
	row.vault.Status = v.Status
	row.vault.CreatorLockedAmount = v.CreatorLockedAmount
	row.vault.StartedAt = v.StartedAt
	row.vault.EndsAt = v.EndsAt
	row.vault.SettledAt = v.SettledAt
	return nil
}

func (r *vaultRow) load() (*model.Vault, error) {
	v := r.vault
	pool, err := model.RestorePool(v.Status, r.total, r.user)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.ID, err)
	}
	v.Pool = pool
	return &v, nil
}

// --- Participations ---

func (t *memTx) GetParticipation(_ context.Context, vaultID, userID string) (*model.VaultParticipation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.st.participations[participationKey(vaultID, userID)]
	if !ok {
		return nil, fmt.Errorf("participation %s/%s: %w", vaultID, userID, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) AddParticipation(_ context.Context, p *model.VaultParticipation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := participationKey(p.VaultID, p.UserID)
	cur, ok := t.st.participations[key]
	if !ok {
		cp := *p
		t.st.participations[key] = &cp
		return nil
	}
	if cur.Status != model.ParticipationActive {
		return ErrConflict
	}
	cur.AmountLocked = cur.AmountLocked.Add(p.AmountLocked)
	cur.InsuranceFeePaid = cur.InsuranceFeePaid.Add(p.InsuranceFeePaid)
	cur.InsuranceCoverage = cur.InsuranceCoverage.Add(p.InsuranceCoverage)
	cur.IsInsured = cur.IsInsured || p.IsInsured
	return nil
}

func (t *memTx) ListParticipations(_ context.Context, vaultID string) ([]model.VaultParticipation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []model.VaultParticipation
	for _, p := range t.st.participations {
		if p.VaultID == vaultID {
			result = append(result, *p)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (t *memTx) CloseParticipation(_ context.Context, p *model.VaultParticipation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.st.participations[participationKey(p.VaultID, p.UserID)]
	if !ok {
		return fmt.Errorf("participation %s/%s: %w", p.VaultID, p.UserID, ErrNotFound)
	}
	if cur.Status != model.ParticipationActive {
		return ErrConflict
	}
	cur.Status = p.Status
	cur.FinalPayout = p.FinalPayout
	cur.NetPnL = p.NetPnL
	cur.PlatformFee = p.PlatformFee
	cur.CreatorFee = p.CreatorFee
	cur.InsurancePaid = p.InsurancePaid
	cur.SettledAt = p.SettledAt
	return nil
}
