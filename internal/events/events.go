// Package events is the settlement event feed: engines publish what they
// did, and subscribers (the WebSocket hub, tests) observe it.
package events

import "time"

// Event types.
const (
	TradeOpened     = "trade.opened"
	TradeSettled    = "trade.settled"
	BotStatus       = "bot.status"
	VaultDeposit    = "vault.deposit"
	VaultActivated  = "vault.activated"
	VaultWithdrawal = "vault.withdrawal"
	VaultCancelled  = "vault.cancelled"
	VaultFailed     = "vault.failed"
	VaultSettled    = "vault.settled"
)

// Event is one JSON message on the feed. Amounts are decimal strings.
type Event struct {
	Type    string    `json:"type"`
	TradeID string    `json:"trade_id,omitempty"`
	VaultID string    `json:"vault_id,omitempty"`
	BotID   string    `json:"bot_id,omitempty"`
	UserID  string    `json:"user_id,omitempty"`
	Symbol  string    `json:"symbol,omitempty"`
	Status  string    `json:"status,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Amount  string    `json:"amount,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher receives events after the unit that caused them committed.
// Publish must not block.
type Publisher interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
