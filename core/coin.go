package core

import (
	"context"
)

type CoinStatus uint8

const (
	_ CoinStatus = iota
	// CoinStatusFresh coins can be spent.
	CoinStatusFresh
	// CoinStatusDormant coins are exhausted or being refreshed.
	CoinStatusDormant
)

type CoinSourceType string

const (
	CoinSourceWithdraw CoinSourceType = "withdraw"
	CoinSourceRefresh  CoinSourceType = "refresh"
	CoinSourceTip      CoinSourceType = "tip"
)

type CoinSource struct {
	Type CoinSourceType `json:"type"`
	// GroupID is the withdrawal or refresh group the coin came from.
	GroupID   string `json:"group_id"`
	CoinIndex int    `json:"coin_index"`
	// OldCoinPub is set for refreshed coins.
	OldCoinPub string `json:"old_coin_pub,omitempty"`
}

// Coin is a spendable unit. CurrentAmount stays within
// [0, denomination value]; exhausted coins are kept.
type Coin struct {
	CoinPub         string     `json:"coin_pub"`
	CoinPriv        string     `json:"coin_priv"`
	DenomPub        string     `json:"denom_pub"`
	DenomPubHash    string     `json:"denom_pub_hash"`
	DenomSig        string     `json:"denom_sig"`
	BlindingKey     string     `json:"blinding_key"`
	ExchangeBaseURL string     `json:"exchange_base_url"`
	CurrentAmount   Amount     `json:"current_amount"`
	Status          CoinStatus `json:"status"`
	Source          CoinSource `json:"source"`
}

func (c *Coin) Indexes() map[string]string {
	return map[string]string{
		IndexByExchange: c.ExchangeBaseURL,
		IndexByDenom:    c.DenomPubHash,
	}
}

type Balance struct {
	Currency        string `json:"currency"`
	Available       Amount `json:"available"`
	PendingIncoming Amount `json:"pending_incoming"`
}

type ExchangeBalance struct {
	ExchangeBaseURL string `json:"exchange_base_url"`
	Available       Amount `json:"available"`
}

type Balances struct {
	ByCurrency map[string]*Balance         `json:"by_currency"`
	ByExchange map[string]*ExchangeBalance `json:"by_exchange"`
}

type BalanceService interface {
	GetBalances(ctx context.Context) (*Balances, error)
}
