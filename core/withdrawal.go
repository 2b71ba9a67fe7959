package core

import (
	"context"
	"strconv"
	"time"
)

type WithdrawalSourceType string

const (
	WithdrawalSourceReserve WithdrawalSourceType = "reserve"
	WithdrawalSourceTip     WithdrawalSourceType = "tip"
)

type WithdrawalSource struct {
	Type       WithdrawalSourceType `json:"type"`
	ReservePub string               `json:"reserve_pub,omitempty"`
	TipID      string               `json:"tip_id,omitempty"`
}

// WithdrawalGroup is one batch of coins withdrawn from a reserve or a tip.
// Withdrawn[i] tells whether the coin for Denoms[i] is in the wallet.
type WithdrawalGroup struct {
	WithdrawalGroupID   string           `json:"withdrawal_group_id"`
	Source              WithdrawalSource `json:"source"`
	ExchangeBaseURL     string           `json:"exchange_base_url"`
	Denoms              []string         `json:"denoms"`
	Withdrawn           []bool           `json:"withdrawn"`
	RawWithdrawalAmount Amount           `json:"raw_withdrawal_amount"`
	TotalCoinValue      Amount           `json:"total_coin_value"`
	TimestampStart      time.Time        `json:"timestamp_start"`
	TimestampFinish     time.Time        `json:"timestamp_finish"`

	RetryInfo        RetryInfo               `json:"retry_info"`
	LastError        *OperationError         `json:"last_error,omitempty"`
	LastErrorPerCoin map[int]*OperationError `json:"last_error_per_coin,omitempty"`
}

func (g *WithdrawalGroup) Indexes() map[string]string {
	return map[string]string{IndexByReserve: g.Source.ReservePub}
}

func (g *WithdrawalGroup) Finished() bool {
	return !g.TimestampFinish.IsZero()
}

func (g *WithdrawalGroup) NumWithdrawn() int {
	n := 0
	for _, w := range g.Withdrawn {
		if w {
			n++
		}
	}

	return n
}

// Planchet is the coin material for one slot of a withdrawal group,
// persisted before the withdraw request goes out.
type Planchet struct {
	WithdrawalGroupID string `json:"withdrawal_group_id"`
	CoinIndex         int    `json:"coin_index"`
	CoinPub           string `json:"coin_pub"`
	CoinPriv          string `json:"coin_priv"`
	BlindingKey       string `json:"blinding_key"`
	DenomPub          string `json:"denom_pub"`
	DenomPubHash      string `json:"denom_pub_hash"`
	CoinValue         Amount `json:"coin_value"`
	CoinEv            string `json:"coin_ev"`
	CoinEvHash        string `json:"coin_ev_hash"`
	ReservePub        string `json:"reserve_pub"`
	WithdrawSig       string `json:"withdraw_sig"`
	IsFromTip         bool   `json:"is_from_tip"`
}

func PlanchetKey(groupID string, index int) string {
	return groupID + ":" + strconv.Itoa(index)
}

func (p *Planchet) Key() string {
	return PlanchetKey(p.WithdrawalGroupID, p.CoinIndex)
}

func (p *Planchet) Indexes() map[string]string {
	return map[string]string{IndexByGroup: p.WithdrawalGroupID}
}

type WithdrawService interface {
	ProcessGroup(ctx context.Context, groupID string, forceNow bool) error
	Find(ctx context.Context, groupID string) (*WithdrawalGroup, error)
}
