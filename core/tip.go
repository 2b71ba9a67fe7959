package core

import (
	"context"
	"time"
)

type TipPlanchet struct {
	CoinPub      string `json:"coin_pub"`
	CoinPriv     string `json:"coin_priv"`
	BlindingKey  string `json:"blinding_key"`
	CoinEv       string `json:"coin_ev"`
	CoinValue    Amount `json:"coin_value"`
	DenomPub     string `json:"denom_pub"`
	DenomPubHash string `json:"denom_pub_hash"`
}

type Tip struct {
	TipID             string        `json:"tip_id"`
	MerchantTipID     string        `json:"merchant_tip_id"`
	MerchantBaseURL   string        `json:"merchant_base_url"`
	ExchangeBaseURL   string        `json:"exchange_base_url"`
	Amount            Amount        `json:"amount"`
	TotalFees         Amount        `json:"total_fees"`
	Deadline          time.Time     `json:"deadline"`
	NextURL           string        `json:"next_url,omitempty"`
	CreatedTimestamp  time.Time     `json:"created_timestamp"`
	AcceptedTimestamp time.Time     `json:"accepted_timestamp"`
	Planchets         []TipPlanchet `json:"planchets,omitempty"`
	PickedUp          bool          `json:"picked_up"`
	WithdrawalGroupID string        `json:"withdrawal_group_id,omitempty"`

	RetryInfo RetryInfo       `json:"retry_info"`
	LastError *OperationError `json:"last_error,omitempty"`
}

func (t *Tip) Accepted() bool {
	return !t.AcceptedTimestamp.IsZero()
}

type TipStatus struct {
	TipID           string    `json:"tip_id"`
	Accepted        bool      `json:"accepted"`
	Amount          Amount    `json:"amount"`
	AmountLeft      Amount    `json:"amount_left"`
	TotalFees       Amount    `json:"total_fees"`
	ExchangeBaseURL string    `json:"exchange_url"`
	NextURL         string    `json:"next_url,omitempty"`
	MerchantTipID   string    `json:"merchant_tip_id"`
	Expiration      time.Time `json:"expiration"`
}

type TipService interface {
	PrepareTip(ctx context.Context, merchantBaseURL, merchantTipID string) (*TipStatus, error)
	AcceptTip(ctx context.Context, tipID string) error
	ProcessTip(ctx context.Context, tipID string, forceNow bool) error
}
