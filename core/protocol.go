package core

import (
	"encoding/json"
	"time"
)

// Request and response bodies exchanged with exchanges, banks and
// merchants.

type ExchangeKeysResponse struct {
	MasterPublicKey string             `json:"master_public_key"`
	Version         string             `json:"version"`
	Denoms          []DenominationInfo `json:"denoms"`
}

type DenominationInfo struct {
	DenomPub            string    `json:"denom_pub"`
	Value               Amount    `json:"value"`
	FeeWithdraw         Amount    `json:"fee_withdraw"`
	FeeDeposit          Amount    `json:"fee_deposit"`
	FeeRefresh          Amount    `json:"fee_refresh"`
	FeeRefund           Amount    `json:"fee_refund"`
	StampStart          time.Time `json:"stamp_start"`
	StampExpireWithdraw time.Time `json:"stamp_expire_withdraw"`
	StampExpireDeposit  time.Time `json:"stamp_expire_deposit"`
	StampExpireLegal    time.Time `json:"stamp_expire_legal"`
	MasterSig           string    `json:"master_sig"`
}

// Denomination converts the announcement into an unverified record.
func (d *DenominationInfo) Denomination(baseURL, denomPubHash string) *Denomination {
	return &Denomination{
		DenomPub:            d.DenomPub,
		DenomPubHash:        denomPubHash,
		ExchangeBaseURL:     baseURL,
		Value:               d.Value,
		FeeWithdraw:         d.FeeWithdraw,
		FeeDeposit:          d.FeeDeposit,
		FeeRefresh:          d.FeeRefresh,
		FeeRefund:           d.FeeRefund,
		StampStart:          d.StampStart,
		StampExpireWithdraw: d.StampExpireWithdraw,
		StampExpireDeposit:  d.StampExpireDeposit,
		StampExpireLegal:    d.StampExpireLegal,
		MasterSig:           d.MasterSig,
		Status:              DenominationStatusUnverified,
		IsOffered:           true,
	}
}

type WireAccount struct {
	URL string `json:"url"`
}

type ExchangeWireResponse struct {
	Accounts []WireAccount        `json:"accounts"`
	Fees     map[string][]WireFee `json:"fees"`
}

type ReserveStatusResponse struct {
	Balance Amount `json:"balance"`
}

type WithdrawRequestBody struct {
	DenomPubHash string `json:"denom_pub_hash"`
	ReservePub   string `json:"reserve_pub"`
	ReserveSig   string `json:"reserve_sig"`
	CoinEv       string `json:"coin_ev"`
}

type WithdrawResponse struct {
	EvSig string `json:"ev_sig"`
}

type MeltRequestBody struct {
	CoinPub      string `json:"coin_pub"`
	DenomPubHash string `json:"denom_pub_hash"`
	DenomSig     string `json:"denom_sig"`
	ValueWithFee Amount `json:"value_with_fee"`
	SessionHash  string `json:"rc"`
	ConfirmSig   string `json:"confirm_sig"`
}

type MeltResponse struct {
	NoRevealIndex int `json:"noreveal_index"`
}

type RevealRequestBody struct {
	SessionHash   string   `json:"rc"`
	TransferPub   string   `json:"transfer_pub"`
	TransferPrivs []string `json:"transfer_privs"`
	CoinEvs       []string `json:"coin_evs"`
	NewDenomsHash []string `json:"new_denoms_h"`
}

type RevealResponse struct {
	EvSigs []WithdrawResponse `json:"ev_sigs"`
}

// BankWithdrawStatus is what a bank reports about a withdrawal operation.
type BankWithdrawStatus struct {
	SelectionDone      bool   `json:"selection_done"`
	TransferDone       bool   `json:"transfer_done"`
	Amount             Amount `json:"amount"`
	SenderWire         string `json:"sender_wire,omitempty"`
	SuggestedExchange  string `json:"suggested_exchange,omitempty"`
	ConfirmTransferURL string `json:"confirm_transfer_url,omitempty"`
}

type BankSelectionRequest struct {
	ReservePub       string `json:"reserve_pub"`
	SelectedExchange string `json:"selected_exchange"`
}

type ProposalResponse struct {
	ContractTerms json.RawMessage `json:"contract_terms"`
	Sig           string          `json:"sig"`
}

type PayResponse struct {
	Sig string `json:"sig"`
}

type RefundResponse struct {
	RefundPermissions []RefundPermission `json:"refund_permissions"`
	MerchantPub       string             `json:"merchant_pub"`
}

type TipStatusResponse struct {
	Amount      Amount    `json:"amount"`
	AmountLeft  Amount    `json:"amount_left"`
	ExchangeURL string    `json:"exchange_url"`
	NextURL     string    `json:"next_url,omitempty"`
	StampExpire time.Time `json:"stamp_expire"`
}

type TipPlanchetDetail struct {
	DenomPubHash string `json:"denom_pub_hash"`
	CoinEv       string `json:"coin_ev"`
}

type TipPickupRequest struct {
	TipID     string              `json:"tip_id"`
	Planchets []TipPlanchetDetail `json:"planchets"`
}

type ReserveSig struct {
	ReserveSig string `json:"reserve_sig"`
}

type TipPickupResponse struct {
	ReservePub  string       `json:"reserve_pub"`
	ReserveSigs []ReserveSig `json:"reserve_sigs"`
}
