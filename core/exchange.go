package core

import (
	"context"
	"net/url"
	"strings"
	"time"
)

type ExchangeUpdateStatus uint8

const (
	_ ExchangeUpdateStatus = iota
	ExchangeUpdateStatusFetchKeys
	ExchangeUpdateStatusFetchWire
	ExchangeUpdateStatusFinalizeUpdate
	ExchangeUpdateStatusFinished
)

func (s ExchangeUpdateStatus) String() string {
	switch s {
	case ExchangeUpdateStatusFetchKeys:
		return "fetch-keys"
	case ExchangeUpdateStatusFetchWire:
		return "fetch-wire"
	case ExchangeUpdateStatusFinalizeUpdate:
		return "finalize-update"
	case ExchangeUpdateStatusFinished:
		return "finished"
	default:
		return "unknown"
	}
}

type Exchange struct {
	BaseURL      string               `json:"base_url"`
	Details      *ExchangeDetails     `json:"details,omitempty"`
	WireInfo     *ExchangeWireInfo    `json:"wire_info,omitempty"`
	UpdateStatus ExchangeUpdateStatus `json:"update_status"`
	UpdateReason string               `json:"update_reason,omitempty"`
	UpdateStart  time.Time            `json:"update_start"`
	RetryInfo    RetryInfo            `json:"retry_info"`
	LastError    *OperationError      `json:"last_error,omitempty"`
}

type ExchangeDetails struct {
	Currency        string    `json:"currency"`
	MasterPublicKey string    `json:"master_public_key"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	LastUpdateTime  time.Time `json:"last_update_time"`
}

type WireFee struct {
	WireFee    Amount    `json:"wire_fee"`
	ClosingFee Amount    `json:"closing_fee"`
	StartStamp time.Time `json:"start_date"`
	EndStamp   time.Time `json:"end_date"`
	Sig        string    `json:"sig"`
}

type ExchangeWireInfo struct {
	Accounts    []string             `json:"accounts"`
	FeesForType map[string][]WireFee `json:"fees"`
}

type DenominationStatus uint8

const (
	_ DenominationStatus = iota
	DenominationStatusUnverified
	DenominationStatusVerifiedGood
	DenominationStatusVerifiedBad
)

// Denomination is a coin value class announced by an exchange. The record
// is keyed by DenomPubHash and never changes after it was fetched, except
// for Status and IsOffered.
type Denomination struct {
	DenomPub        string `json:"denom_pub"`
	DenomPubHash    string `json:"denom_pub_hash"`
	ExchangeBaseURL string `json:"exchange_base_url"`

	Value       Amount `json:"value"`
	FeeWithdraw Amount `json:"fee_withdraw"`
	FeeDeposit  Amount `json:"fee_deposit"`
	FeeRefresh  Amount `json:"fee_refresh"`
	FeeRefund   Amount `json:"fee_refund"`

	StampStart          time.Time `json:"stamp_start"`
	StampExpireWithdraw time.Time `json:"stamp_expire_withdraw"`
	StampExpireDeposit  time.Time `json:"stamp_expire_deposit"`
	StampExpireLegal    time.Time `json:"stamp_expire_legal"`

	MasterSig string             `json:"master_sig"`
	Status    DenominationStatus `json:"status"`
	IsOffered bool               `json:"is_offered"`
}

func (d *Denomination) Indexes() map[string]string {
	return map[string]string{IndexByExchange: d.ExchangeBaseURL}
}

// IsWithdrawable reports whether coins of d can be withdrawn at t.
func (d *Denomination) IsWithdrawable(t time.Time) bool {
	return d.Status == DenominationStatusVerifiedGood &&
		d.IsOffered &&
		!t.Before(d.StampStart) &&
		t.Before(d.StampExpireWithdraw)
}

// IsDepositable reports whether coins of d can be spent at t.
func (d *Denomination) IsDepositable(t time.Time) bool {
	return d.Status != DenominationStatusVerifiedBad &&
		!t.Before(d.StampStart) &&
		t.Before(d.StampExpireDeposit)
}

type ExchangeService interface {
	// Update fetches keys and wire info unless the exchange is fresh.
	Update(ctx context.Context, baseURL string, force bool) (*Exchange, error)
	Find(ctx context.Context, baseURL string) (*Exchange, error)
	ListDenominations(ctx context.Context, baseURL string) ([]*Denomination, error)
	// SelectWithdrawDenoms picks denominations for amount, largest first.
	SelectWithdrawDenoms(ctx context.Context, baseURL string, amount Amount) ([]*Denomination, error)
}

// CanonicalizeBaseURL adds a missing scheme and trailing slash and drops
// query and fragment, so the same exchange always maps to one record.
func CanonicalizeBaseURL(s string) string {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return s
	}

	u.RawQuery = ""
	u.Fragment = ""
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	return u.String()
}
