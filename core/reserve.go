package core

import (
	"context"
	"time"
)

type ReserveStatus uint8

const (
	_ ReserveStatus = iota
	// ReserveStatusUnconfirmed waits for the user to confirm the wire transfer.
	ReserveStatusUnconfirmed
	ReserveStatusRegisteringBank
	ReserveStatusWaitConfirmBank
	ReserveStatusQueryingStatus
	ReserveStatusWithdrawing
	// ReserveStatusDormant is terminal until new funds show up.
	ReserveStatusDormant
)

func (s ReserveStatus) String() string {
	switch s {
	case ReserveStatusUnconfirmed:
		return "unconfirmed"
	case ReserveStatusRegisteringBank:
		return "registering-bank"
	case ReserveStatusWaitConfirmBank:
		return "wait-confirm-bank"
	case ReserveStatusQueryingStatus:
		return "querying-status"
	case ReserveStatusWithdrawing:
		return "withdrawing"
	case ReserveStatusDormant:
		return "dormant"
	default:
		return "unknown"
	}
}

type Reserve struct {
	ReservePub      string        `json:"reserve_pub"`
	ReservePriv     string        `json:"reserve_priv"`
	ExchangeBaseURL string        `json:"exchange_base_url"`
	ExchangeWire    string        `json:"exchange_wire,omitempty"`
	SenderWire      string        `json:"sender_wire,omitempty"`
	Status          ReserveStatus `json:"status"`

	TimestampCreated           time.Time `json:"timestamp_created"`
	TimestampConfirmed         time.Time `json:"timestamp_confirmed"`
	TimestampReserveInfoPosted time.Time `json:"timestamp_reserve_info_posted"`
	TimestampLastStatusQuery   time.Time `json:"timestamp_last_status_query"`

	InitiallyRequested Amount `json:"initially_requested"`
	// WithdrawAllocated is the value handed to withdrawal groups so far.
	WithdrawAllocated Amount `json:"withdraw_allocated"`
	// WithdrawCompleted is the part of WithdrawAllocated already withdrawn.
	WithdrawCompleted Amount `json:"withdraw_completed"`
	// WithdrawRemaining is known to be at the exchange and not yet allocated.
	WithdrawRemaining Amount `json:"withdraw_remaining"`
	// ExchangeBalance is the balance the exchange reported last.
	ExchangeBalance Amount `json:"exchange_balance"`

	BankWithdrawStatusURL  string `json:"bank_withdraw_status_url,omitempty"`
	BankWithdrawConfirmURL string `json:"bank_withdraw_confirm_url,omitempty"`

	RetryInfo RetryInfo       `json:"retry_info"`
	LastError *OperationError `json:"last_error,omitempty"`
}

func (r *Reserve) Currency() string {
	return r.InitiallyRequested.Currency
}

// BankWithdrawURI links a bank withdrawal operation to the reserve
// created for it, so a second accept returns the same reserve.
type BankWithdrawURI struct {
	StatusURL  string `json:"status_url"`
	ReservePub string `json:"reserve_pub"`
}

type CreateReserveRequest struct {
	Amount                Amount `json:"amount"`
	Exchange              string `json:"exchange" valid:"required"`
	ExchangeWire          string `json:"exchange_wire,omitempty"`
	SenderWire            string `json:"sender_wire,omitempty"`
	BankWithdrawStatusURL string `json:"bank_withdraw_status_url,omitempty"`
}

type CreateReserveResponse struct {
	Exchange   string `json:"exchange"`
	ReservePub string `json:"reserve_pub"`
}

type ReserveService interface {
	Create(ctx context.Context, req *CreateReserveRequest) (*CreateReserveResponse, error)
	Confirm(ctx context.Context, reservePub string) error
	// AcceptWithdrawal creates (or finds) the reserve for a bank
	// integrated withdrawal operation.
	AcceptWithdrawal(ctx context.Context, statusURL, exchange string) (*CreateReserveResponse, error)
	Process(ctx context.Context, reservePub string, forceNow bool) error
}
