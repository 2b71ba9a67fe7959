package core

import (
	"context"
	"math"
	"time"
)

// NoRetryDelay means no polling record bounds the retry loop's sleep.
const NoRetryDelay = time.Duration(math.MaxInt64)

type PendingOperationType string

const (
	PendingTypeBug              PendingOperationType = "bug"
	PendingTypeExchangeUpdate   PendingOperationType = "exchange-update"
	PendingTypeReserve          PendingOperationType = "reserve"
	PendingTypeWithdraw         PendingOperationType = "withdraw"
	PendingTypeRefresh          PendingOperationType = "refresh"
	PendingTypeProposalChoice   PendingOperationType = "proposal-choice"
	PendingTypeProposalDownload PendingOperationType = "proposal-download"
	PendingTypePay              PendingOperationType = "pay"
	PendingTypeRefundQuery      PendingOperationType = "refund-query"
	PendingTypeTipChoice        PendingOperationType = "tip-choice"
	PendingTypeTipPickup        PendingOperationType = "tip-pickup"
)

// PendingOperation is one unfinished piece of work. The set of
// implementations is closed; consumers switch on the concrete type.
type PendingOperation interface {
	Kind() PendingOperationType
	// Liveness reports whether the operation keeps the retry loop busy.
	Liveness() bool
	sealed()
}

type PendingBase struct {
	Type          PendingOperationType `json:"type"`
	GivesLiveness bool                 `json:"gives_liveness"`
}

func (b PendingBase) Kind() PendingOperationType { return b.Type }
func (b PendingBase) Liveness() bool             { return b.GivesLiveness }
func (PendingBase) sealed()                      {}

type PendingBug struct {
	PendingBase
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type PendingExchangeUpdate struct {
	PendingBase
	ExchangeBaseURL string               `json:"exchange_base_url"`
	Stage           ExchangeUpdateStatus `json:"stage"`
	Reason          string               `json:"reason"`
	LastError       *OperationError      `json:"last_error,omitempty"`
}

type PendingReserve struct {
	PendingBase
	ReservePub       string          `json:"reserve_pub"`
	Stage            ReserveStatus   `json:"stage"`
	ReserveType      string          `json:"reserve_type"`
	TimestampCreated time.Time       `json:"timestamp_created"`
	RetryInfo        RetryInfo       `json:"retry_info"`
	LastError        *OperationError `json:"last_error,omitempty"`
}

type PendingWithdraw struct {
	PendingBase
	WithdrawalGroupID string           `json:"withdrawal_group_id"`
	Source            WithdrawalSource `json:"source"`
	NumCoinsTotal     int              `json:"num_coins_total"`
	NumCoinsWithdrawn int              `json:"num_coins_withdrawn"`
	RetryInfo         RetryInfo        `json:"retry_info"`
	LastError         *OperationError  `json:"last_error,omitempty"`
}

type PendingRefresh struct {
	PendingBase
	RefreshGroupID  string          `json:"refresh_group_id"`
	FinishedPerCoin []bool          `json:"finished_per_coin"`
	RetryInfo       RetryInfo       `json:"retry_info"`
	LastError       *OperationError `json:"last_error,omitempty"`
}

type PendingProposalChoice struct {
	PendingBase
	ProposalID        string    `json:"proposal_id"`
	MerchantBaseURL   string    `json:"merchant_base_url"`
	ProposalTimestamp time.Time `json:"proposal_timestamp"`
}

type PendingProposalDownload struct {
	PendingBase
	ProposalID      string          `json:"proposal_id"`
	MerchantBaseURL string          `json:"merchant_base_url"`
	OrderID         string          `json:"order_id"`
	RetryInfo       RetryInfo       `json:"retry_info"`
	LastError       *OperationError `json:"last_error,omitempty"`
}

type PendingPay struct {
	PendingBase
	ProposalID string          `json:"proposal_id"`
	RetryInfo  RetryInfo       `json:"retry_info"`
	LastError  *OperationError `json:"last_error,omitempty"`
}

type PendingRefundQuery struct {
	PendingBase
	ProposalID string          `json:"proposal_id"`
	RetryInfo  RetryInfo       `json:"retry_info"`
	LastError  *OperationError `json:"last_error,omitempty"`
}

type PendingTipChoice struct {
	PendingBase
	TipID           string `json:"tip_id"`
	MerchantBaseURL string `json:"merchant_base_url"`
	MerchantTipID   string `json:"merchant_tip_id"`
}

type PendingTipPickup struct {
	PendingBase
	TipID           string          `json:"tip_id"`
	MerchantBaseURL string          `json:"merchant_base_url"`
	MerchantTipID   string          `json:"merchant_tip_id"`
	RetryInfo       RetryInfo       `json:"retry_info"`
	LastError       *OperationError `json:"last_error,omitempty"`
}

type PendingOperations struct {
	Operations []PendingOperation `json:"pending_operations"`
	// NextRetryDelay is the shortest wait until a polling record is due,
	// NoRetryDelay when nothing polls.
	NextRetryDelay time.Duration `json:"next_retry_delay"`
}

// Counts returns the number of operations and how many of them give
// liveness.
func (p *PendingOperations) Counts() (numPending, numGivingLiveness int) {
	for _, op := range p.Operations {
		numPending++
		if op.Liveness() {
			numGivingLiveness++
		}
	}

	return
}

type PendingService interface {
	Gather(ctx context.Context, onlyDue bool) (*PendingOperations, error)
}
