package core

import (
	"context"
	"encoding/json"
	"time"
)

type ExchangeHandle struct {
	URL       string `json:"url"`
	MasterPub string `json:"master_pub"`
}

// ContractTerms is the parsed form of what the merchant signed.
type ContractTerms struct {
	OrderID         string           `json:"order_id"`
	Summary         string           `json:"summary"`
	Amount          Amount           `json:"amount"`
	MaxFee          Amount           `json:"max_fee"`
	MerchantPub     string           `json:"merchant_pub"`
	MerchantBaseURL string           `json:"merchant_base_url"`
	Exchanges       []ExchangeHandle `json:"exchanges"`
	WireMethod      string           `json:"wire_method"`
	HWire           string           `json:"H_wire"`
	Nonce           string           `json:"nonce"`
	FulfillmentURL  string           `json:"fulfillment_url,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	RefundDeadline  time.Time        `json:"refund_deadline"`
	PayDeadline     time.Time        `json:"pay_deadline"`
}

type ProposalStatus uint8

const (
	_ ProposalStatus = iota
	ProposalStatusDownloading
	// ProposalStatusProposed waits for the user to accept or refuse.
	ProposalStatusProposed
	ProposalStatusAccepted
	ProposalStatusRefused
	// ProposalStatusRepurchase means the order was already paid by
	// another proposal for the same fulfillment.
	ProposalStatusRepurchase
)

func (s ProposalStatus) String() string {
	switch s {
	case ProposalStatusDownloading:
		return "downloading"
	case ProposalStatusProposed:
		return "proposed"
	case ProposalStatusAccepted:
		return "accepted"
	case ProposalStatusRefused:
		return "refused"
	case ProposalStatusRepurchase:
		return "repurchase"
	default:
		return "unknown"
	}
}

type ProposalDownload struct {
	ContractTermsRaw  json.RawMessage `json:"contract_terms_raw"`
	ContractTerms     ContractTerms   `json:"contract_terms"`
	ContractTermsHash string          `json:"contract_terms_hash"`
	MerchantSig       string          `json:"merchant_sig"`
}

type Proposal struct {
	ProposalID      string            `json:"proposal_id"`
	OrderID         string            `json:"order_id"`
	MerchantBaseURL string            `json:"merchant_base_url"`
	NoncePub        string            `json:"nonce_pub"`
	NoncePriv       string            `json:"nonce_priv"`
	Status          ProposalStatus    `json:"status"`
	Download        *ProposalDownload `json:"download,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	RetryInfo       RetryInfo         `json:"retry_info"`
	LastError       *OperationError   `json:"last_error,omitempty"`
}

func OrderKey(merchantBaseURL, orderID string) string {
	return merchantBaseURL + "#" + orderID
}

func (p *Proposal) Indexes() map[string]string {
	return map[string]string{IndexByOrder: OrderKey(p.MerchantBaseURL, p.OrderID)}
}

// CoinDepositPermission authorizes the merchant to deposit one coin.
type CoinDepositPermission struct {
	CoinPub      string `json:"coin_pub"`
	CoinSig      string `json:"coin_sig"`
	Contribution Amount `json:"contribution"`
	DenomPub     string `json:"denom_pub"`
	UbSig        string `json:"ub_sig"`
	ExchangeURL  string `json:"exchange_url"`
}

type PayRequest struct {
	Coins       []CoinDepositPermission `json:"coins"`
	MerchantPub string                  `json:"merchant_pub"`
	OrderID     string                  `json:"order_id"`
}

type RefundPermission struct {
	CoinPub        string `json:"coin_pub"`
	RefundAmount   Amount `json:"refund_amount"`
	RefundFee      Amount `json:"refund_fee"`
	RtransactionID uint64 `json:"rtransaction_id"`
	MerchantSig    string `json:"merchant_sig"`
}

type Purchase struct {
	ProposalID        string          `json:"proposal_id"`
	ContractTermsRaw  json.RawMessage `json:"contract_terms_raw"`
	ContractTerms     ContractTerms   `json:"contract_terms"`
	ContractTermsHash string          `json:"contract_terms_hash"`
	MerchantSig       string          `json:"merchant_sig"`
	PayReq            PayRequest      `json:"pay_req"`
	TotalPayCost      Amount          `json:"total_pay_cost"`

	TimestampAccept             time.Time       `json:"timestamp_accept"`
	TimestampFirstSuccessfulPay time.Time       `json:"timestamp_first_successful_pay"`
	PaymentSubmitPending        bool            `json:"payment_submit_pending"`
	PayRetryInfo                RetryInfo       `json:"pay_retry_info"`
	LastPayError                *OperationError `json:"last_pay_error,omitempty"`

	RefundStatusRequested bool                        `json:"refund_status_requested"`
	RefundsDone           map[string]RefundPermission `json:"refunds_done,omitempty"`
	RefundStatusRetryInfo RetryInfo                   `json:"refund_status_retry_info"`
	LastRefundStatusError *OperationError             `json:"last_refund_status_error,omitempty"`
}

type PreparePayStatus string

const (
	PreparePayPossible     PreparePayStatus = "payment-possible"
	PreparePayInsufficient PreparePayStatus = "insufficient-balance"
	PreparePayPaid         PreparePayStatus = "paid"
)

type PreparePayResult struct {
	Status        PreparePayStatus `json:"status"`
	ProposalID    string           `json:"proposal_id"`
	ContractTerms *ContractTerms   `json:"contract_terms,omitempty"`
	TotalFees     *Amount          `json:"total_fees,omitempty"`
}

type ConfirmPayResult struct {
	ProposalID     string `json:"proposal_id"`
	FulfillmentURL string `json:"fulfillment_url,omitempty"`
}

type PayService interface {
	PreparePay(ctx context.Context, merchantBaseURL, orderID string) (*PreparePayResult, error)
	ConfirmPay(ctx context.Context, proposalID string) (*ConfirmPayResult, error)
	RefuseProposal(ctx context.Context, proposalID string) error
	RequestRefund(ctx context.Context, proposalID string) error

	ProcessDownloadProposal(ctx context.Context, proposalID string, forceNow bool) error
	ProcessPurchasePay(ctx context.Context, proposalID string, forceNow bool) error
	ProcessPurchaseQueryRefund(ctx context.Context, proposalID string, forceNow bool) error
}
