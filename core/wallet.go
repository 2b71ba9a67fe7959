package core

import "context"

// WalletService is the set of user actions the wallet offers on top of
// the state machines.
type WalletService interface {
	GetBalances(ctx context.Context) (*Balances, error)
	GetPending(ctx context.Context) (*PendingOperations, error)
	Currencies(ctx context.Context) ([]*CurrencyRecord, error)

	UpdateExchange(ctx context.Context, baseURL string, force bool) (*Exchange, error)
	CreateReserve(ctx context.Context, req *CreateReserveRequest) (*CreateReserveResponse, error)
	ConfirmReserve(ctx context.Context, reservePub string) error
	AcceptWithdrawal(ctx context.Context, statusURL, exchange string) (*CreateReserveResponse, error)

	PreparePay(ctx context.Context, merchantBaseURL, orderID string) (*PreparePayResult, error)
	ConfirmPay(ctx context.Context, proposalID string) (*ConfirmPayResult, error)
	RefuseProposal(ctx context.Context, proposalID string) error
	RequestRefund(ctx context.Context, proposalID string) error

	PrepareTip(ctx context.Context, merchantBaseURL, merchantTipID string) (*TipStatus, error)
	AcceptTip(ctx context.Context, tipID string) error

	// RetryPendingNow processes every pending operation right away,
	// ignoring its retry schedule.
	RetryPendingNow(ctx context.Context) error
}

// OperationProcessor runs the state machine behind a pending operation.
type OperationProcessor interface {
	Process(ctx context.Context, op PendingOperation, forceNow bool) error
}
