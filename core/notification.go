package core

import "time"

type NotificationType string

const (
	NotifyExchangeAdded          NotificationType = "exchange-added"
	NotifyExchangeUpdated        NotificationType = "exchange-updated"
	NotifyReserveCreated         NotificationType = "reserve-created"
	NotifyReserveUpdated         NotificationType = "reserve-updated"
	NotifyReserveConfirmed       NotificationType = "reserve-confirmed"
	NotifyReserveRegistered      NotificationType = "reserve-registered-with-bank"
	NotifyReserveDepleted        NotificationType = "reserve-depleted"
	NotifyWithdrawGroupCreated   NotificationType = "withdraw-group-created"
	NotifyWithdrawGroupFinished  NotificationType = "withdraw-group-finished"
	NotifyCoinWithdrawn          NotificationType = "coin-withdrawn"
	NotifyRefreshStarted         NotificationType = "refresh-started"
	NotifyRefreshMelted          NotificationType = "refresh-melted"
	NotifyRefreshRevealed        NotificationType = "refresh-revealed"
	NotifyRefreshUnwarranted     NotificationType = "refresh-unwarranted"
	NotifyProposalDownloaded     NotificationType = "proposal-downloaded"
	NotifyProposalAccepted       NotificationType = "proposal-accepted"
	NotifyPaymentSubmitted       NotificationType = "payment-submitted"
	NotifyRefundQueried          NotificationType = "refund-queried"
	NotifyRefundApplied          NotificationType = "refund-applied"
	NotifyTipPickedUp            NotificationType = "tip-picked-up"
	NotifyExchangeOperationError NotificationType = "exchange-operation-error"
	NotifyReserveOperationError  NotificationType = "reserve-operation-error"
	NotifyWithdrawOperationError NotificationType = "withdraw-operation-error"
	NotifyRefreshOperationError  NotificationType = "refresh-operation-error"
	NotifyProposalOperationError NotificationType = "proposal-operation-error"
	NotifyPayOperationError      NotificationType = "pay-operation-error"
	NotifyRefundStatusError      NotificationType = "refund-status-operation-error"
	NotifyTipOperationError      NotificationType = "tip-operation-error"
	// NotifyWildcard tells listeners that something changed.
	NotifyWildcard NotificationType = "wildcard"
	// NotifyWaitingForRetry is published by the retry loop before it sleeps.
	NotifyWaitingForRetry NotificationType = "waiting-for-retry"
)

type Notification struct {
	Type      NotificationType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`

	ExchangeBaseURL   string          `json:"exchange_base_url,omitempty"`
	ReservePub        string          `json:"reserve_pub,omitempty"`
	WithdrawalGroupID string          `json:"withdrawal_group_id,omitempty"`
	RefreshGroupID    string          `json:"refresh_group_id,omitempty"`
	ProposalID        string          `json:"proposal_id,omitempty"`
	TipID             string          `json:"tip_id,omitempty"`
	CoinPub           string          `json:"coin_pub,omitempty"`
	Error             *OperationError `json:"error,omitempty"`

	// Set on NotifyWaitingForRetry.
	NumPending        int `json:"num_pending,omitempty"`
	NumGivingLiveness int `json:"num_giving_liveness,omitempty"`
}

type SubscriberID int

// Notifier fans notifications out to every subscriber. Channel
// subscribers must keep draining their channel.
type Notifier interface {
	Notify(n Notification)
	Subscribe() (SubscriberID, <-chan Notification)
	SubscribeFunc(fn func(Notification)) SubscriberID
	Unsubscribe(id SubscriberID)
}
