package core

import (
	"context"
	"time"
)

// RefreshKappa is the number of candidate sessions in the cut-and-choose.
const RefreshKappa = 3

type RefreshReason string

const (
	RefreshReasonPay    RefreshReason = "pay"
	RefreshReasonRefund RefreshReason = "refund"
	RefreshReasonManual RefreshReason = "manual"
)

type RefreshPlanchet struct {
	CoinPub     string `json:"coin_pub"`
	CoinPriv    string `json:"coin_priv"`
	BlindingKey string `json:"blinding_key"`
	CoinEv      string `json:"coin_ev"`
}

// RefreshSession melts one old coin into NewDenoms. Everything in it is
// derived before the melt request is sent.
type RefreshSession struct {
	MeltCoinPub string `json:"melt_coin_pub"`
	// ValueWithFee is what the melt takes from the old coin.
	ValueWithFee Amount `json:"value_with_fee"`
	// ValueOutput is the total value of the fresh coins.
	ValueOutput    Amount   `json:"value_output"`
	NewDenoms      []string `json:"new_denoms"`
	NewDenomHashes []string `json:"new_denom_hashes"`
	// TransferPubs and TransferPrivs hold one key pair per candidate session.
	TransferPubs  []string `json:"transfer_pubs"`
	TransferPrivs []string `json:"transfer_privs"`
	// PlanchetsForGammas[gamma][i] is the fresh coin for NewDenoms[i] in
	// candidate session gamma.
	PlanchetsForGammas [][]RefreshPlanchet `json:"planchets_for_gammas"`
	Hash               string              `json:"hash"`
	ConfirmSig         string              `json:"confirm_sig"`
	ExchangeBaseURL    string              `json:"exchange_base_url"`
	// NoRevealIndex is set once the exchange accepted the melt.
	NoRevealIndex *int      `json:"norevealindex,omitempty"`
	Finished      time.Time `json:"finished"`
}

type RefreshGroup struct {
	RefreshGroupID        string            `json:"refresh_group_id"`
	Reason                RefreshReason     `json:"reason"`
	OldCoinPubs           []string          `json:"old_coin_pubs"`
	RefreshSessionPerCoin []*RefreshSession `json:"refresh_session_per_coin"`
	FinishedPerCoin       []bool            `json:"finished_per_coin"`
	TimestampCreated      time.Time         `json:"timestamp_created"`
	TimestampFinished     time.Time         `json:"timestamp_finished"`
	RetryInfo             RetryInfo         `json:"retry_info"`
	LastError             *OperationError   `json:"last_error,omitempty"`
}

func (g *RefreshGroup) Finished() bool {
	return !g.TimestampFinished.IsZero()
}

type RefreshService interface {
	// Refresh creates a refresh group for the given coins and processes it.
	Refresh(ctx context.Context, coinPubs []string, reason RefreshReason) (string, error)
	ProcessGroup(ctx context.Context, groupID string, forceNow bool) error
}
