package cmds

import (
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/generic"
)

type PendingSummary struct {
	Type          core.PendingOperationType `json:"type"`
	GivesLiveness bool                      `json:"gives_liveness"`
}

func summaryFromOperation(op core.PendingOperation) PendingSummary {
	return PendingSummary{
		Type:          op.Kind(),
		GivesLiveness: op.Liveness(),
	}
}

type CurrencySummary struct {
	Name      string   `json:"name"`
	Exchanges []string `json:"exchanges"`
}

func summaryFromCurrency(c *core.CurrencyRecord) CurrencySummary {
	return CurrencySummary{
		Name: c.Name,
		Exchanges: generic.MapSlice(c.Exchanges, func(h core.ExchangeHandle) string {
			return h.URL
		}),
	}
}
