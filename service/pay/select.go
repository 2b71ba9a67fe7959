package pay

import (
	"slices"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
)

type Selection struct {
	Coins []cryptoworker.CoinWithDenom
	// Total is the summed current value of the selected coins.
	Total core.Amount
	// DepositFees is what depositing the selected coins costs. The merchant
	// covers it as long as it stays within the contract's max fee.
	DepositFees core.Amount
}

// SelectPayCoins picks coins of a single exchange, cheapest deposit fee
// first, until their value reaches target. It gives up as soon as the
// accumulated deposit fees exceed feeCap.
func SelectPayCoins(candidates []cryptoworker.CoinWithDenom, target, feeCap core.Amount) (*Selection, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	candidates = slices.Clone(candidates)
	slices.SortStableFunc(candidates, func(a, b cryptoworker.CoinWithDenom) int {
		return a.Denom.FeeDeposit.Cmp(b.Denom.FeeDeposit)
	})

	sel := &Selection{
		Total:       core.ZeroAmount(target.Currency),
		DepositFees: core.ZeroAmount(target.Currency),
	}

	for _, cd := range candidates {
		// not worth spending
		if cd.Coin.CurrentAmount.Cmp(cd.Denom.FeeDeposit) <= 0 {
			continue
		}

		sel.DepositFees, _ = sel.DepositFees.Add(cd.Denom.FeeDeposit)
		if sel.DepositFees.Cmp(feeCap) > 0 {
			return nil, false
		}

		sel.Coins = append(sel.Coins, cd)
		sel.Total, _ = sel.Total.Add(cd.Coin.CurrentAmount)
		if sel.Total.Cmp(target) >= 0 {
			return sel, true
		}
	}

	return nil, false
}
