package core

import "context"

// PropertyCurrencyDefaultsApplied is set once the configured currencies
// and exchanges have been written to the database.
const PropertyCurrencyDefaultsApplied = "currencyDefaultsApplied"

// PropertyStore keeps small wallet-wide settings as JSON. Get leaves value
// untouched when the key was never set.
type PropertyStore interface {
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any) error
}

// CurrencyRecord lists the exchanges trusted for one currency.
type CurrencyRecord struct {
	Name             string           `json:"name"`
	FractionalDigits int              `json:"fractional_digits"`
	Exchanges        []ExchangeHandle `json:"exchanges"`
}
