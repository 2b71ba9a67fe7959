package core

import "context"

type Collection string

const (
	CollectionConfig           Collection = "config"
	CollectionCurrencies       Collection = "currencies"
	CollectionExchanges        Collection = "exchanges"
	CollectionDenominations    Collection = "denominations"
	CollectionReserves         Collection = "reserves"
	CollectionBankWithdrawURIs Collection = "bankWithdrawUris"
	CollectionCoins            Collection = "coins"
	CollectionWithdrawalGroups Collection = "withdrawalGroups"
	CollectionPlanchets        Collection = "planchets"
	CollectionRefreshGroups    Collection = "refreshGroups"
	CollectionProposals        Collection = "proposals"
	CollectionPurchases        Collection = "purchases"
	CollectionTips             Collection = "tips"
)

// Collections lists every collection, in a stable order.
var Collections = []Collection{
	CollectionConfig,
	CollectionCurrencies,
	CollectionExchanges,
	CollectionDenominations,
	CollectionReserves,
	CollectionBankWithdrawURIs,
	CollectionCoins,
	CollectionWithdrawalGroups,
	CollectionPlanchets,
	CollectionRefreshGroups,
	CollectionProposals,
	CollectionPurchases,
	CollectionTips,
}

// Index names shared by the record types and their queries.
const (
	IndexByExchange = "byExchange"
	IndexByDenom    = "byDenom"
	IndexByGroup    = "byGroup"
	IndexByOrder    = "byOrder"
	IndexByReserve  = "byReserve"
)

// Indexed is implemented by records that maintain secondary indexes.
// The returned map goes from index name to index key.
type Indexed interface {
	Indexes() map[string]string
}

// KeyRange bounds an iteration. A nil *KeyRange means unbounded.
type KeyRange struct {
	Lower     string
	Upper     string
	HasLower  bool
	HasUpper  bool
	LowerOpen bool
	UpperOpen bool
}

// OnlyKey matches exactly one key.
func OnlyKey(key string) *KeyRange {
	return &KeyRange{Lower: key, Upper: key, HasLower: true, HasUpper: true}
}

// LowerBound matches keys >= lower, or > lower when open.
func LowerBound(lower string, open bool) *KeyRange {
	return &KeyRange{Lower: lower, HasLower: true, LowerOpen: open}
}

func (r *KeyRange) Contains(key string) bool {
	if r == nil {
		return true
	}

	if r.HasLower && (key < r.Lower || (r.LowerOpen && key == r.Lower)) {
		return false
	}

	if r.HasUpper && (key > r.Upper || (r.UpperOpen && key == r.Upper)) {
		return false
	}

	return true
}

// IterOptions selects what Tx.Iterate visits. With an Index set, Range
// applies to the index keys and records are visited in index order.
type IterOptions struct {
	Index   string
	Range   *KeyRange
	Reverse bool
}

// Tx is a transaction handle scoped to the collections it was opened with.
type Tx interface {
	Get(coll Collection, key string) ([]byte, error)
	// Put inserts or replaces a record.
	Put(coll Collection, key string, value []byte, indexes map[string]string) error
	// Add inserts a record and fails with store.ErrKeyExists on collision.
	Add(coll Collection, key string, value []byte, indexes map[string]string) error
	Delete(coll Collection, key string) error
	// Iterate calls fn for every matching record until fn returns an
	// error. store.ErrStopIteration ends the loop without error.
	Iterate(coll Collection, opts IterOptions, fn func(key string, value []byte) error) error
}

// Database is the transactional record store.
//
// Update commits when fn returns nil and rolls back otherwise; a callback
// returning store.ErrTxAbort rolls back and Update returns nil.
type Database interface {
	View(ctx context.Context, collections []Collection, fn func(tx Tx) error) error
	Update(ctx context.Context, collections []Collection, fn func(tx Tx) error) error
	Close() error
}
