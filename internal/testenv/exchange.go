// Package testenv runs in-process exchange, bank and merchant servers that
// speak the wallet's protocols, for tests.
package testenv

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cloudflare/circl/blindsign/blindrsa"
	"github.com/go-chi/chi/v5"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/cryptoapi"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
)

const (
	KeyBits    = 1024
	WireMethod = "x-taler-bank"
)

var (
	ErrDoubleSpend  = errors.New("coin spent beyond its value")
	ErrBadSignature = errors.New("bad signature")
	ErrUnknownDenom = errors.New("unknown denomination")
)

type Denom struct {
	Info core.DenominationInfo
	Hash string
	key  *rsa.PrivateKey
}

type reserveState struct {
	credited  core.Amount
	withdrawn core.Amount
	// signed maps envelope hashes to blind signatures already issued
	signed map[string]string
}

type meltState struct {
	coinPub  string
	noreveal int
	sigs     []string
}

// Exchange is a fake exchange with real blind signatures.
type Exchange struct {
	*httptest.Server

	Currency string
	Master   *core.KeyPair
	Denoms   []*Denom
	// NoRevealIndex is the index the exchange picks on melt.
	NoRevealIndex int

	crypto core.CryptoService
	worker *cryptoworker.Worker
	faults *faults

	mu       sync.Mutex
	reserves map[string]*reserveState
	spent    map[string]core.Amount
	deposits map[string]core.Amount
	melts    map[string]*meltState
}

// DenomSpec describes one denomination; fees default to zero.
type DenomSpec struct {
	Value       string
	FeeWithdraw string
	FeeDeposit  string
	FeeRefresh  string
	FeeRefund   string
}

func amountOr(s, currency string) core.Amount {
	if s == "" {
		return core.ZeroAmount(currency)
	}

	return core.MustParseAmount(s)
}

// NewExchange starts an exchange offering the given denominations.
func NewExchange(t testing.TB, currency string, specs ...DenomSpec) *Exchange {
	t.Helper()

	c := cryptoapi.New()
	master, err := c.CreateEddsaKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ex := &Exchange{
		Currency:      currency,
		Master:        master,
		NoRevealIndex: 1,
		crypto:        c,
		worker:        cryptoworker.New(c),
		faults:        newFaults(),
		reserves:      map[string]*reserveState{},
		spent:         map[string]core.Amount{},
		deposits:      map[string]core.Amount{},
		melts:         map[string]*meltState{},
	}

	for _, spec := range specs {
		ex.AddDenom(t, spec)
	}

	r := chi.NewRouter()
	r.Use(ex.faults.middleware)
	r.Get("/keys", ex.handleKeys)
	r.Get("/wire", ex.handleWire)
	r.Get("/reserve/status", ex.handleReserveStatus)
	r.Post("/reserve/withdraw", ex.handleWithdraw)
	r.Post("/refresh/melt", ex.handleMelt)
	r.Post("/refresh/reveal", ex.handleReveal)

	ex.Server = httptest.NewServer(r)
	t.Cleanup(ex.Close)
	return ex
}

// BaseURL is the canonical base URL of the exchange.
func (ex *Exchange) BaseURL() string {
	return core.CanonicalizeBaseURL(ex.URL)
}

// Fail makes the next n requests to path answer with status.
func (ex *Exchange) Fail(path string, status, n int) {
	ex.faults.add(path, status, n)
}

func (ex *Exchange) Requests(path string) int {
	return ex.faults.count(path)
}

// AddDenom generates a key for spec and signs it with the master key.
func (ex *Exchange) AddDenom(t testing.TB, spec DenomSpec) *Denom {
	t.Helper()

	sk, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		t.Fatal(err)
	}

	pub := cryptoapi.EncodeRSAPublicKey(&sk.PublicKey)
	hash, err := ex.worker.HashDenomPub(pub)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now().Truncate(time.Second)
	info := core.DenominationInfo{
		DenomPub:            pub,
		Value:               core.MustParseAmount(spec.Value),
		FeeWithdraw:         amountOr(spec.FeeWithdraw, ex.Currency),
		FeeDeposit:          amountOr(spec.FeeDeposit, ex.Currency),
		FeeRefresh:          amountOr(spec.FeeRefresh, ex.Currency),
		FeeRefund:           amountOr(spec.FeeRefund, ex.Currency),
		StampStart:          now.Add(-time.Hour),
		StampExpireWithdraw: now.Add(24 * time.Hour),
		StampExpireDeposit:  now.Add(48 * time.Hour),
		StampExpireLegal:    now.Add(72 * time.Hour),
	}

	purpose, err := cryptoworker.DenomValidity{
		MasterPub: ex.Master.Pub,
		Denom:     info.Denomination("", hash),
	}.Encode()
	if err != nil {
		t.Fatal(err)
	}

	if info.MasterSig, err = ex.crypto.EddsaSign(purpose, ex.Master.Priv); err != nil {
		t.Fatal(err)
	}

	d := &Denom{Info: info, Hash: hash, key: sk}
	ex.mu.Lock()
	ex.Denoms = append(ex.Denoms, d)
	ex.mu.Unlock()
	return d
}

// Credit adds funds to a reserve, as a wire transfer would.
func (ex *Exchange) Credit(reservePub string, amount core.Amount) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	r, ok := ex.reserves[reservePub]
	if !ok {
		r = &reserveState{
			credited:  core.ZeroAmount(amount.Currency),
			withdrawn: core.ZeroAmount(amount.Currency),
			signed:    map[string]string{},
		}
		ex.reserves[reservePub] = r
	}

	r.credited, _ = r.credited.Add(amount)
}

// Balance is what the exchange holds for a reserve.
func (ex *Exchange) Balance(reservePub string) (core.Amount, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	r, ok := ex.reserves[reservePub]
	if !ok {
		return core.Amount{}, false
	}

	b, _ := r.credited.Sub(r.withdrawn)
	return b, true
}

func (ex *Exchange) denom(hash string) *Denom {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for _, d := range ex.Denoms {
		if d.Hash == hash {
			return d
		}
	}

	return nil
}

func (ex *Exchange) denomByPub(pub string) *Denom {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for _, d := range ex.Denoms {
		if d.Info.DenomPub == pub {
			return d
		}
	}

	return nil
}

func (d *Denom) blindSign(ev string) (string, error) {
	raw, err := core.DecodeCrock(ev)
	if err != nil {
		return "", err
	}

	sig, err := blindrsa.NewSigner(d.key).BlindSign(raw)
	if err != nil {
		return "", err
	}

	return core.EncodeCrock(sig), nil
}

func (ex *Exchange) validCoin(coinPub, denomSig string, d *Denom) bool {
	h, err := ex.worker.CoinPubHash(coinPub)
	if err != nil {
		return false
	}

	return ex.crypto.RsaVerify(h, denomSig, d.Info.DenomPub)
}

// spend books amount against the coin, failing when the coin's value
// would be exceeded. Callers hold ex.mu.
func (ex *Exchange) spend(coinPub string, d *Denom, amount core.Amount) error {
	spent, ok := ex.spent[coinPub]
	if !ok {
		spent = core.ZeroAmount(ex.Currency)
	}

	total, _ := spent.Add(amount)
	if total.Cmp(d.Info.Value) > 0 {
		return ErrDoubleSpend
	}

	ex.spent[coinPub] = total
	return nil
}

// Deposit books one coin of a payment. A repeated deposit for the same
// contract is accepted without charging the coin again.
func (ex *Exchange) Deposit(perm core.CoinDepositPermission, req cryptoworker.DepositRequest) error {
	d := ex.denomByPub(perm.DenomPub)
	if d == nil {
		return ErrUnknownDenom
	}

	if !ex.validCoin(perm.CoinPub, perm.UbSig, d) {
		return ErrBadSignature
	}

	req.DepositFee = d.Info.FeeDeposit
	purpose, err := req.Encode()
	if err != nil {
		return err
	}

	if !ex.crypto.EddsaVerify(purpose, perm.CoinSig, perm.CoinPub) {
		return ErrBadSignature
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	key := perm.CoinPub + "/" + req.ContractHash
	if _, ok := ex.deposits[key]; ok {
		return nil
	}

	if err := ex.spend(perm.CoinPub, d, perm.Contribution); err != nil {
		return err
	}

	ex.deposits[key] = perm.Contribution
	return nil
}

// Refund gives back part of a deposit.
func (ex *Exchange) Refund(coinPub string, amount core.Amount) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if spent, ok := ex.spent[coinPub]; ok {
		ex.spent[coinPub], _ = spent.Sub(amount)
	}
}

func (ex *Exchange) handleKeys(w http.ResponseWriter, r *http.Request) {
	ex.mu.Lock()
	resp := core.ExchangeKeysResponse{
		MasterPublicKey: ex.Master.Pub,
		Version:         "0:0:0",
	}
	for _, d := range ex.Denoms {
		resp.Denoms = append(resp.Denoms, d.Info)
	}
	ex.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (ex *Exchange) handleWire(w http.ResponseWriter, r *http.Request) {
	fee := core.WireFee{
		WireFee:    core.MustParseAmount(ex.Currency + ":0.01"),
		ClosingFee: core.MustParseAmount(ex.Currency + ":0.01"),
		StartStamp: time.Now().Add(-time.Hour).Truncate(time.Second),
		EndStamp:   time.Now().Add(24 * time.Hour).Truncate(time.Second),
	}

	purpose, err := cryptoworker.WireFeeValidity{
		WireMethodHash: ex.worker.HashString(WireMethod),
		Fee:            &fee,
	}.Encode()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if fee.Sig, err = ex.crypto.EddsaSign(purpose, ex.Master.Priv); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, core.ExchangeWireResponse{
		Accounts: []core.WireAccount{{URL: "payto://" + WireMethod + "/exchange"}},
		Fees:     map[string][]core.WireFee{WireMethod: {fee}},
	})
}

func (ex *Exchange) handleReserveStatus(w http.ResponseWriter, r *http.Request) {
	balance, ok := ex.Balance(r.URL.Query().Get("reserve_pub"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("reserve unknown"))
		return
	}

	writeJSON(w, http.StatusOK, core.ReserveStatusResponse{Balance: balance})
}

func (ex *Exchange) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req core.WithdrawRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := ex.denom(req.DenomPubHash)
	if d == nil {
		writeError(w, http.StatusNotFound, ErrUnknownDenom)
		return
	}

	ev, err := core.DecodeCrock(req.CoinEv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	evHash := core.EncodeCrock(ex.crypto.Hash(ev))
	amountWithFee, _ := d.Info.Value.Add(d.Info.FeeWithdraw)
	purpose, err := cryptoworker.WithdrawRequest{
		ReservePub:    req.ReservePub,
		AmountWithFee: amountWithFee,
		WithdrawFee:   d.Info.FeeWithdraw,
		DenomPubHash:  d.Hash,
		CoinEvHash:    evHash,
	}.Encode()
	if err != nil || !ex.crypto.EddsaVerify(purpose, req.ReserveSig, req.ReservePub) {
		writeError(w, http.StatusUnauthorized, ErrBadSignature)
		return
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	res, ok := ex.reserves[req.ReservePub]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("reserve unknown"))
		return
	}

	if sig, ok := res.signed[evHash]; ok {
		writeJSON(w, http.StatusOK, core.WithdrawResponse{EvSig: sig})
		return
	}

	withdrawn, _ := res.withdrawn.Add(amountWithFee)
	if withdrawn.Cmp(res.credited) > 0 {
		writeError(w, http.StatusConflict, errors.New("insufficient reserve balance"))
		return
	}

	sig, err := d.blindSign(req.CoinEv)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res.withdrawn = withdrawn
	res.signed[evHash] = sig
	writeJSON(w, http.StatusOK, core.WithdrawResponse{EvSig: sig})
}

func (ex *Exchange) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req core.MeltRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := ex.denom(req.DenomPubHash)
	if d == nil {
		writeError(w, http.StatusNotFound, ErrUnknownDenom)
		return
	}

	if !ex.validCoin(req.CoinPub, req.DenomSig, d) {
		writeError(w, http.StatusForbidden, ErrBadSignature)
		return
	}

	purpose, err := cryptoworker.MeltRequest{
		SessionHash:   req.SessionHash,
		AmountWithFee: req.ValueWithFee,
		MeltFee:       d.Info.FeeRefresh,
		CoinPub:       req.CoinPub,
	}.Encode()
	if err != nil || !ex.crypto.EddsaVerify(purpose, req.ConfirmSig, req.CoinPub) {
		writeError(w, http.StatusForbidden, ErrBadSignature)
		return
	}

	ex.mu.Lock()
	defer ex.mu.Unlock()

	if m, ok := ex.melts[req.SessionHash]; ok {
		writeJSON(w, http.StatusOK, core.MeltResponse{NoRevealIndex: m.noreveal})
		return
	}

	if err := ex.spend(req.CoinPub, d, req.ValueWithFee); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}

	ex.melts[req.SessionHash] = &meltState{coinPub: req.CoinPub, noreveal: ex.NoRevealIndex}
	writeJSON(w, http.StatusOK, core.MeltResponse{NoRevealIndex: ex.NoRevealIndex})
}

func (ex *Exchange) handleReveal(w http.ResponseWriter, r *http.Request) {
	var req core.RevealRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ex.mu.Lock()
	m, ok := ex.melts[req.SessionHash]
	ex.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown melt session"))
		return
	}

	if len(req.CoinEvs) != len(req.NewDenomsHash) || len(req.TransferPrivs) != core.RefreshKappa-1 {
		writeError(w, http.StatusBadRequest, errors.New("malformed reveal request"))
		return
	}

	// every revealed transfer key must yield a proper shared secret
	for _, priv := range req.TransferPrivs {
		if _, err := ex.crypto.Ecdh(priv, m.coinPub); err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
	}

	if m.sigs == nil {
		sigs := make([]string, 0, len(req.CoinEvs))
		for i, ev := range req.CoinEvs {
			d := ex.denom(req.NewDenomsHash[i])
			if d == nil {
				writeError(w, http.StatusNotFound, ErrUnknownDenom)
				return
			}

			sig, err := d.blindSign(ev)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			sigs = append(sigs, sig)
		}

		ex.mu.Lock()
		m.sigs = sigs
		ex.mu.Unlock()
	}

	resp := core.RevealResponse{}
	for _, sig := range m.sigs {
		resp.EvSigs = append(resp.EvSigs, core.WithdrawResponse{EvSig: sig})
	}

	writeJSON(w, http.StatusOK, resp)
}
