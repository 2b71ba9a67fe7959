package testenv

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/service/cryptoapi"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
)

type order struct {
	amount core.Amount
	maxFee core.Amount

	nonce   string
	raw     json.RawMessage
	terms   core.ContractTerms
	hash    string
	paid    bool
	refunds []core.RefundPermission
}

type tip struct {
	amount     core.Amount
	amountLeft core.Amount
	reserve    *core.KeyPair
	expire     time.Time
	pickedUp   map[string]string
}

// Merchant is a fake merchant backend that sells orders, pays out tips
// and grants refunds.
type Merchant struct {
	*httptest.Server

	Key *core.KeyPair

	ex     *Exchange
	crypto core.CryptoService
	worker *cryptoworker.Worker
	faults *faults

	mu     sync.Mutex
	orders map[string]*order
	tips   map[string]*tip
	rtid   uint64
}

func NewMerchant(t testing.TB, ex *Exchange) *Merchant {
	t.Helper()

	c := cryptoapi.New()
	key, err := c.CreateEddsaKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	m := &Merchant{
		Key:    key,
		ex:     ex,
		crypto: c,
		worker: cryptoworker.New(c),
		faults: newFaults(),
		orders: map[string]*order{},
		tips:   map[string]*tip{},
	}

	r := chi.NewRouter()
	r.Use(m.faults.middleware)
	r.Get("/proposal", m.handleProposal)
	r.Post("/pay", m.handlePay)
	r.Get("/refund", m.handleRefund)
	r.Get("/tip-pickup", m.handleTipStatus)
	r.Post("/tip-pickup", m.handleTipPickup)

	m.Server = httptest.NewServer(r)
	t.Cleanup(m.Close)
	return m
}

func (m *Merchant) BaseURL() string {
	return core.CanonicalizeBaseURL(m.URL)
}

func (m *Merchant) Fail(path string, status, n int) {
	m.faults.add(path, status, n)
}

func (m *Merchant) Requests(path string) int {
	return m.faults.count(path)
}

// AddOrder offers an order; maxFee is how much of the deposit fees the
// merchant covers.
func (m *Merchant) AddOrder(orderID string, amount, maxFee core.Amount) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[orderID] = &order{amount: amount, maxFee: maxFee}
}

func (m *Merchant) Paid(orderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	return ok && o.paid
}

// Refund grants a refund on one coin of a paid order.
func (m *Merchant) Refund(orderID, coinPub string, amount, fee core.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok || !o.paid {
		return errors.New("order not paid")
	}

	m.rtid++
	perm := core.RefundPermission{
		CoinPub:        coinPub,
		RefundAmount:   amount,
		RefundFee:      fee,
		RtransactionID: m.rtid,
	}

	purpose, err := cryptoworker.MerchantRefund{
		ContractHash:   o.hash,
		CoinPub:        coinPub,
		MerchantPub:    m.Key.Pub,
		RtransactionID: perm.RtransactionID,
		RefundAmount:   amount,
		RefundFee:      fee,
	}.Encode()
	if err != nil {
		return err
	}

	if perm.MerchantSig, err = m.crypto.EddsaSign(purpose, m.Key.Priv); err != nil {
		return err
	}

	back, _ := amount.Sub(fee)
	m.ex.Refund(coinPub, back)
	o.refunds = append(o.refunds, perm)
	return nil
}

// AddTip funds a tip reserve at the exchange.
func (m *Merchant) AddTip(tipID string, amount core.Amount) {
	reserve, err := m.crypto.CreateEddsaKeyPair()
	if err != nil {
		panic(err)
	}

	m.ex.Credit(reserve.Pub, amount)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.tips[tipID] = &tip{
		amount:     amount,
		amountLeft: amount,
		reserve:    reserve,
		expire:     time.Now().Add(time.Hour).Truncate(time.Second),
		pickedUp:   map[string]string{},
	}
}

func (m *Merchant) handleProposal(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("order_id")
	nonce := r.URL.Query().Get("nonce")

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown order"))
		return
	}

	if o.raw != nil && o.nonce != nonce {
		writeError(w, http.StatusConflict, errors.New("order already claimed"))
		return
	}

	if o.raw == nil {
		now := time.Now().Truncate(time.Second)
		o.nonce = nonce
		o.terms = core.ContractTerms{
			OrderID:         orderID,
			Summary:         "order " + orderID,
			Amount:          o.amount,
			MaxFee:          o.maxFee,
			MerchantPub:     m.Key.Pub,
			MerchantBaseURL: m.BaseURL(),
			Exchanges:       []core.ExchangeHandle{{URL: m.ex.BaseURL(), MasterPub: m.ex.Master.Pub}},
			WireMethod:      WireMethod,
			HWire:           m.worker.HashString("payto://" + WireMethod + "/merchant"),
			Nonce:           nonce,
			FulfillmentURL:  m.BaseURL() + "fulfillment/" + orderID,
			Timestamp:       now,
			RefundDeadline:  now.Add(time.Hour),
			PayDeadline:     now.Add(time.Hour),
		}

		raw, err := json.Marshal(o.terms)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		if o.hash, err = m.worker.HashContractTerms(raw); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		o.raw = raw
	}

	sig, err := m.sign(cryptoworker.MerchantContract{ContractHash: o.hash})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, core.ProposalResponse{ContractTerms: o.raw, Sig: sig})
}

func (m *Merchant) sign(p interface{ Encode() ([]byte, error) }) (string, error) {
	purpose, err := p.Encode()
	if err != nil {
		return "", err
	}

	return m.crypto.EddsaSign(purpose, m.Key.Priv)
}

func (m *Merchant) handlePay(w http.ResponseWriter, r *http.Request) {
	var req core.PayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[req.OrderID]
	if !ok || o.raw == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown order"))
		return
	}

	if req.MerchantPub != m.Key.Pub {
		writeError(w, http.StatusBadRequest, errors.New("wrong merchant"))
		return
	}

	currency := o.amount.Currency
	paid := core.ZeroAmount(currency)
	fees := core.ZeroAmount(currency)
	for _, perm := range req.Coins {
		d := m.ex.denomByPub(perm.DenomPub)
		if d == nil {
			writeError(w, http.StatusBadRequest, ErrUnknownDenom)
			return
		}

		err := m.ex.Deposit(perm, cryptoworker.DepositRequest{
			ContractHash:   o.hash,
			WireHash:       o.terms.HWire,
			Timestamp:      o.terms.Timestamp,
			RefundDeadline: o.terms.RefundDeadline,
			AmountWithFee:  perm.Contribution,
			MerchantPub:    m.Key.Pub,
			CoinPub:        perm.CoinPub,
		})
		if err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}

		paid, _ = paid.Add(perm.Contribution)
		fees, _ = fees.Add(d.Info.FeeDeposit)
	}

	// deposit fees beyond max_fee are on the customer
	need := o.amount
	if fees.Cmp(o.maxFee) > 0 {
		extra, _ := fees.Sub(o.maxFee)
		need, _ = need.Add(extra)
	}

	if paid.Cmp(need) < 0 {
		writeError(w, http.StatusNotAcceptable, errors.New("payment insufficient"))
		return
	}

	sig, err := m.sign(cryptoworker.MerchantPaymentOk{ContractHash: o.hash})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	o.paid = true
	writeJSON(w, http.StatusOK, core.PayResponse{Sig: sig})
}

func (m *Merchant) handleRefund(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[r.URL.Query().Get("order_id")]
	if !ok || !o.paid {
		writeError(w, http.StatusNotFound, errors.New("order not paid"))
		return
	}

	writeJSON(w, http.StatusOK, core.RefundResponse{
		RefundPermissions: append([]core.RefundPermission{}, o.refunds...),
		MerchantPub:       m.Key.Pub,
	})
}

func (m *Merchant) handleTipStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tips[r.URL.Query().Get("tip_id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown tip"))
		return
	}

	writeJSON(w, http.StatusOK, core.TipStatusResponse{
		Amount:      t.amount,
		AmountLeft:  t.amountLeft,
		ExchangeURL: m.ex.BaseURL(),
		NextURL:     m.BaseURL() + "thanks",
		StampExpire: t.expire,
	})
}

func (m *Merchant) handleTipPickup(w http.ResponseWriter, r *http.Request) {
	var req core.TipPickupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tips[req.TipID]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown tip"))
		return
	}

	resp := core.TipPickupResponse{ReservePub: t.reserve.Pub}
	left := t.amountLeft
	for _, p := range req.Planchets {
		d := m.ex.denom(p.DenomPubHash)
		if d == nil {
			writeError(w, http.StatusBadRequest, ErrUnknownDenom)
			return
		}

		ev, err := core.DecodeCrock(p.CoinEv)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		evHash := core.EncodeCrock(m.crypto.Hash(ev))
		amountWithFee, _ := d.Info.Value.Add(d.Info.FeeWithdraw)
		if sig, ok := t.pickedUp[evHash]; ok {
			resp.ReserveSigs = append(resp.ReserveSigs, core.ReserveSig{ReserveSig: sig})
			continue
		}

		if left.Cmp(amountWithFee) < 0 {
			writeError(w, http.StatusConflict, errors.New("tip exhausted"))
			return
		}

		left, _ = left.Sub(amountWithFee)
		purpose, err := cryptoworker.WithdrawRequest{
			ReservePub:    t.reserve.Pub,
			AmountWithFee: amountWithFee,
			WithdrawFee:   d.Info.FeeWithdraw,
			DenomPubHash:  d.Hash,
			CoinEvHash:    evHash,
		}.Encode()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		sig, err := m.crypto.EddsaSign(purpose, t.reserve.Priv)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		t.pickedUp[evHash] = sig
		resp.ReserveSigs = append(resp.ReserveSigs, core.ReserveSig{ReserveSig: sig})
	}

	t.amountLeft = left
	writeJSON(w, http.StatusOK, resp)
}
