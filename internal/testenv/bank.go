package testenv

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/pandodao/ecash-wallet/core"
)

type bankOperation struct {
	amount      core.Amount
	reservePub  string
	exchange    string
	selected    bool
	transferred bool
}

// Bank is a fake bank supporting wallet-integrated withdrawals.
type Bank struct {
	*httptest.Server

	// AutoConfirm wires the money as soon as the wallet registered a
	// reserve.
	AutoConfirm bool

	ex     *Exchange
	faults *faults

	mu  sync.Mutex
	seq int
	ops map[string]*bankOperation
}

func NewBank(t testing.TB, ex *Exchange) *Bank {
	t.Helper()

	b := &Bank{
		ex:     ex,
		faults: newFaults(),
		ops:    map[string]*bankOperation{},
	}

	r := chi.NewRouter()
	r.Use(b.faults.middleware)
	r.Get("/withdraw-operation/{id}", b.handleStatus)
	r.Post("/withdraw-operation/{id}", b.handleSelect)

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Close)
	return b
}

func (b *Bank) Fail(path string, status, n int) {
	b.faults.add(path, status, n)
}

func (b *Bank) Requests(path string) int {
	return b.faults.count(path)
}

// NewWithdrawal starts a withdrawal operation and returns its status URL.
func (b *Bank) NewWithdrawal(amount core.Amount) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := strconv.Itoa(b.seq)
	b.ops[id] = &bankOperation{amount: amount}
	return b.URL + "/withdraw-operation/" + id
}

// ConfirmTransfer wires the money of the operation behind statusURL to
// the reserve the wallet registered.
func (b *Bank) ConfirmTransfer(statusURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	op, ok := b.ops[path.Base(statusURL)]
	if !ok {
		return errors.New("unknown withdrawal operation")
	}

	return b.transfer(op)
}

func (b *Bank) transfer(op *bankOperation) error {
	if !op.selected {
		return errors.New("no reserve selected yet")
	}

	if !op.transferred {
		op.transferred = true
		b.ex.Credit(op.reservePub, op.amount)
	}

	return nil
}

func (b *Bank) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()

	op, ok := b.ops[id]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown withdrawal operation"))
		return
	}

	writeJSON(w, http.StatusOK, core.BankWithdrawStatus{
		SelectionDone:      op.selected,
		TransferDone:       op.transferred,
		Amount:             op.amount,
		SenderWire:         "payto://" + WireMethod + "/customer",
		SuggestedExchange:  b.ex.BaseURL(),
		ConfirmTransferURL: b.URL + "/confirm/" + id,
	})
}

func (b *Bank) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req core.BankSelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	op, ok := b.ops[chi.URLParam(r, "id")]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown withdrawal operation"))
		return
	}

	if op.selected && op.reservePub != req.ReservePub {
		writeError(w, http.StatusConflict, errors.New("operation already bound to another reserve"))
		return
	}

	op.selected = true
	op.reservePub = req.ReservePub
	op.exchange = req.SelectedExchange

	if b.AutoConfirm {
		if err := b.transfer(op); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}
