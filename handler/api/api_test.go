package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWallet struct {
	core.WalletService

	err      error
	reserves []*core.CreateReserveRequest
	retried  int
}

func (f *fakeWallet) GetBalances(context.Context) (*core.Balances, error) {
	if f.err != nil {
		return nil, f.err
	}

	return &core.Balances{
		ByCurrency: map[string]*core.Balance{
			"KUDOS": {
				Currency:        "KUDOS",
				Available:       core.MustParseAmount("KUDOS:3"),
				PendingIncoming: core.ZeroAmount("KUDOS"),
			},
		},
	}, nil
}

func (f *fakeWallet) CreateReserve(_ context.Context, req *core.CreateReserveRequest) (*core.CreateReserveResponse, error) {
	f.reserves = append(f.reserves, req)
	return &core.CreateReserveResponse{Exchange: req.Exchange, ReservePub: "RPUB"}, nil
}

func (f *fakeWallet) ConfirmPay(context.Context, string) (*core.ConfirmPayResult, error) {
	return nil, f.err
}

func (f *fakeWallet) RetryPendingNow(context.Context) error {
	f.retried++
	return nil
}

type fakeLoop struct {
	triggered int
}

func (l *fakeLoop) Trigger() {
	l.triggered++
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetBalances(t *testing.T) {
	w := &fakeWallet{}
	h := New(w, &fakeLoop{}, slog.Default()).Handler()

	rec := do(t, h, http.MethodGet, "/balances", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var b core.Balances
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	assert.Equal(t, "KUDOS:3", b.ByCurrency["KUDOS"].Available.String())
}

func TestCreateReserve(t *testing.T) {
	w := &fakeWallet{}
	h := New(w, &fakeLoop{}, slog.Default()).Handler()

	rec := do(t, h, http.MethodPost, "/reserves", `{"amount":"KUDOS:10","exchange":"https://ex.test/"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, w.reserves, 1)
	assert.Equal(t, "KUDOS:10", w.reserves[0].Amount.String())

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{`},
		{name: "missing exchange", body: `{"amount":"KUDOS:10"}`},
		{name: "zero amount", body: `{"amount":"KUDOS:0","exchange":"https://ex.test/"}`},
		{name: "bad amount", body: `{"amount":"10","exchange":"https://ex.test/"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/reserves", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	assert.Len(t, w.reserves, 1)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "not found", err: store.ErrNotFound, status: http.StatusNotFound},
		{name: "insufficient balance", err: core.ErrInsufficientBalance, status: http.StatusConflict},
		{name: "refused", err: fmt.Errorf("pay: %w", core.ErrProposalRefused), status: http.StatusConflict},
		{name: "operation error", err: core.ProtocolError("bad signature", nil), status: http.StatusBadGateway},
		{name: "other", err: fmt.Errorf("disk full"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWallet{err: tt.err}
			h := New(w, &fakeLoop{}, slog.Default()).Handler()

			rec := do(t, h, http.MethodPost, "/proposals/p1/pay", "")
			assert.Equal(t, tt.status, rec.Code)

			var resp errorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestRetry(t *testing.T) {
	w := &fakeWallet{}
	loop := &fakeLoop{}
	h := New(w, loop, slog.Default()).Handler()

	rec := do(t, h, http.MethodPost, "/retry", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, w.retried)
	assert.Equal(t, 1, loop.triggered)
}
