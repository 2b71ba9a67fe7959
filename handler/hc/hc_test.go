package hc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pendingFunc func() (*core.PendingOperations, error)

func (f pendingFunc) Gather(context.Context, bool) (*core.PendingOperations, error) {
	return f()
}

func TestHandler(t *testing.T) {
	h := Handler("1.0.0", pendingFunc(func() (*core.PendingOperations, error) {
		return &core.PendingOperations{
			Operations: []core.PendingOperation{
				&core.PendingPay{PendingBase: core.PendingBase{Type: core.PendingTypePay, GivesLiveness: true}},
				&core.PendingTipChoice{PendingBase: core.PendingBase{Type: core.PendingTypeTipChoice}},
			},
		}, nil
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hc", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1.0.0", resp["version"])
	assert.Equal(t, float64(2), resp["pending"])
	assert.Equal(t, float64(1), resp["giving_liveness"])
}

func TestHandlerUnavailable(t *testing.T) {
	h := Handler("1.0.0", pendingFunc(func() (*core.PendingOperations, error) {
		return nil, errors.New("database is closed")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hc", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
