package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte(`{"balance":"KUDOS:1"}`))
		case "/missing":
			http.NotFound(w, r)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/form":
			_ = r.ParseForm()
			_, _ = w.Write([]byte(`{"balance":"` + r.PostForm.Get("amount") + `"}`))
		}
	}))
	defer srv.Close()

	c := New(Config{Timeout: time.Second})
	ctx := context.Background()

	var body struct {
		Balance core.Amount `json:"balance"`
	}

	resp, err := c.Get(ctx, srv.URL+"/ok")
	require.NoError(t, Decode(resp, err, &body))
	assert.Equal(t, "KUDOS:1", body.Balance.String())

	resp, err = c.PostForm(ctx, srv.URL+"/form", url.Values{"amount": {"KUDOS:2"}})
	require.NoError(t, Decode(resp, err, &body))
	assert.Equal(t, "KUDOS:2", body.Balance.String())

	tests := []struct {
		path string
		typ  core.OperationErrorType
	}{
		{"/missing", core.OperationErrorProtocol},
		{"/broken", core.OperationErrorNetwork},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp, err := c.Get(ctx, srv.URL+tc.path)
			err = Decode(resp, err, &body)

			var opErr *core.OperationError
			require.True(t, errors.As(err, &opErr))
			assert.Equal(t, tc.typ, opErr.Type)
		})
	}

	_, err = c.Get(ctx, "http://127.0.0.1:1/unreachable")
	assert.Equal(t, core.OperationErrorNetwork, core.AsOperationError(Decode(nil, err, nil)).Type)
}

func TestJoin(t *testing.T) {
	tests := []struct {
		base string
		path string
		want string
	}{
		{"http://ex.test/", "keys", "http://ex.test/keys"},
		{"http://ex.test/api", "keys", "http://ex.test/api/keys"},
		{"http://ex.test/api/", "reserve/status", "http://ex.test/api/reserve/status"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, Join(tc.base, tc.path, nil))
	}

	assert.Equal(t, "http://ex.test/refund?order_id=a+b", Join("http://ex.test", "refund", url.Values{"order_id": {"a b"}}))
}
