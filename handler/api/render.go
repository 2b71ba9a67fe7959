package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

type errorResponse struct {
	Error string               `json:"error"`
	Op    *core.OperationError `json:"operation_error,omitempty"`
}

func renderJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func renderError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}

	var opErr *core.OperationError
	if errors.As(err, &opErr) {
		resp.Op = opErr
	}

	renderJSON(w, status, resp)
}

// statusOf maps wallet errors to HTTP statuses. Failures talking to an
// exchange, bank or merchant are reported as bad gateway.
func statusOf(err error) int {
	var opErr *core.OperationError

	switch {
	case store.IsErrNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInsufficientBalance),
		errors.Is(err, core.ErrProposalNotReady),
		errors.Is(err, core.ErrProposalRefused):
		return http.StatusConflict
	case errors.As(err, &opErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
	}

	renderError(w, status, err)
}
