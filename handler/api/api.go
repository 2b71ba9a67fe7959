package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
	"github.com/pandodao/ecash-wallet/core"
)

// Trigger wakes the retry loop.
type Trigger interface {
	Trigger()
}

func New(wallet core.WalletService, loop Trigger, logger *slog.Logger) *Server {
	return &Server{
		wallet: wallet,
		loop:   loop,
		logger: logger.With("server", "api"),
	}
}

type Server struct {
	wallet core.WalletService
	loop   Trigger
	logger *slog.Logger
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/balances", s.getBalances)
	r.Get("/pending", s.getPending)
	r.Get("/currencies", s.getCurrencies)
	r.Post("/retry", s.retry)

	r.Post("/exchanges", s.updateExchange)

	r.Route("/reserves", func(r chi.Router) {
		r.Post("/", s.createReserve)
		r.Post("/{pub}/confirm", s.confirmReserve)
	})

	r.Post("/withdrawals", s.acceptWithdrawal)

	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", s.preparePay)
		r.Post("/{id}/pay", s.confirmPay)
		r.Post("/{id}/refuse", s.refuseProposal)
	})

	r.Post("/purchases/{id}/refund", s.requestRefund)

	r.Route("/tips", func(r chi.Router) {
		r.Post("/", s.prepareTip)
		r.Post("/{id}/accept", s.acceptTip)
	})

	return r
}

type (
	updateExchangeRequest struct {
		URL   string `json:"url" valid:"required"`
		Force bool   `json:"force"`
	}

	acceptWithdrawalRequest struct {
		StatusURL string `json:"status_url" valid:"url,required"`
		Exchange  string `json:"exchange"`
	}

	preparePayRequest struct {
		MerchantURL string `json:"merchant_url" valid:"required"`
		OrderID     string `json:"order_id" valid:"required"`
	}

	prepareTipRequest struct {
		MerchantURL string `json:"merchant_url" valid:"required"`
		TipID       string `json:"tip_id" valid:"required"`
	}
)

var errInvalidAmount = errors.New("amount: must be positive")

// bind decodes and validates the request body. It writes the 400
// response itself and reports whether the handler may go on.
func bind(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		renderError(w, http.StatusBadRequest, err)
		return false
	}

	if _, err := govalidator.ValidateStruct(v); err != nil {
		renderError(w, http.StatusBadRequest, err)
		return false
	}

	return true
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	b, err := s.wallet.GetBalances(r.Context())
	if err != nil {
		s.fail(w, "wallet.GetBalances", err)
		return
	}

	renderJSON(w, http.StatusOK, b)
}

func (s *Server) getPending(w http.ResponseWriter, r *http.Request) {
	p, err := s.wallet.GetPending(r.Context())
	if err != nil {
		s.fail(w, "wallet.GetPending", err)
		return
	}

	renderJSON(w, http.StatusOK, p)
}

func (s *Server) getCurrencies(w http.ResponseWriter, r *http.Request) {
	records, err := s.wallet.Currencies(r.Context())
	if err != nil {
		s.fail(w, "wallet.Currencies", err)
		return
	}

	renderJSON(w, http.StatusOK, records)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.RetryPendingNow(r.Context()); err != nil {
		s.fail(w, "wallet.RetryPendingNow", err)
		return
	}

	s.loop.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateExchange(w http.ResponseWriter, r *http.Request) {
	var req updateExchangeRequest
	if !bind(w, r, &req) {
		return
	}

	e, err := s.wallet.UpdateExchange(r.Context(), req.URL, req.Force)
	if err != nil {
		s.fail(w, "wallet.UpdateExchange", err)
		return
	}

	renderJSON(w, http.StatusOK, e)
}

func (s *Server) createReserve(w http.ResponseWriter, r *http.Request) {
	var req core.CreateReserveRequest
	if !bind(w, r, &req) {
		return
	}

	if req.Amount.IsZero() {
		renderError(w, http.StatusBadRequest, errInvalidAmount)
		return
	}

	resp, err := s.wallet.CreateReserve(r.Context(), &req)
	if err != nil {
		s.fail(w, "wallet.CreateReserve", err)
		return
	}

	renderJSON(w, http.StatusCreated, resp)
}

func (s *Server) confirmReserve(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.ConfirmReserve(r.Context(), chi.URLParam(r, "pub")); err != nil {
		s.fail(w, "wallet.ConfirmReserve", err)
		return
	}

	s.loop.Trigger()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) acceptWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req acceptWithdrawalRequest
	if !bind(w, r, &req) {
		return
	}

	resp, err := s.wallet.AcceptWithdrawal(r.Context(), req.StatusURL, req.Exchange)
	if err != nil {
		s.fail(w, "wallet.AcceptWithdrawal", err)
		return
	}

	renderJSON(w, http.StatusOK, resp)
}

func (s *Server) preparePay(w http.ResponseWriter, r *http.Request) {
	var req preparePayRequest
	if !bind(w, r, &req) {
		return
	}

	res, err := s.wallet.PreparePay(r.Context(), req.MerchantURL, req.OrderID)
	if err != nil {
		s.fail(w, "wallet.PreparePay", err)
		return
	}

	renderJSON(w, http.StatusOK, res)
}

func (s *Server) confirmPay(w http.ResponseWriter, r *http.Request) {
	res, err := s.wallet.ConfirmPay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, "wallet.ConfirmPay", err)
		return
	}

	renderJSON(w, http.StatusOK, res)
}

func (s *Server) refuseProposal(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.RefuseProposal(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "wallet.RefuseProposal", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requestRefund(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.RequestRefund(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "wallet.RequestRefund", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) prepareTip(w http.ResponseWriter, r *http.Request) {
	var req prepareTipRequest
	if !bind(w, r, &req) {
		return
	}

	status, err := s.wallet.PrepareTip(r.Context(), req.MerchantURL, req.TipID)
	if err != nil {
		s.fail(w, "wallet.PrepareTip", err)
		return
	}

	renderJSON(w, http.StatusOK, status)
}

func (s *Server) acceptTip(w http.ResponseWriter, r *http.Request) {
	if err := s.wallet.AcceptTip(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, "wallet.AcceptTip", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
