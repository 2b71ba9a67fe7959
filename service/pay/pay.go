package pay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/internal/flight"
	"github.com/pandodao/ecash-wallet/service/cryptoworker"
	"github.com/pandodao/ecash-wallet/service/httpclient"
	"github.com/pandodao/ecash-wallet/store"
	"golang.org/x/sync/singleflight"
)

var (
	proposalScope = []core.Collection{core.CollectionProposals}
	purchaseScope = []core.Collection{core.CollectionPurchases}
	selectScope   = []core.Collection{
		core.CollectionCoins,
		core.CollectionDenominations,
		core.CollectionExchanges,
	}
	confirmScope = []core.Collection{
		core.CollectionCoins,
		core.CollectionProposals,
		core.CollectionPurchases,
	}
	refundScope = []core.Collection{
		core.CollectionCoins,
		core.CollectionDenominations,
		core.CollectionPurchases,
	}
)

var errCoinChanged = errors.New("coin was spent concurrently")

func New(
	db core.Database,
	client core.HTTPClient,
	crypto core.CryptoService,
	worker *cryptoworker.Worker,
	refresh core.RefreshService,
	notifier core.Notifier,
	logger *slog.Logger,
) *Service {
	return &Service{
		db:       db,
		client:   client,
		crypto:   crypto,
		worker:   worker,
		refresh:  refresh,
		notifier: notifier,
		logger:   logger.With("service", "pay"),
		clock:    time.Now,
		sf:       &singleflight.Group{},
	}
}

type Service struct {
	db       core.Database
	client   core.HTTPClient
	crypto   core.CryptoService
	worker   *cryptoworker.Worker
	refresh  core.RefreshService
	notifier core.Notifier
	logger   *slog.Logger
	clock    func() time.Time

	sf *singleflight.Group
}

func (s *Service) FindProposal(ctx context.Context, proposalID string) (*core.Proposal, error) {
	var p *core.Proposal
	err := s.db.View(ctx, proposalScope, func(tx core.Tx) (err error) {
		p, err = store.Get[core.Proposal](tx, core.CollectionProposals, proposalID)
		return err
	})

	return p, err
}

func (s *Service) FindPurchase(ctx context.Context, proposalID string) (*core.Purchase, error) {
	var p *core.Purchase
	err := s.db.View(ctx, purchaseScope, func(tx core.Tx) (err error) {
		p, err = store.Get[core.Purchase](tx, core.CollectionPurchases, proposalID)
		return err
	})

	return p, err
}

// PreparePay claims the order at the merchant, downloads its contract and
// checks whether the wallet can pay it.
func (s *Service) PreparePay(ctx context.Context, merchantBaseURL, orderID string) (*core.PreparePayResult, error) {
	merchantBaseURL = core.CanonicalizeBaseURL(merchantBaseURL)
	p, err := s.findOrCreateProposal(ctx, merchantBaseURL, orderID)
	if err != nil {
		return nil, err
	}

	if err := s.ProcessDownloadProposal(ctx, p.ProposalID, false); err != nil {
		return nil, err
	}

	if p, err = s.FindProposal(ctx, p.ProposalID); err != nil {
		return nil, err
	}

	switch p.Status {
	case core.ProposalStatusAccepted:
		return &core.PreparePayResult{Status: core.PreparePayPaid, ProposalID: p.ProposalID, ContractTerms: &p.Download.ContractTerms}, nil
	case core.ProposalStatusRefused:
		return nil, core.ErrProposalRefused
	case core.ProposalStatusProposed:
	default:
		return nil, core.ErrProposalNotReady
	}

	terms := &p.Download.ContractTerms
	sel, err := s.selectCoins(ctx, terms)
	if err != nil {
		return nil, err
	}

	if sel == nil {
		return &core.PreparePayResult{Status: core.PreparePayInsufficient, ProposalID: p.ProposalID, ContractTerms: terms}, nil
	}

	return &core.PreparePayResult{
		Status:        core.PreparePayPossible,
		ProposalID:    p.ProposalID,
		ContractTerms: terms,
		TotalFees:     &sel.DepositFees,
	}, nil
}

func (s *Service) findOrCreateProposal(ctx context.Context, merchantBaseURL, orderID string) (*core.Proposal, error) {
	nonce, err := s.crypto.CreateEddsaKeyPair()
	if err != nil {
		return nil, err
	}

	var p *core.Proposal
	err = s.db.Update(ctx, proposalScope, func(tx core.Tx) error {
		existing, err := store.List[core.Proposal](tx, core.CollectionProposals, store.ByIndex(core.IndexByOrder, core.OrderKey(merchantBaseURL, orderID)))
		if err != nil {
			return err
		}

		if len(existing) > 0 {
			p = existing[0]
			return nil
		}

		p = &core.Proposal{
			ProposalID:      uuid.New().String(),
			OrderID:         orderID,
			MerchantBaseURL: merchantBaseURL,
			NoncePub:        nonce.Pub,
			NoncePriv:       nonce.Priv,
			Status:          core.ProposalStatusDownloading,
			Timestamp:       s.clock(),
			RetryInfo:       core.InitRetryInfo(true),
		}

		return store.Add(tx, core.CollectionProposals, p.ProposalID, p)
	})

	return p, err
}

func (s *Service) ProcessDownloadProposal(ctx context.Context, proposalID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, "download:"+proposalID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processDownloadProposal(ctx, proposalID, forceNow)
	})

	return err
}

func (s *Service) processDownloadProposal(ctx context.Context, proposalID string, forceNow bool) error {
	if forceNow {
		err := s.db.Update(ctx, proposalScope, func(tx core.Tx) error {
			_, err := store.Mutate(tx, core.CollectionProposals, proposalID, func(p *core.Proposal) error {
				if p.Status != core.ProposalStatusDownloading {
					return store.ErrTxAbort
				}

				p.RetryInfo.Reset()
				return nil
			})

			return err
		})
		if err != nil {
			return err
		}
	}

	p, err := s.FindProposal(ctx, proposalID)
	if err != nil {
		return err
	}

	if p.Status != core.ProposalStatusDownloading {
		return nil
	}

	download, err := s.download(ctx, p)
	if err != nil {
		s.logger.Error("download proposal", "proposal", proposalID, "err", err)
		return s.setProposalError(ctx, proposalID, err)
	}

	err = s.db.Update(ctx, proposalScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionProposals, proposalID, func(p *core.Proposal) error {
			if p.Status != core.ProposalStatusDownloading {
				return store.ErrTxAbort
			}

			p.Download = download
			p.Status = core.ProposalStatusProposed
			p.RetryInfo = core.InitRetryInfo(false)
			p.LastError = nil
			return nil
		})

		return err
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyProposalDownloaded, ProposalID: proposalID})
	return nil
}

func (s *Service) download(ctx context.Context, p *core.Proposal) (*core.ProposalDownload, error) {
	u := httpclient.Join(p.MerchantBaseURL, "proposal", url.Values{
		"order_id": {p.OrderID},
		"nonce":    {p.NoncePub},
	})

	var resp core.ProposalResponse
	r, err := s.client.Get(ctx, u)
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return nil, err
	}

	var terms core.ContractTerms
	if err := json.Unmarshal(resp.ContractTerms, &terms); err != nil {
		return nil, core.ProtocolError(fmt.Sprintf("malformed contract terms: %v", err), nil)
	}

	hash, err := s.worker.HashContractTerms(resp.ContractTerms)
	if err != nil {
		return nil, core.ProtocolError(fmt.Sprintf("hash contract terms: %v", err), nil)
	}

	if !s.worker.IsValidContract(hash, resp.Sig, terms.MerchantPub) {
		return nil, core.ProtocolError("invalid merchant signature on contract terms", map[string]any{
			"contract_terms_hash": hash,
		})
	}

	switch {
	case terms.Nonce != p.NoncePub:
		return nil, core.ProtocolError("contract terms carry a foreign nonce", nil)
	case terms.OrderID != p.OrderID:
		return nil, core.ProtocolError("contract terms are for another order", map[string]any{"order_id": terms.OrderID})
	case terms.Amount.Currency == "" || terms.MaxFee.Currency != terms.Amount.Currency:
		return nil, core.ProtocolError("contract terms amounts do not match", map[string]any{
			"amount":  terms.Amount.String(),
			"max_fee": terms.MaxFee.String(),
		})
	}

	return &core.ProposalDownload{
		ContractTermsRaw:  resp.ContractTerms,
		ContractTerms:     terms,
		ContractTermsHash: hash,
		MerchantSig:       resp.Sig,
	}, nil
}

// candidates lists the spendable coins of one exchange accepted by the
// contract. Exchanges whose master key differs from the contract's are
// skipped.
func candidates(tx core.Tx, h core.ExchangeHandle, currency string, now time.Time) ([]cryptoworker.CoinWithDenom, error) {
	baseURL := core.CanonicalizeBaseURL(h.URL)
	e, err := store.Get[core.Exchange](tx, core.CollectionExchanges, baseURL)
	if store.IsErrNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	if e.Details == nil || e.Details.MasterPublicKey != h.MasterPub {
		return nil, nil
	}

	coins, err := store.List[core.Coin](tx, core.CollectionCoins, store.ByIndex(core.IndexByExchange, baseURL))
	if err != nil {
		return nil, err
	}

	var cds []cryptoworker.CoinWithDenom
	for _, c := range coins {
		if c.Status != core.CoinStatusFresh || c.CurrentAmount.Currency != currency {
			continue
		}

		d, err := store.Get[core.Denomination](tx, core.CollectionDenominations, c.DenomPubHash)
		if err != nil {
			return nil, err
		}

		if d.IsDepositable(now) {
			cds = append(cds, cryptoworker.CoinWithDenom{Coin: c, Denom: d})
		}
	}

	return cds, nil
}

// selectCoins returns the selection of the first exchange in contract
// order that can pay, or nil.
func (s *Service) selectCoins(ctx context.Context, terms *core.ContractTerms) (*Selection, error) {
	var sel *Selection
	err := s.db.View(ctx, selectScope, func(tx core.Tx) error {
		for _, h := range terms.Exchanges {
			cds, err := candidates(tx, h, terms.Amount.Currency, s.clock())
			if err != nil {
				return err
			}

			if res, ok := SelectPayCoins(cds, terms.Amount, terms.MaxFee); ok {
				sel = res
				return nil
			}
		}

		return nil
	})

	return sel, err
}

// ConfirmPay spends coins on an accepted proposal and submits the payment.
// The coins are debited in the same transaction that records the purchase.
func (s *Service) ConfirmPay(ctx context.Context, proposalID string) (*core.ConfirmPayResult, error) {
	p, err := s.FindProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case core.ProposalStatusAccepted:
		return s.confirmResult(p), s.ProcessPurchasePay(ctx, proposalID, true)
	case core.ProposalStatusRefused:
		return nil, core.ErrProposalRefused
	case core.ProposalStatusProposed:
	default:
		return nil, core.ErrProposalNotReady
	}

	cost, err := s.accept(ctx, p)
	for errors.Is(err, errCoinChanged) {
		s.logger.Info("coins spent concurrently, selecting again", "proposal", proposalID)
		cost, err = s.accept(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("proposal accepted", "proposal", proposalID, "order", p.Download.ContractTerms.OrderID, "cost", cost)
	s.notifier.Notify(core.Notification{Type: core.NotifyProposalAccepted, ProposalID: proposalID})

	return s.confirmResult(p), s.ProcessPurchasePay(ctx, proposalID, false)
}

// accept selects and signs coins for p, then debits them and records the
// purchase. It fails with errCoinChanged when a selected coin was spent
// after selection.
func (s *Service) accept(ctx context.Context, p *core.Proposal) (core.Amount, error) {
	terms := &p.Download.ContractTerms
	sel, err := s.selectCoins(ctx, terms)
	if err != nil {
		return core.Amount{}, err
	}

	if sel == nil {
		return core.Amount{}, core.ErrInsufficientBalance
	}

	info, err := s.worker.SignDeposit(terms, p.Download.ContractTermsHash, sel.Coins, terms.Amount)
	if err != nil {
		return core.Amount{}, err
	}

	purchase := &core.Purchase{
		ProposalID:        p.ProposalID,
		ContractTermsRaw:  p.Download.ContractTermsRaw,
		ContractTerms:     *terms,
		ContractTermsHash: p.Download.ContractTermsHash,
		MerchantSig:       p.Download.MerchantSig,
		PayReq: core.PayRequest{
			Coins:       info.Sigs,
			MerchantPub: terms.MerchantPub,
			OrderID:     terms.OrderID,
		},
		TimestampAccept:       s.clock(),
		PaymentSubmitPending:  true,
		PayRetryInfo:          core.InitRetryInfo(true),
		RefundStatusRetryInfo: core.InitRetryInfo(false),
	}

	cost := core.ZeroAmount(terms.Amount.Currency)
	for _, sig := range info.Sigs {
		cost, _ = cost.Add(sig.Contribution)
	}
	purchase.TotalPayCost = cost

	err = s.db.Update(ctx, confirmScope, func(tx core.Tx) error {
		rec, err := store.Get[core.Proposal](tx, core.CollectionProposals, p.ProposalID)
		if err != nil {
			return err
		}

		if rec.Status != core.ProposalStatusProposed {
			return store.ErrTxAbort
		}

		for i, updated := range info.UpdatedCoins {
			c, err := store.Get[core.Coin](tx, core.CollectionCoins, updated.CoinPub)
			if err != nil {
				return err
			}

			if c.Status != core.CoinStatusFresh || c.CurrentAmount.Cmp(info.OriginalCoins[i].CurrentAmount) != 0 {
				return errCoinChanged
			}

			if err := store.Put(tx, core.CollectionCoins, c.CoinPub, updated); err != nil {
				return err
			}
		}

		if err := store.Add(tx, core.CollectionPurchases, p.ProposalID, purchase); err != nil {
			return err
		}

		rec.Status = core.ProposalStatusAccepted
		return store.Put(tx, core.CollectionProposals, p.ProposalID, rec)
	})

	return cost, err
}

func (s *Service) confirmResult(p *core.Proposal) *core.ConfirmPayResult {
	return &core.ConfirmPayResult{
		ProposalID:     p.ProposalID,
		FulfillmentURL: p.Download.ContractTerms.FulfillmentURL,
	}
}

func (s *Service) RefuseProposal(ctx context.Context, proposalID string) error {
	return s.db.Update(ctx, proposalScope, func(tx core.Tx) error {
		p, err := store.Get[core.Proposal](tx, core.CollectionProposals, proposalID)
		if err != nil {
			return err
		}

		if p.Status != core.ProposalStatusProposed {
			return fmt.Errorf("%w: status %s", core.ErrProposalNotReady, p.Status)
		}

		p.Status = core.ProposalStatusRefused
		p.RetryInfo = core.InitRetryInfo(false)
		return store.Put(tx, core.CollectionProposals, proposalID, p)
	})
}

func (s *Service) ProcessPurchasePay(ctx context.Context, proposalID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, "pay:"+proposalID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processPurchasePay(ctx, proposalID, forceNow)
	})

	return err
}

func (s *Service) processPurchasePay(ctx context.Context, proposalID string, forceNow bool) error {
	if forceNow {
		err := s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
			if !p.PaymentSubmitPending {
				return store.ErrTxAbort
			}

			p.PayRetryInfo.Reset()
			return nil
		})
		if err != nil {
			return err
		}
	}

	p, err := s.FindPurchase(ctx, proposalID)
	if err != nil {
		return err
	}

	if !p.PaymentSubmitPending {
		return nil
	}

	var resp core.PayResponse
	r, err := s.client.PostJSON(ctx, httpclient.Join(p.ContractTerms.MerchantBaseURL, "pay", nil), &p.PayReq)
	if err = httpclient.Decode(r, err, &resp); err == nil && !s.worker.IsValidPaymentSig(p.ContractTermsHash, resp.Sig, p.ContractTerms.MerchantPub) {
		err = core.ProtocolError("invalid merchant signature on payment confirmation", nil)
	}

	if err != nil {
		s.logger.Error("submit payment", "proposal", proposalID, "err", err)
		return s.setPayError(ctx, proposalID, err)
	}

	err = s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
		if !p.PaymentSubmitPending {
			return store.ErrTxAbort
		}

		p.PaymentSubmitPending = false
		if p.TimestampFirstSuccessfulPay.IsZero() {
			p.TimestampFirstSuccessfulPay = s.clock()
		}

		p.PayRetryInfo = core.InitRetryInfo(false)
		p.LastPayError = nil
		return nil
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyPaymentSubmitted, ProposalID: proposalID})
	s.refreshLeftover(ctx, p.PayReq.Coins, core.RefreshReasonPay)
	return nil
}

// refreshLeftover melts whatever value the given coins still carry.
// Failures stay on the refresh group and are retried from there.
func (s *Service) refreshLeftover(ctx context.Context, perms []core.CoinDepositPermission, reason core.RefreshReason) {
	pubs := make([]string, 0, len(perms))
	err := s.db.View(ctx, []core.Collection{core.CollectionCoins}, func(tx core.Tx) error {
		for _, perm := range perms {
			c, err := store.Get[core.Coin](tx, core.CollectionCoins, perm.CoinPub)
			if err != nil {
				return err
			}

			if c.Status == core.CoinStatusFresh && !c.CurrentAmount.IsZero() && !slices.Contains(pubs, c.CoinPub) {
				pubs = append(pubs, c.CoinPub)
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Error("db.View", "err", err)
		return
	}

	if len(pubs) == 0 {
		return
	}

	if _, err := s.refresh.Refresh(ctx, pubs, reason); err != nil {
		s.logger.Warn("refresh leftover", "reason", reason, "err", err)
	}
}

// RequestRefund asks the merchant for refunds granted on a purchase.
func (s *Service) RequestRefund(ctx context.Context, proposalID string) error {
	err := s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
		p.RefundStatusRequested = true
		p.RefundStatusRetryInfo = core.InitRetryInfo(true)
		p.LastRefundStatusError = nil
		return nil
	})
	if err != nil {
		return err
	}

	return s.ProcessPurchaseQueryRefund(ctx, proposalID, false)
}

func (s *Service) ProcessPurchaseQueryRefund(ctx context.Context, proposalID string, forceNow bool) error {
	_, err := flight.Do(ctx, s.sf, "refund:"+proposalID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.processQueryRefund(ctx, proposalID, forceNow)
	})

	return err
}

func (s *Service) processQueryRefund(ctx context.Context, proposalID string, forceNow bool) error {
	if forceNow {
		err := s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
			if !p.RefundStatusRequested {
				return store.ErrTxAbort
			}

			p.RefundStatusRetryInfo.Reset()
			return nil
		})
		if err != nil {
			return err
		}
	}

	p, err := s.FindPurchase(ctx, proposalID)
	if err != nil {
		return err
	}

	if !p.RefundStatusRequested {
		return nil
	}

	perms, err := s.queryRefunds(ctx, p)
	if err != nil {
		s.logger.Error("query refund", "proposal", proposalID, "err", err)
		return s.setRefundError(ctx, proposalID, err)
	}

	var refunded []core.CoinDepositPermission
	err = s.db.Update(ctx, refundScope, func(tx core.Tx) error {
		rec, err := store.Get[core.Purchase](tx, core.CollectionPurchases, proposalID)
		if err != nil {
			return err
		}

		if rec.RefundsDone == nil {
			rec.RefundsDone = map[string]core.RefundPermission{}
		}

		for _, perm := range perms {
			key := refundKey(perm)
			if _, ok := rec.RefundsDone[key]; ok {
				continue
			}

			if err := applyRefund(tx, perm); err != nil {
				return err
			}

			rec.RefundsDone[key] = perm
			refunded = append(refunded, core.CoinDepositPermission{CoinPub: perm.CoinPub})
		}

		rec.RefundStatusRequested = false
		rec.RefundStatusRetryInfo = core.InitRetryInfo(false)
		rec.LastRefundStatusError = nil
		return store.Put(tx, core.CollectionPurchases, proposalID, rec)
	})
	if err != nil {
		return err
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyRefundQueried, ProposalID: proposalID})
	if len(refunded) > 0 {
		s.logger.Info("refunds applied", "proposal", proposalID, "count", len(refunded))
		s.notifier.Notify(core.Notification{Type: core.NotifyRefundApplied, ProposalID: proposalID})
		s.refreshLeftover(ctx, refunded, core.RefreshReasonRefund)
	}

	return nil
}

func (s *Service) queryRefunds(ctx context.Context, p *core.Purchase) ([]core.RefundPermission, error) {
	u := httpclient.Join(p.ContractTerms.MerchantBaseURL, "refund", url.Values{"order_id": {p.ContractTerms.OrderID}})

	var resp core.RefundResponse
	r, err := s.client.Get(ctx, u)
	if err := httpclient.Decode(r, err, &resp); err != nil {
		return nil, err
	}

	spent := map[string]bool{}
	for _, c := range p.PayReq.Coins {
		spent[c.CoinPub] = true
	}

	for i := range resp.RefundPermissions {
		perm := &resp.RefundPermissions[i]
		if !spent[perm.CoinPub] {
			return nil, core.ProtocolError("refund for a coin not spent on this purchase", map[string]any{"coin_pub": perm.CoinPub})
		}

		if !s.worker.IsValidRefund(p.ContractTermsHash, p.ContractTerms.MerchantPub, perm) {
			return nil, core.ProtocolError("invalid merchant signature on refund", map[string]any{
				"coin_pub":        perm.CoinPub,
				"rtransaction_id": perm.RtransactionID,
			})
		}
	}

	return resp.RefundPermissions, nil
}

func refundKey(perm core.RefundPermission) string {
	return fmt.Sprintf("%s-%d", perm.CoinPub, perm.RtransactionID)
}

// applyRefund credits refund_amount - refund_fee to the coin, never
// beyond its denomination value.
func applyRefund(tx core.Tx, perm core.RefundPermission) error {
	c, err := store.Get[core.Coin](tx, core.CollectionCoins, perm.CoinPub)
	if err != nil {
		return err
	}

	d, err := store.Get[core.Denomination](tx, core.CollectionDenominations, c.DenomPubHash)
	if err != nil {
		return err
	}

	credit, _ := perm.RefundAmount.Sub(perm.RefundFee)
	amount, _ := c.CurrentAmount.Add(credit)
	c.CurrentAmount = core.MinAmount(amount, d.Value)
	c.Status = core.CoinStatusFresh
	return store.Put(tx, core.CollectionCoins, c.CoinPub, c)
}

func (s *Service) mutatePurchase(ctx context.Context, proposalID string, fn func(p *core.Purchase) error) error {
	return s.db.Update(ctx, purchaseScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionPurchases, proposalID, fn)
		return err
	})
}

func (s *Service) setProposalError(ctx context.Context, proposalID string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.db.Update(ctx, proposalScope, func(tx core.Tx) error {
		_, err := store.Mutate(tx, core.CollectionProposals, proposalID, func(p *core.Proposal) error {
			p.LastError = opErr
			if opErr.Fatal() {
				p.RetryInfo.Deactivate()
			} else {
				p.RetryInfo.Increment()
			}

			return nil
		})

		return err
	})
	if err != nil {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyProposalOperationError, ProposalID: proposalID, Error: opErr})
	return opErr
}

func (s *Service) setPayError(ctx context.Context, proposalID string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
		p.LastPayError = opErr
		if opErr.Fatal() {
			p.PayRetryInfo.Deactivate()
		} else {
			p.PayRetryInfo.Increment()
		}

		return nil
	})
	if err != nil {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyPayOperationError, ProposalID: proposalID, Error: opErr})
	return opErr
}

func (s *Service) setRefundError(ctx context.Context, proposalID string, cause error) error {
	opErr := core.AsOperationError(cause)
	err := s.mutatePurchase(ctx, proposalID, func(p *core.Purchase) error {
		p.LastRefundStatusError = opErr
		if opErr.Fatal() {
			p.RefundStatusRetryInfo.Deactivate()
		} else {
			p.RefundStatusRetryInfo.Increment()
		}

		return nil
	})
	if err != nil {
		s.logger.Error("db.Update", "err", err)
	}

	s.notifier.Notify(core.Notification{Type: core.NotifyRefundStatusError, ProposalID: proposalID, Error: opErr})
	return opErr
}
