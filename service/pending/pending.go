package pending

import (
	"context"
	"log/slog"
	"time"

	"github.com/pandodao/ecash-wallet/core"
	"github.com/pandodao/ecash-wallet/store"
)

var scope = []core.Collection{
	core.CollectionExchanges,
	core.CollectionReserves,
	core.CollectionWithdrawalGroups,
	core.CollectionRefreshGroups,
	core.CollectionProposals,
	core.CollectionPurchases,
	core.CollectionTips,
}

func New(db core.Database, logger *slog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With("service", "pending"),
		clock:  time.Now,
	}
}

type Service struct {
	db     core.Database
	logger *slog.Logger
	clock  func() time.Time
}

// gatherer collects the operations of one Gather call.
type gatherer struct {
	now     time.Time
	onlyDue bool
	resp    *core.PendingOperations
}

// retry reports whether a record with the given retry info is included
// and lets active records bound the next retry delay. Records that stopped
// retrying never give liveness.
func (g *gatherer) retry(r core.RetryInfo) (include, liveness bool) {
	if !r.Active {
		return !g.onlyDue, false
	}

	if d := r.Remaining(g.now); d < g.resp.NextRetryDelay {
		g.resp.NextRetryDelay = d
	}

	return !g.onlyDue || r.IsDue(g.now), true
}

func (g *gatherer) add(op core.PendingOperation) {
	g.resp.Operations = append(g.resp.Operations, op)
}

// bug reports a broken record. Bugs are never due.
func (g *gatherer) bug(msg string, details map[string]any) {
	if g.onlyDue {
		return
	}

	g.add(&core.PendingBug{
		PendingBase: core.PendingBase{Type: core.PendingTypeBug},
		Message:     msg,
		Details:     details,
	})
}

func base(typ core.PendingOperationType, liveness bool) core.PendingBase {
	return core.PendingBase{Type: typ, GivesLiveness: liveness}
}

// Gather lists unfinished work. With onlyDue only records whose retry is
// due are returned; NextRetryDelay always covers every active record.
func (s *Service) Gather(ctx context.Context, onlyDue bool) (*core.PendingOperations, error) {
	g := &gatherer{
		now:     s.clock(),
		onlyDue: onlyDue,
		resp:    &core.PendingOperations{NextRetryDelay: core.NoRetryDelay},
	}

	err := s.db.View(ctx, scope, func(tx core.Tx) error {
		steps := []func(core.Tx, *gatherer) error{
			gatherExchanges,
			gatherReserves,
			gatherWithdrawals,
			gatherRefreshes,
			gatherProposals,
			gatherPurchases,
			gatherTips,
		}

		for _, step := range steps {
			if err := step(tx, g); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		s.logger.Error("db.View", "err", err)
		return nil, err
	}

	return g.resp, nil
}

func gatherExchanges(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionExchanges, core.IterOptions{}, func(_ string, e *core.Exchange) error {
		switch e.UpdateStatus {
		case core.ExchangeUpdateStatusFinished:
			if e.Details == nil {
				g.bug("exchange record does not have details", map[string]any{"exchange_base_url": e.BaseURL})
			}

			if e.WireInfo == nil {
				g.bug("exchange record does not have wire info", map[string]any{"exchange_base_url": e.BaseURL})
			}
		case core.ExchangeUpdateStatusFetchKeys, core.ExchangeUpdateStatusFetchWire, core.ExchangeUpdateStatusFinalizeUpdate:
			include, _ := g.retry(e.RetryInfo)
			if include {
				g.add(&core.PendingExchangeUpdate{
					PendingBase:     base(core.PendingTypeExchangeUpdate, false),
					ExchangeBaseURL: e.BaseURL,
					Stage:           e.UpdateStatus,
					Reason:          e.UpdateReason,
					LastError:       e.LastError,
				})
			}
		default:
			g.bug("unknown exchange update status", map[string]any{
				"exchange_base_url": e.BaseURL,
				"status":            int(e.UpdateStatus),
			})
		}

		return nil
	})
}

func gatherReserves(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionReserves, core.IterOptions{}, func(_ string, r *core.Reserve) error {
		reserveType := "manual"
		if r.BankWithdrawStatusURL != "" {
			reserveType = "taler-bank-withdraw"
		}

		switch r.Status {
		case core.ReserveStatusDormant:
		case core.ReserveStatusUnconfirmed:
			// waits for the user
			if !g.onlyDue {
				g.add(&core.PendingReserve{
					PendingBase:      base(core.PendingTypeReserve, false),
					ReservePub:       r.ReservePub,
					Stage:            r.Status,
					ReserveType:      reserveType,
					TimestampCreated: r.TimestampCreated,
					RetryInfo:        r.RetryInfo,
					LastError:        r.LastError,
				})
			}
		case core.ReserveStatusRegisteringBank,
			core.ReserveStatusWaitConfirmBank,
			core.ReserveStatusQueryingStatus,
			core.ReserveStatusWithdrawing:
			if include, liveness := g.retry(r.RetryInfo); include {
				g.add(&core.PendingReserve{
					PendingBase:      base(core.PendingTypeReserve, liveness),
					ReservePub:       r.ReservePub,
					Stage:            r.Status,
					ReserveType:      reserveType,
					TimestampCreated: r.TimestampCreated,
					RetryInfo:        r.RetryInfo,
					LastError:        r.LastError,
				})
			}
		default:
			g.bug("unknown reserve record status", map[string]any{
				"reserve_pub": r.ReservePub,
				"status":      int(r.Status),
			})
		}

		return nil
	})
}

func gatherWithdrawals(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionWithdrawalGroups, core.IterOptions{}, func(_ string, w *core.WithdrawalGroup) error {
		if w.Finished() {
			return nil
		}

		if len(w.Withdrawn) != len(w.Denoms) {
			g.bug("withdrawal group has inconsistent coin slots", map[string]any{"withdrawal_group_id": w.WithdrawalGroupID})
			return nil
		}

		if include, liveness := g.retry(w.RetryInfo); include {
			g.add(&core.PendingWithdraw{
				PendingBase:       base(core.PendingTypeWithdraw, liveness),
				WithdrawalGroupID: w.WithdrawalGroupID,
				Source:            w.Source,
				NumCoinsTotal:     len(w.Denoms),
				NumCoinsWithdrawn: w.NumWithdrawn(),
				RetryInfo:         w.RetryInfo,
				LastError:         w.LastError,
			})
		}

		return nil
	})
}

func gatherRefreshes(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionRefreshGroups, core.IterOptions{}, func(_ string, r *core.RefreshGroup) error {
		if r.Finished() {
			return nil
		}

		if len(r.FinishedPerCoin) != len(r.OldCoinPubs) || len(r.RefreshSessionPerCoin) != len(r.OldCoinPubs) {
			g.bug("refresh group has inconsistent coin slots", map[string]any{"refresh_group_id": r.RefreshGroupID})
			return nil
		}

		if include, liveness := g.retry(r.RetryInfo); include {
			g.add(&core.PendingRefresh{
				PendingBase:     base(core.PendingTypeRefresh, liveness),
				RefreshGroupID:  r.RefreshGroupID,
				FinishedPerCoin: r.FinishedPerCoin,
				RetryInfo:       r.RetryInfo,
				LastError:       r.LastError,
			})
		}

		return nil
	})
}

func gatherProposals(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionProposals, core.IterOptions{}, func(_ string, p *core.Proposal) error {
		switch p.Status {
		case core.ProposalStatusProposed:
			if !g.onlyDue {
				g.add(&core.PendingProposalChoice{
					PendingBase:       base(core.PendingTypeProposalChoice, false),
					ProposalID:        p.ProposalID,
					MerchantBaseURL:   p.MerchantBaseURL,
					ProposalTimestamp: p.Timestamp,
				})
			}
		case core.ProposalStatusDownloading:
			if include, liveness := g.retry(p.RetryInfo); include {
				g.add(&core.PendingProposalDownload{
					PendingBase:     base(core.PendingTypeProposalDownload, liveness),
					ProposalID:      p.ProposalID,
					MerchantBaseURL: p.MerchantBaseURL,
					OrderID:         p.OrderID,
					RetryInfo:       p.RetryInfo,
					LastError:       p.LastError,
				})
			}
		}

		return nil
	})
}

func gatherPurchases(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionPurchases, core.IterOptions{}, func(_ string, p *core.Purchase) error {
		if p.PaymentSubmitPending {
			if include, liveness := g.retry(p.PayRetryInfo); include {
				g.add(&core.PendingPay{
					PendingBase: base(core.PendingTypePay, liveness),
					ProposalID:  p.ProposalID,
					RetryInfo:   p.PayRetryInfo,
					LastError:   p.LastPayError,
				})
			}
		}

		if p.RefundStatusRequested {
			if include, liveness := g.retry(p.RefundStatusRetryInfo); include {
				g.add(&core.PendingRefundQuery{
					PendingBase: base(core.PendingTypeRefundQuery, liveness),
					ProposalID:  p.ProposalID,
					RetryInfo:   p.RefundStatusRetryInfo,
					LastError:   p.LastRefundStatusError,
				})
			}
		}

		return nil
	})
}

func gatherTips(tx core.Tx, g *gatherer) error {
	return store.Iter(tx, core.CollectionTips, core.IterOptions{}, func(_ string, t *core.Tip) error {
		switch {
		case t.PickedUp:
		case !t.Accepted():
			if !g.onlyDue {
				g.add(&core.PendingTipChoice{
					PendingBase:     base(core.PendingTypeTipChoice, false),
					TipID:           t.TipID,
					MerchantBaseURL: t.MerchantBaseURL,
					MerchantTipID:   t.MerchantTipID,
				})
			}
		default:
			if include, liveness := g.retry(t.RetryInfo); include {
				g.add(&core.PendingTipPickup{
					PendingBase:     base(core.PendingTypeTipPickup, liveness),
					TipID:           t.TipID,
					MerchantBaseURL: t.MerchantBaseURL,
					MerchantTipID:   t.MerchantTipID,
					RetryInfo:       t.RetryInfo,
					LastError:       t.LastError,
				})
			}
		}

		return nil
	})
}
