package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/metrics"
	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/store"
)

// Resolve settles a market and returns the ledger entries it emitted.
//
// YES or NO pays every winning bet its shares, one unit per share, and
// credits the creator with what is left of the pot. INVALID refunds every
// stake and returns the seed to the creator. Only OPEN and PENDING markets
// can be resolved; a second resolution fails without paying anything.
func (e *Engine) Resolve(ctx context.Context, p Principal, marketID string, outcome model.Outcome) ([]model.LedgerEntry, error) {
	if !outcome.Valid() {
		return nil, reject(ErrValidation, "outcome must be YES, NO or INVALID, got %q", outcome)
	}

	unlock := e.locks.Lock(marketID)
	defer unlock()

	var (
		settled *model.Market
		entries []model.LedgerEntry
		wasOpen bool
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := e.auth.Authorize(p, ActionResolve, m); err != nil {
			return err
		}
		if m.Status != model.StatusOpen && m.Status != model.StatusPending {
			return reject(ErrMarketState, "market %s is %s and cannot be resolved", m.ID, m.Status)
		}
		wasOpen = m.Status == model.StatusOpen

		bets, err := tx.BetsForMarket(ctx, m.ID)
		if err != nil {
			return err
		}

		now := e.clock.Now()
		next := *m
		if outcome == model.OutcomeInvalid {
			entries = e.refundAll(&next, bets, now)
		} else {
			entries = e.payWinners(&next, bets, outcome, now)
		}
		o := outcome
		next.Outcome = &o
		next.ResolvedAt = &now

		for _, le := range entries {
			if err := tx.Credit(ctx, le.UserID, le.Amount); err != nil {
				return err
			}
		}
		if err := tx.AppendLedger(ctx, entries...); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, &next); err != nil {
			return err
		}
		settled = &next
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}
	metrics.Resolutions.WithLabelValues(string(outcome)).Inc()
	metrics.CreatorSettlement.Observe(settled.CreatorPayout.InexactFloat64())
	if settled.CreatorPayout.IsNegative() {
		slog.Error("creator settlement negative", "market", settled.ID, "creator_payout", settled.CreatorPayout.String())
	}

	slog.Info("market resolved",
		"market", settled.ID,
		"outcome", outcome,
		"total_pot", settled.TotalPot.String(),
		"payout_yes", settled.TotalPayoutYes.String(),
		"payout_no", settled.TotalPayoutNo.String(),
		"creator_payout", settled.CreatorPayout.String(),
		"entries", len(entries),
	)

	mm, err := marketMaker(settled)
	if err == nil {
		yes, no := mm.Prices(settled.QYes, settled.QNo)
		e.publish(Event{
			Type:     "market_resolved",
			MarketID: settled.ID,
			PriceYes: yes,
			PriceNo:  no,
			Status:   settled.Status,
			Outcome:  settled.Outcome,
		})
	}
	return entries, nil
}

// payWinners settles m to a YES or NO outcome.
func (e *Engine) payWinners(m *model.Market, bets []model.Bet, outcome model.Outcome, now time.Time) []model.LedgerEntry {
	pot := m.Seed
	paid := decimal.Zero
	entries := make([]model.LedgerEntry, 0, len(bets)+1)
	for _, b := range bets {
		pot = pot.Add(b.Cost)
		if string(b.Side) != string(outcome) {
			continue
		}
		paid = paid.Add(b.Shares)
		entries = append(entries, e.ledgerEntry(b.UserID, m.ID, model.EntryPayout, b.Shares,
			fmt.Sprintf("Payout: %s shares on %s", b.Shares.StringFixed(4), b.Side), now))
	}

	creator := pot.Sub(paid)
	entries = append(entries, e.ledgerEntry(m.CreatorID, m.ID, model.EntryCreatorSettlement, creator,
		"Creator settlement", now))

	m.Status = model.StatusResolved
	m.TotalPot = pot
	m.TotalPayoutYes = decimal.Zero
	m.TotalPayoutNo = decimal.Zero
	if outcome == model.OutcomeYes {
		m.TotalPayoutYes = paid
	} else {
		m.TotalPayoutNo = paid
	}
	m.CreatorPayout = creator
	return entries
}

// refundAll settles m as INVALID: stakes go back to bettors and the seed
// goes back to the creator.
func (e *Engine) refundAll(m *model.Market, bets []model.Bet, now time.Time) []model.LedgerEntry {
	pot := m.Seed
	entries := make([]model.LedgerEntry, 0, len(bets)+1)
	for _, b := range bets {
		pot = pot.Add(b.Cost)
		entries = append(entries, e.ledgerEntry(b.UserID, m.ID, model.EntryRefund, b.Cost,
			fmt.Sprintf("Refund: bet on %s", b.Side), now))
	}
	entries = append(entries, e.ledgerEntry(m.CreatorID, m.ID, model.EntryRefund, m.Seed,
		"Refund: market seed", now))

	m.Status = model.StatusInvalid
	m.TotalPot = pot
	m.TotalPayoutYes = decimal.Zero
	m.TotalPayoutNo = decimal.Zero
	m.CreatorPayout = m.Seed
	return entries
}

// MarkPending places an OPEN market on hold. Betting stops; resolution is
// still accepted.
func (e *Engine) MarkPending(ctx context.Context, p Principal, marketID string) (*model.Market, error) {
	return e.transition(ctx, p, ActionHold, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		if m.Status != model.StatusOpen {
			return reject(ErrMarketState, "market %s is %s, only OPEN markets can be held", m.ID, m.Status)
		}
		m.Status = model.StatusPending
		return nil
	})
}

// CloseMarket withdraws a market that nobody has bet on yet and returns
// the seed to its creator. CLOSED markets accept neither bets nor
// resolution.
func (e *Engine) CloseMarket(ctx context.Context, p Principal, marketID string) (*model.Market, error) {
	return e.transition(ctx, p, ActionClose, marketID, func(tx store.Tx, m *model.Market, now time.Time) error {
		if m.Status != model.StatusOpen && m.Status != model.StatusPending {
			return reject(ErrMarketState, "market %s is %s and cannot be closed", m.ID, m.Status)
		}
		bets, err := tx.BetsForMarket(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(bets) > 0 {
			return reject(ErrMarketState, "market %s has %d bets; resolve it as INVALID instead", m.ID, len(bets))
		}
		if err := tx.Credit(ctx, m.CreatorID, m.Seed); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx,
			e.ledgerEntry(m.CreatorID, m.ID, model.EntryRefund, m.Seed, "Refund: market closed", now)); err != nil {
			return err
		}
		m.Status = model.StatusClosed
		m.CreatorPayout = m.Seed
		return nil
	})
}

// transition runs a non-trading status change under the market lock.
func (e *Engine) transition(ctx context.Context, p Principal, action Action, marketID string,
	apply func(tx store.Tx, m *model.Market, now time.Time) error) (*model.Market, error) {
	unlock := e.locks.Lock(marketID)
	defer unlock()

	var (
		out     *model.Market
		wasOpen bool
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := e.auth.Authorize(p, action, m); err != nil {
			return err
		}
		wasOpen = m.Status == model.StatusOpen
		if err := apply(tx, m, e.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}
	slog.Info("market status changed", "market", out.ID, "action", action, "status", out.Status)
	if mm, err := marketMaker(out); err == nil {
		yes, no := mm.Prices(out.QYes, out.QNo)
		e.publish(Event{Type: "market_status", MarketID: out.ID, PriceYes: yes, PriceNo: no, Status: out.Status})
	}
	return out, nil
}
