package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/lmsr"
	"github.com/friendsmarket/market-engine/internal/metrics"
	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/policy"
	"github.com/friendsmarket/market-engine/internal/store"
)

// TradeResult is the outcome of a committed bet.
type TradeResult struct {
	Bet      model.Bet       `json:"bet"`
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
}

// Quote is a non-binding preview of a unit bet at the current inventory.
type Quote struct {
	Side        model.Side      `json:"side"`
	Stake       decimal.Decimal `json:"stake"`
	Shares      decimal.Decimal `json:"shares"` // payout if the side wins
	PriceBefore decimal.Decimal `json:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after"`
}

// PlaceBet executes one unit stake on side.
//
// Preconditions are checked in order inside the market's critical section:
// market OPEN, bet window, probability band (pre-trade price), user
// balance, inverse solve, loss cap (post-trade). Nothing is written unless
// every check passes.
func (e *Engine) PlaceBet(ctx context.Context, marketID, userID string, side model.Side) (*TradeResult, error) {
	start := time.Now()
	res, err := e.placeBet(ctx, marketID, userID, side)
	reason := Reason(err)
	metrics.ObserveBet(string(side), reason, time.Since(start))
	if err != nil {
		slog.Warn("bet rejected", "market", marketID, "user", userID, "side", side, "reason", reason, "error", err)
		return nil, err
	}

	slog.Info("bet placed",
		"market", marketID,
		"user", userID,
		"side", side,
		"shares", res.Bet.Shares.String(),
		"price_yes", res.PriceYes.String(),
	)
	e.publish(Event{
		Type:     "bet_placed",
		MarketID: marketID,
		PriceYes: res.PriceYes,
		PriceNo:  res.PriceNo,
		Side:     side,
		Status:   model.StatusOpen,
	})
	return res, nil
}

func (e *Engine) placeBet(ctx context.Context, marketID, userID string, side model.Side) (*TradeResult, error) {
	if !side.Valid() {
		return nil, reject(ErrValidation, "side must be YES or NO, got %q", side)
	}
	if userID == "" {
		return nil, reject(ErrValidation, "user is required")
	}

	unlock := e.locks.Lock(marketID)
	defer unlock()

	stake := e.cfg.Stake
	var res *TradeResult
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.MarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return reject(ErrMarketState, "market %s is %s", m.ID, m.Status)
		}

		now := e.clock.Now()
		if err := e.guard.CheckBetWindow(m.LastBetAt, now); err != nil {
			return err
		}

		mm, err := marketMaker(m)
		if err != nil {
			return err
		}
		if err := e.guard.CheckPriceLock(side, mm.PriceYes(m.QYes, m.QNo)); err != nil {
			return err
		}

		u, err := tx.UserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if u.Balance.LessThan(stake) {
			return reject(ErrInsufficientBalance, "stake %s exceeds balance %s", stake, u.Balance)
		}

		next, shares, err := applyStake(mm, m, side, stake)
		if err != nil {
			return err
		}
		if err := e.guard.CheckLossCap(policy.Exposure{
			QYes:      next.QYes,
			QNo:       next.QNo,
			SharesYes: next.SharesYes,
			SharesNo:  next.SharesNo,
			Pot:       next.FundedPot(),
		}); err != nil {
			return err
		}

		next.LastBetAt = &now
		priceYes, priceNo := mm.Prices(next.QYes, next.QNo)
		implied := priceYes
		if side == model.SideNo {
			implied = priceNo
		}
		bet := model.Bet{
			ID:          uuid.New().String(),
			MarketID:    m.ID,
			UserID:      userID,
			Side:        side,
			Shares:      shares,
			Cost:        stake,
			ImpliedOdds: implied,
			PlacedAt:    now,
		}

		if err := tx.UpdateMarket(ctx, next); err != nil {
			return err
		}
		if err := tx.Debit(ctx, userID, stake); err != nil {
			return err
		}
		if err := tx.InsertBet(ctx, &bet); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx,
			e.ledgerEntry(userID, m.ID, model.EntryBetDebit, stake.Neg(), fmt.Sprintf("Bet on %s", side), now)); err != nil {
			return err
		}

		res = &TradeResult{Bet: bet, PriceYes: priceYes, PriceNo: priceNo}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// applyStake returns the candidate post-trade market and the shares the
// stake mints. m is not modified.
func applyStake(mm *lmsr.MarketMaker, m *model.Market, side model.Side, stake decimal.Decimal) (*model.Market, decimal.Decimal, error) {
	var (
		shares decimal.Decimal
		err    error
	)
	if side == model.SideYes {
		shares, err = mm.SolveDelta(m.QYes, m.QNo, stake)
	} else {
		shares, err = mm.SolveDeltaNo(m.QYes, m.QNo, stake)
	}
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("%w: %w", ErrNumerical, err)
	}
	if !shares.IsPositive() {
		return nil, decimal.Zero, reject(ErrNumerical, "solve returned non-positive shares %s", shares)
	}

	next := *m
	if side == model.SideYes {
		next.QYes = m.QYes.Add(shares)
		next.SharesYes = m.SharesYes.Add(shares)
		next.VolumeYes = m.VolumeYes.Add(stake)
	} else {
		next.QNo = m.QNo.Add(shares)
		next.SharesNo = m.SharesNo.Add(shares)
		next.VolumeNo = m.VolumeNo.Add(stake)
	}
	next.TotalPot = next.FundedPot()
	return &next, shares, nil
}

// PreviewBet quotes a unit bet on side without committing anything. The
// quote is not a reservation: another bet may move the price first.
func (e *Engine) PreviewBet(ctx context.Context, marketID string, side model.Side) (*Quote, error) {
	if !side.Valid() {
		return nil, reject(ErrValidation, "side must be YES or NO, got %q", side)
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, classify(err)
	}
	if m.Status != model.StatusOpen {
		return nil, reject(ErrMarketState, "market %s is %s", m.ID, m.Status)
	}
	mm, err := marketMaker(m)
	if err != nil {
		return nil, err
	}

	before := mm.PriceYes(m.QYes, m.QNo)
	if err := e.guard.CheckPriceLock(side, before); err != nil {
		return nil, classify(err)
	}
	next, shares, err := applyStake(mm, m, side, e.cfg.Stake)
	if err != nil {
		return nil, err
	}

	after := mm.PriceYes(next.QYes, next.QNo)
	if side == model.SideNo {
		before = decimal.NewFromInt(1).Sub(before)
		after = decimal.NewFromInt(1).Sub(after)
	}
	return &Quote{
		Side:        side,
		Stake:       e.cfg.Stake,
		Shares:      shares,
		PriceBefore: before,
		PriceAfter:  after,
	}, nil
}

// Price returns the current (yes, no) prices of a market.
func (e *Engine) Price(ctx context.Context, marketID string) (decimal.Decimal, decimal.Decimal, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, classify(err)
	}
	mm, err := marketMaker(m)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	yes, no := mm.Prices(m.QYes, m.QNo)
	return yes, no, nil
}
