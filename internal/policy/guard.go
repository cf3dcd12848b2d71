// Package policy implements the pre-trade guards that protect a market's
// creator and its bettors.
//
// Every check is evaluated inside the market's critical section against
// the state the trade will commit on top of:
//   - Probability band: YES is locked near the top of the band and NO near
//     the bottom, based on the price before the trade
//   - Loss cap: the worst-case payout after the trade may not exceed the
//     funded pot (seed plus every stake, including this one)
//   - Bet window: at most one committed bet per market per window
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

var (
	// ErrPriceLocked is returned when the chosen side is locked by the
	// probability band.
	ErrPriceLocked = errors.New("policy: side locked by probability band")

	// ErrLossCapExceeded is returned when a trade would let the worst-case
	// payout exceed the funded pot.
	ErrLossCapExceeded = errors.New("policy: bet would exceed the creator's capped loss")

	// ErrBetWindow is returned when the previous bet on the market is too
	// recent.
	ErrBetWindow = errors.New("policy: market bet window has not elapsed")
)

// DefaultEpsilon widens the lock band slightly so that prices within
// floating-point noise of the threshold count as locked.
const DefaultEpsilon = 1e-6

// lossCapTolerance absorbs float64 noise in the inverse solve.
var lossCapTolerance = decimal.New(1, -9)

// Guard holds the deployment-wide guard parameters.
type Guard struct {
	// LockLow is the YES price at or below which NO bets are refused.
	LockLow decimal.Decimal

	// LockHigh is the YES price at or above which YES bets are refused.
	LockHigh decimal.Decimal

	// Epsilon widens both thresholds toward the middle of the band.
	Epsilon decimal.Decimal

	// BetWindow is the minimum gap between committed bets on one market.
	// Zero disables the window.
	BetWindow time.Duration
}

// NewGuard creates a guard with the given band and bet window.
func NewGuard(lockLow, lockHigh decimal.Decimal, betWindow time.Duration) *Guard {
	if betWindow < 0 {
		betWindow = 0
	}
	return &Guard{
		LockLow:   lockLow,
		LockHigh:  lockHigh,
		Epsilon:   decimal.NewFromFloat(DefaultEpsilon),
		BetWindow: betWindow,
	}
}

// CheckPriceLock validates side against the pre-trade YES price.
func (g *Guard) CheckPriceLock(side model.Side, priceYes decimal.Decimal) error {
	switch side {
	case model.SideYes:
		if priceYes.GreaterThanOrEqual(g.LockHigh.Sub(g.Epsilon)) {
			return fmt.Errorf("%w: YES betting disabled at or above %s probability",
				ErrPriceLocked, g.LockHigh.StringFixed(2))
		}
	case model.SideNo:
		if priceYes.LessThanOrEqual(g.LockLow.Add(g.Epsilon)) {
			return fmt.Errorf("%w: NO betting disabled at or below %s probability",
				ErrPriceLocked, g.LockLow.StringFixed(2))
		}
	}
	return nil
}

// CheckBetWindow refuses a bet when the last committed bet on the market
// falls inside the window ending at now.
func (g *Guard) CheckBetWindow(lastBetAt *time.Time, now time.Time) error {
	if g.BetWindow == 0 || lastBetAt == nil {
		return nil
	}
	if wait := lastBetAt.Add(g.BetWindow).Sub(now); wait > 0 {
		return fmt.Errorf("%w: retry in %s", ErrBetWindow, wait.Round(time.Millisecond))
	}
	return nil
}

// Exposure is the candidate post-trade state the loss cap is checked on.
type Exposure struct {
	QYes      decimal.Decimal
	QNo       decimal.Decimal
	SharesYes decimal.Decimal
	SharesNo  decimal.Decimal
	Pot       decimal.Decimal
}

// CheckLossCap validates that neither the AMM inventory on either side nor
// the shares minted to either side's bettors exceed the funded pot.
func (g *Guard) CheckLossCap(e Exposure) error {
	limit := e.Pot.Add(lossCapTolerance)

	worstQ := decimal.Max(e.QYes, e.QNo)
	if worstQ.GreaterThan(limit) {
		return fmt.Errorf("%w: inventory %s > pot %s", ErrLossCapExceeded, worstQ.StringFixed(6), e.Pot.StringFixed(6))
	}

	worstShares := decimal.Max(e.SharesYes, e.SharesNo)
	if worstShares.GreaterThan(limit) {
		return fmt.Errorf("%w: payout %s > pot %s", ErrLossCapExceeded, worstShares.StringFixed(6), e.Pot.StringFixed(6))
	}
	return nil
}
