// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO friend markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker
//   - Continuous pricing with prices that read as probabilities
//   - Path-independent cost function
//
// Quantities are passed in and returned as shopspring/decimal. Internal
// transcendental math runs in float64 using the log-sum-exp trick, with
// results converted back to decimal at the boundary.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrInvalidProbability is returned when a seeding probability is not in (0, 1).
	ErrInvalidProbability = errors.New("lmsr: initial probability must be between 0 and 1")

	// ErrInvalidAmount is returned when a target cost is not positive.
	ErrInvalidAmount = errors.New("lmsr: trade amount must be positive")

	// ErrNoBracket is returned when the inverse solve cannot bracket a root.
	ErrNoBracket = errors.New("lmsr: failed to bracket the root for trade computation")

	// ErrNoConvergence is returned when the inverse solve exhausts its
	// iteration cap before reaching the tolerance.
	ErrNoConvergence = errors.New("lmsr: trade computation did not converge")
)

const (
	// SolveTolerance is the absolute tolerance on the cost difference.
	SolveTolerance = 1e-9

	// SolveMaxIter caps the bisection steps.
	SolveMaxIter = 200

	// initialBracket is the first upper bound for Δ, as a multiple of b.
	initialBracket = 50.0

	// maxBracket stops bracket expansion.
	maxBracket = 1e12

	// priceFloor keeps prices inside the open interval (0, 1) when
	// exp underflows for extreme inventories.
	priceFloor = 1e-15
)

// ShareScale is the number of decimal places kept for share quantities.
var ShareScale int32 = 12

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless: market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b  decimal.Decimal
	bf float64
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b means lower price impact per unit staked.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b, bf: b.InexactFloat64()}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// logSumExp computes ln(exp(x) + exp(y)) without overflow.
//
// Algorithm: LSE = max + ln(exp(x - max) + exp(y - max))
// Both exp arguments are <= 0, so the sum lies in (1, 2].
func logSumExp(x, y float64) float64 {
	maxVal := math.Max(x, y)
	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}
	return maxVal + math.Log(math.Exp(x-maxVal)+math.Exp(y-maxVal))
}

func (m *MarketMaker) cost(qy, qn float64) float64 {
	return m.bf * logSumExp(qy/m.bf, qn/m.bf)
}

func (m *MarketMaker) priceYes(qy, qn float64) float64 {
	yOverB := qy / m.bf
	nOverB := qn / m.bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)

	p := expYes / (expYes + expNo)
	if p < priceFloor {
		return priceFloor
	}
	if p > 1-priceFloor {
		return 1 - priceFloor
	}
	return p
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(exp(qYes / b) + exp(qNo / b))
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(m.cost(qYes.InexactFloat64(), qNo.InexactFloat64()))
}

// PriceYes computes the instantaneous YES price (softmax of q / b).
// The result always lies strictly inside (0, 1).
func (m *MarketMaker) PriceYes(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromFloat(m.priceYes(qYes.InexactFloat64(), qNo.InexactFloat64()))
}

// PriceNo returns 1 - PriceYes, computed in decimal so the pair sums to
// exactly one.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.PriceYes(qYes, qNo))
}

// Prices returns the (yes, no) price pair.
func (m *MarketMaker) Prices(qYes, qNo decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	yes := m.PriceYes(qYes, qNo)
	return yes, decimal.NewFromInt(1).Sub(yes)
}

// TradeCost computes the cost to change the YES quantity by deltaYes shares:
//
//	cost = C(qYes + deltaYes, qNo) - C(qYes, qNo)
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	qy, qn := qYes.InexactFloat64(), qNo.InexactFloat64()
	d := deltaYes.InexactFloat64()
	return decimal.NewFromFloat(m.cost(qy+d, qn) - m.cost(qy, qn))
}

// TradeCostNo computes the cost to change the NO quantity by deltaNo shares.
// Uses the symmetry property: C(a, b) = C(b, a).
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// InitialQuantities seeds a market at probability p with a subsidy:
//
//	qYes = b * ln(p) + seed
//	qNo  = b * ln(1 - p) + seed
//
// Shifting both sides by the same amount leaves the price at p while
// raising the cost function by exactly seed.
func (m *MarketMaker) InitialQuantities(p, seed decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	pf := p.InexactFloat64()
	if !(pf > 0 && pf < 1) {
		return decimal.Zero, decimal.Zero, ErrInvalidProbability
	}

	qYes := decimal.NewFromFloat(m.bf * math.Log(pf)).Add(seed)
	qNo := decimal.NewFromFloat(m.bf * math.Log1p(-pf)).Add(seed)
	return qYes, qNo, nil
}

// SolveDelta returns the number of YES shares Δ >= 0 whose purchase costs
// exactly target:
//
//	C(qYes + Δ, qNo) - C(qYes, qNo) = target
//
// The cost is strictly increasing in Δ, so the root is unique. It is found
// by bisection over [0, hi], doubling hi until the root is bracketed.
func (m *MarketMaker) SolveDelta(qYes, qNo, target decimal.Decimal) (decimal.Decimal, error) {
	delta, err := m.solve(qYes.InexactFloat64(), qNo.InexactFloat64(), target.InexactFloat64())
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(delta).Round(ShareScale), nil
}

// SolveDeltaNo is SolveDelta for the NO side, by symmetry.
func (m *MarketMaker) SolveDeltaNo(qYes, qNo, target decimal.Decimal) (decimal.Decimal, error) {
	return m.SolveDelta(qNo, qYes, target)
}

func (m *MarketMaker) solve(qFirst, qSecond, target float64) (float64, error) {
	if !(target > 0) {
		return 0, ErrInvalidAmount
	}

	base := m.cost(qFirst, qSecond)
	diff := func(delta float64) float64 {
		return m.cost(qFirst+delta, qSecond) - base - target
	}

	lo, hi := 0.0, m.bf*initialBracket
	for diff(hi) < 0 {
		hi *= 2
		if hi > maxBracket {
			return 0, fmt.Errorf("%w: target=%g b=%g", ErrNoBracket, target, m.bf)
		}
	}

	for i := 0; i < SolveMaxIter; i++ {
		mid := (lo + hi) / 2
		d := diff(mid)
		if math.Abs(d) < SolveTolerance {
			return mid, nil
		}
		if d < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0, fmt.Errorf("%w after %d iterations", ErrNoConvergence, SolveMaxIter)
}
