// Package market is the pricing and settlement engine for friends-only
// binary prediction markets.
//
// The engine seeds markets, prices and executes unit bets against an LMSR
// market maker, and settles markets into payouts. Every mutation of a
// market runs inside that market's exclusive critical section and inside
// one store transaction, so inventory, balances, bets and ledger entries
// commit together or not at all. Operations on different markets share no
// lock.
package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/lmsr"
	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/policy"
	"github.com/friendsmarket/market-engine/internal/store"
)

// Config holds the deployment-wide market parameters. They are fixed for
// the process lifetime; each market also records its own b and seed at
// creation.
type Config struct {
	LiquidityB      decimal.Decimal
	Seed            decimal.Decimal
	Stake           decimal.Decimal
	StartingBalance decimal.Decimal
	LockLow         decimal.Decimal
	LockHigh        decimal.Decimal
	BetWindow       time.Duration
}

// DefaultConfig returns b=5, seed=10, stake=1, a 10%-90% band and a five
// second bet window.
func DefaultConfig() Config {
	return Config{
		LiquidityB:      decimal.NewFromInt(5),
		Seed:            decimal.NewFromInt(10),
		Stake:           decimal.NewFromInt(1),
		StartingBalance: decimal.NewFromInt(50),
		LockLow:         decimal.NewFromFloat(0.10),
		LockHigh:        decimal.NewFromFloat(0.90),
		BetWindow:       5 * time.Second,
	}
}

func (c Config) validate() error {
	if !c.LiquidityB.IsPositive() {
		return errors.New("market: liquidity b must be positive")
	}
	if !c.Seed.IsPositive() {
		return errors.New("market: seed must be positive")
	}
	if !c.Stake.IsPositive() {
		return errors.New("market: stake must be positive")
	}
	if c.StartingBalance.IsNegative() {
		return errors.New("market: starting balance must not be negative")
	}
	if !c.LockLow.IsPositive() || !c.LockLow.LessThan(c.LockHigh) || !c.LockHigh.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("market: lock band must satisfy 0 < low < high < 1, got [%s, %s]", c.LockLow, c.LockHigh)
	}
	if c.BetWindow < 0 {
		return errors.New("market: bet window must not be negative")
	}
	return nil
}

// Event is published after a mutation commits.
type Event struct {
	Type     string          `json:"type"` // market_created, bet_placed, market_resolved, market_status
	MarketID string          `json:"market_id"`
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
	Side     model.Side      `json:"side,omitempty"`
	Status   model.Status    `json:"status"`
	Outcome  *model.Outcome  `json:"outcome,omitempty"`
}

// Publisher receives committed events, e.g. a WebSocket hub.
type Publisher interface {
	Publish(Event)
}

// Engine is the market pricing and settlement engine.
type Engine struct {
	store  store.Store
	cfg    Config
	guard  *policy.Guard
	clock  Clock
	auth   Authorizer
	events Publisher
	locks  *keyedMutex
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithAuthorizer injects the authorization capability for privileged
// market actions.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithPublisher injects an event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// New creates an engine over st.
func New(st store.Store, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store: st,
		cfg:   cfg,
		guard: policy.NewGuard(cfg.LockLow, cfg.LockHigh, cfg.BetWindow),
		clock: SystemClock(),
		auth:  CreatorOrAdmin{},
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's deployment parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// marketMaker builds the LMSR maker for a market's own b.
func marketMaker(m *model.Market) (*lmsr.MarketMaker, error) {
	mm, err := lmsr.NewMarketMaker(m.LiquidityB)
	if err != nil {
		return nil, reject(ErrNumerical, "market %s has invalid liquidity %s", m.ID, m.LiquidityB)
	}
	return mm, nil
}

func (e *Engine) ledgerEntry(userID, marketID string, t model.EntryType, amount decimal.Decimal, note string, now time.Time) model.LedgerEntry {
	return model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		EntryType: t,
		Amount:    amount,
		Note:      note,
		CreatedAt: now,
	}
}
