package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/request"
	"github.com/friendsmarket/market-engine/internal/store"
)

var admin = Principal{Admin: true}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	store  *store.MemoryStore
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store.NewMemoryStore(),
		clock:  newFakeClock(),
		events: &recorder{},
	}
	e, err := New(h.store, cfg, WithClock(h.clock), WithPublisher(h.events))
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) user(name string) *model.User {
	h.t.Helper()
	u, err := h.engine.CreateUser(h.ctx, admin, request.CreateUserRequest{Name: name})
	require.NoError(h.t, err)
	h.clock.Advance(time.Millisecond)
	return u
}

func (h *harness) market(creatorID string, p float64) *model.Market {
	h.t.Helper()
	m, err := h.engine.CreateMarket(h.ctx, creatorID, request.CreateMarketRequest{
		Question:       "Will it snow on Saturday?",
		InitialProbYes: decimal.NewFromFloat(p),
	})
	require.NoError(h.t, err)
	h.clock.Advance(time.Millisecond)
	return m
}

// bet places a bet and steps the clock past the bet window.
func (h *harness) bet(marketID, userID string, side model.Side) (*TradeResult, error) {
	res, err := h.engine.PlaceBet(h.ctx, marketID, userID, side)
	h.clock.Advance(h.engine.Config().BetWindow + time.Second)
	return res, err
}

func (h *harness) balance(userID string) decimal.Decimal {
	h.t.Helper()
	u, err := h.store.GetUser(h.ctx, userID)
	require.NoError(h.t, err)
	return u.Balance
}

func (h *harness) priceYes(marketID string) float64 {
	h.t.Helper()
	yes, _, err := h.engine.Price(h.ctx, marketID)
	require.NoError(h.t, err)
	return yes.InexactFloat64()
}

func sumLedger(entries []model.LedgerEntry, types ...model.EntryType) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		for _, t := range types {
			if e.EntryType == t {
				total = total.Add(e.Amount)
			}
		}
	}
	return total
}

func TestNew_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"zero b", func(c *Config) { c.LiquidityB = decimal.Zero }},
		{"negative seed", func(c *Config) { c.Seed = decimal.NewFromInt(-1) }},
		{"zero stake", func(c *Config) { c.Stake = decimal.Zero }},
		{"inverted band", func(c *Config) { c.LockLow, c.LockHigh = c.LockHigh, c.LockLow }},
		{"band touches one", func(c *Config) { c.LockHigh = decimal.NewFromInt(1) }},
		{"negative window", func(c *Config) { c.BetWindow = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			_, err := New(store.NewMemoryStore(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestCreateMarket_SeedsAtRequestedProbability(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.user("alice")

	m := h.market(alice.ID, 0.5)

	assert.Equal(t, model.StatusOpen, m.Status)
	assert.InDelta(t, 0.5, h.priceYes(m.ID), 1e-9)
	assert.True(t, m.LiquidityB.Equal(decimal.NewFromInt(5)))
	assert.True(t, m.TotalPot.Equal(decimal.NewFromInt(10)))
	assert.InDelta(t, 6.5343, m.QYes.InexactFloat64(), 1e-3)
	assert.True(t, m.QYes.Equal(m.QNo))

	assert.True(t, h.balance(alice.ID).Equal(decimal.NewFromInt(40)))
	ledger, err := h.engine.LedgerForUser(h.ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, model.EntryStartingBalance, ledger[0].EntryType)
	assert.Equal(t, model.EntryDepositSeed, ledger[1].EntryType)
	assert.True(t, ledger[1].Amount.Equal(decimal.NewFromInt(-10)))
	assert.Equal(t, m.ID, ledger[1].MarketID)

	assert.Equal(t, []string{"market_created"}, h.events.types())
}

func TestCreateMarket_SkewedProbabilityKeepsFixedLiquidity(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.user("alice")

	for _, p := range []float64{0.10, 0.27, 0.90} {
		m := h.market(alice.ID, p)
		assert.InDelta(t, p, h.priceYes(m.ID), 1e-9)
		assert.True(t, m.LiquidityB.Equal(decimal.NewFromInt(5)), "b must not be adjusted for p=%g", p)
	}
}

func TestCreateMarket_Rejections(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartingBalance = decimal.NewFromInt(5) })
	poor := h.user("poor")

	tests := []struct {
		name    string
		creator string
		req     request.CreateMarketRequest
		kind    error
	}{
		{"probability below band", poor.ID, request.CreateMarketRequest{Question: "q", InitialProbYes: decimal.NewFromFloat(0.05)}, ErrValidation},
		{"probability above band", poor.ID, request.CreateMarketRequest{Question: "q", InitialProbYes: decimal.NewFromFloat(0.95)}, ErrValidation},
		{"blank question", poor.ID, request.CreateMarketRequest{Question: "  ", InitialProbYes: decimal.NewFromFloat(0.5)}, ErrValidation},
		{"missing creator", "", request.CreateMarketRequest{Question: "q", InitialProbYes: decimal.NewFromFloat(0.5)}, ErrValidation},
		{"unknown creator", "ghost", request.CreateMarketRequest{Question: "q", InitialProbYes: decimal.NewFromFloat(0.5)}, ErrNotFound},
		{"cannot cover seed", poor.ID, request.CreateMarketRequest{Question: "q", InitialProbYes: decimal.NewFromFloat(0.5)}, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateMarket(h.ctx, tt.creator, tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}

	markets, err := h.engine.ListMarkets(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, markets)
	assert.True(t, h.balance(poor.ID).Equal(decimal.NewFromInt(5)))
}

func TestPlaceBet_YesRaisesPrice(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)

	res, err := h.bet(m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)

	p := res.PriceYes.InexactFloat64()
	assert.Greater(t, p, 0.5)
	assert.Less(t, p, 0.9)
	assert.True(t, res.PriceYes.Add(res.PriceNo).Equal(decimal.NewFromInt(1)))
	assert.True(t, res.Bet.Shares.IsPositive())
	assert.True(t, res.Bet.Cost.Equal(decimal.NewFromInt(1)))
	assert.True(t, res.Bet.ImpliedOdds.Equal(res.PriceYes))

	assert.True(t, h.balance(bob.ID).Equal(decimal.NewFromInt(49)))
	ledger, err := h.engine.LedgerForUser(h.ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, model.EntryBetDebit, ledger[1].EntryType)
	assert.True(t, ledger[1].Amount.Equal(decimal.NewFromInt(-1)))

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.QYes.Equal(m.QYes.Add(res.Bet.Shares)))
	assert.True(t, stored.QNo.Equal(m.QNo))
	assert.True(t, stored.VolumeYes.Equal(decimal.NewFromInt(1)))
	assert.True(t, stored.TotalPot.Equal(decimal.NewFromInt(11)))
	require.NotNil(t, stored.LastBetAt)
}

func TestPlaceBet_Monotonicity(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)

	before := h.priceYes(m.ID)
	_, err := h.bet(m.ID, bob.ID, model.SideNo)
	require.NoError(t, err)
	afterNo := h.priceYes(m.ID)
	assert.Less(t, afterNo, before)

	_, err = h.bet(m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)
	assert.Greater(t, h.priceYes(m.ID), afterNo)
}

func TestPlaceBet_PriceLockAtTopOfBand(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	m := h.market(alice.ID, 0.5)

	yesBets := 0
	for h.priceYes(m.ID) < 0.9 {
		_, err := h.bet(m.ID, bob.ID, model.SideYes)
		require.NoError(t, err, "bet %d", yesBets+1)
		yesBets++
		require.Less(t, yesBets, 20)
	}
	assert.Equal(t, 9, yesBets)
	assert.InDelta(t, 0.917, h.priceYes(m.ID), 1e-3)

	_, err := h.bet(m.ID, bob.ID, model.SideYes)
	assert.ErrorIs(t, err, ErrPriceLock)
	assert.Equal(t, "price_lock", Reason(err))

	_, err = h.bet(m.ID, carol.ID, model.SideNo)
	assert.NoError(t, err)
}

func TestPlaceBet_PriceLockAtBottomOfBand(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.10)

	_, err := h.bet(m.ID, bob.ID, model.SideNo)
	assert.ErrorIs(t, err, ErrPriceLock)

	_, err = h.bet(m.ID, bob.ID, model.SideYes)
	assert.NoError(t, err)
}

func TestPlaceBet_SolvencyGuardStopsLongshotRun(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.10)

	var err error
	for i := 0; i < 30 && err == nil; i++ {
		_, err = h.bet(m.ID, bob.ID, model.SideYes)
	}
	require.ErrorIs(t, err, ErrSolvency)
	assert.Less(t, h.priceYes(m.ID), 0.9)

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.SharesYes.LessThanOrEqual(stored.FundedPot()))
	assert.True(t, decimal.Max(stored.QYes, stored.QNo).LessThanOrEqual(stored.FundedPot()))

	entries, err := h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	creator := sumLedger(entries, model.EntryCreatorSettlement)
	assert.False(t, creator.IsNegative(), "creator settlement %s", creator)
}

func TestPlaceBet_Rejections(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartingBalance = decimal.NewFromInt(10) })
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)

	_, err := h.bet(m.ID, bob.ID, model.Side("MAYBE"))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.bet("nope", bob.ID, model.SideYes)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.bet(m.ID, "ghost", model.SideYes)
	assert.ErrorIs(t, err, ErrNotFound)

	// alice spent her whole balance on the seed.
	_, err = h.bet(m.ID, alice.ID, model.SideYes)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.QYes.Equal(m.QYes))
	assert.Nil(t, stored.LastBetAt)
}

func TestPlaceBet_BetWindow(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	m := h.market(alice.ID, 0.5)

	_, err := h.engine.PlaceBet(h.ctx, m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	_, err = h.engine.PlaceBet(h.ctx, m.ID, carol.ID, model.SideNo)
	assert.ErrorIs(t, err, ErrBetWindow)
	assert.True(t, h.balance(carol.ID).Equal(decimal.NewFromInt(50)))

	other := h.market(alice.ID, 0.5)
	_, err = h.engine.PlaceBet(h.ctx, other.ID, carol.ID, model.SideNo)
	assert.NoError(t, err, "the window is per market")

	h.clock.Advance(3 * time.Second)
	_, err = h.engine.PlaceBet(h.ctx, m.ID, carol.ID, model.SideNo)
	assert.NoError(t, err)
}

func TestPreviewBet_MatchesExecution(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.3)

	q, err := h.engine.PreviewBet(h.ctx, m.ID, model.SideNo)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, q.PriceBefore.InexactFloat64(), 1e-9)
	assert.Greater(t, q.PriceAfter.InexactFloat64(), 0.7)

	res, err := h.bet(m.ID, bob.ID, model.SideNo)
	require.NoError(t, err)
	assert.True(t, q.Shares.Equal(res.Bet.Shares))
	assert.True(t, q.PriceAfter.Equal(res.PriceNo))

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.QNo.Equal(m.QNo.Add(q.Shares)))
}

func TestPreviewBet_LockedSide(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.user("alice")
	m := h.market(alice.ID, 0.9)

	_, err := h.engine.PreviewBet(h.ctx, m.ID, model.SideYes)
	assert.ErrorIs(t, err, ErrPriceLock)

	_, err = h.engine.PreviewBet(h.ctx, m.ID, model.SideNo)
	assert.NoError(t, err)
}

func TestResolve_YesPaysWinningShares(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	m := h.market(alice.ID, 0.5)

	bobShares := decimal.Zero
	for i := 0; i < 3; i++ {
		res, err := h.bet(m.ID, bob.ID, model.SideYes)
		require.NoError(t, err)
		bobShares = bobShares.Add(res.Bet.Shares)
	}
	_, err := h.bet(m.ID, carol.ID, model.SideNo)
	require.NoError(t, err)

	entries, err := h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeYes)
	require.NoError(t, err)

	bobPaid := decimal.Zero
	for _, e := range entries {
		assert.NotEqual(t, carol.ID, e.UserID, "losing side is paid nothing")
		if e.UserID == bob.ID {
			assert.Equal(t, model.EntryPayout, e.EntryType)
			bobPaid = bobPaid.Add(e.Amount)
		}
	}
	assert.True(t, bobPaid.Equal(bobShares))

	pot := decimal.NewFromInt(10 + 4)
	creator := sumLedger(entries, model.EntryCreatorSettlement)
	assert.True(t, creator.Equal(pot.Sub(bobShares)))
	assert.True(t, sumLedger(entries, model.EntryPayout, model.EntryCreatorSettlement).Equal(pot))

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, stored.Status)
	require.NotNil(t, stored.Outcome)
	assert.Equal(t, model.OutcomeYes, *stored.Outcome)
	assert.True(t, stored.TotalPot.Equal(pot))
	assert.True(t, stored.TotalPayoutYes.Equal(bobShares))
	assert.True(t, stored.TotalPayoutNo.IsZero())
	assert.True(t, stored.CreatorPayout.Equal(creator))
	require.NotNil(t, stored.ResolvedAt)

	assert.True(t, h.balance(bob.ID).Equal(decimal.NewFromInt(47).Add(bobShares)))
	assert.True(t, h.balance(carol.ID).Equal(decimal.NewFromInt(49)))
	assert.True(t, h.balance(alice.ID).Equal(decimal.NewFromInt(40).Add(creator)))
}

func TestResolve_AfterPriceLockScenario(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	m := h.market(alice.ID, 0.5)

	for h.priceYes(m.ID) < 0.9 {
		_, err := h.bet(m.ID, bob.ID, model.SideYes)
		require.NoError(t, err)
	}
	_, err := h.bet(m.ID, carol.ID, model.SideNo)
	require.NoError(t, err)

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.03, stored.SharesYes.InexactFloat64(), 0.01)

	entries, err := h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeYes)
	require.NoError(t, err)

	creator := sumLedger(entries, model.EntryCreatorSettlement)
	expected := stored.Seed.Add(stored.Stakes()).Sub(stored.SharesYes)
	assert.True(t, creator.Equal(expected), "creator %s, want %s", creator, expected)
	assert.True(t, creator.IsPositive())
}

func TestResolve_InvalidRefundsEverything(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob, carol := h.user("alice"), h.user("bob"), h.user("carol")
	m := h.market(alice.ID, 0.4)

	for _, bet := range []struct {
		user string
		side model.Side
	}{{bob.ID, model.SideYes}, {carol.ID, model.SideNo}, {bob.ID, model.SideNo}} {
		_, err := h.bet(m.ID, bet.user, bet.side)
		require.NoError(t, err)
	}

	entries, err := h.engine.Resolve(h.ctx, Principal{UserID: alice.ID}, m.ID, model.OutcomeInvalid)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, model.EntryRefund, e.EntryType)
	}

	perUser := map[string]decimal.Decimal{}
	for _, e := range entries {
		perUser[e.UserID] = perUser[e.UserID].Add(e.Amount)
	}
	assert.True(t, perUser[bob.ID].Equal(decimal.NewFromInt(2)))
	assert.True(t, perUser[carol.ID].Equal(decimal.NewFromInt(1)))
	assert.True(t, perUser[alice.ID].Equal(decimal.NewFromInt(10)))

	for _, u := range []*model.User{alice, bob, carol} {
		assert.True(t, h.balance(u.ID).Equal(decimal.NewFromInt(50)), "user %s", u.Name)
	}

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvalid, stored.Status)
	assert.True(t, stored.CreatorPayout.Equal(decimal.NewFromInt(10)))
}

func TestResolve_IsNotRepeatable(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)
	_, err := h.bet(m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)

	_, err = h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	before, err := h.engine.LedgerForMarket(h.ctx, m.ID)
	require.NoError(t, err)
	balance := h.balance(bob.ID)

	for _, o := range []model.Outcome{model.OutcomeYes, model.OutcomeNo, model.OutcomeInvalid} {
		_, err = h.engine.Resolve(h.ctx, admin, m.ID, o)
		assert.ErrorIs(t, err, ErrMarketState)
	}

	after, err := h.engine.LedgerForMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.True(t, h.balance(bob.ID).Equal(balance))

	_, err = h.bet(m.ID, bob.ID, model.SideNo)
	assert.ErrorIs(t, err, ErrMarketState)
}

func TestResolve_Authorization(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)

	_, err := h.engine.Resolve(h.ctx, Principal{UserID: bob.ID}, m.ID, model.OutcomeNo)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.engine.Resolve(h.ctx, Principal{}, m.ID, model.OutcomeNo)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.engine.Resolve(h.ctx, admin, m.ID, model.Outcome("SOMETIMES"))
	assert.ErrorIs(t, err, ErrValidation)

	stored, err := h.engine.GetMarket(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, stored.Status)
}

func TestMarkPending_StopsBettingButAllowsResolution(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)
	_, err := h.bet(m.ID, bob.ID, model.SideNo)
	require.NoError(t, err)

	held, err := h.engine.MarkPending(h.ctx, Principal{UserID: alice.ID}, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, held.Status)

	_, err = h.engine.MarkPending(h.ctx, admin, m.ID)
	assert.ErrorIs(t, err, ErrMarketState)

	_, err = h.bet(m.ID, bob.ID, model.SideNo)
	assert.ErrorIs(t, err, ErrMarketState)

	_, err = h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeNo)
	require.NoError(t, err)

	assert.Contains(t, h.events.types(), "market_status")
	assert.Contains(t, h.events.types(), "market_resolved")
}

func TestCloseMarket(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")

	empty := h.market(alice.ID, 0.5)
	_, err := h.engine.CloseMarket(h.ctx, Principal{UserID: bob.ID}, empty.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	closed, err := h.engine.CloseMarket(h.ctx, Principal{UserID: alice.ID}, empty.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusClosed, closed.Status)
	assert.True(t, h.balance(alice.ID).Equal(decimal.NewFromInt(50)))

	_, err = h.engine.Resolve(h.ctx, admin, empty.ID, model.OutcomeYes)
	assert.ErrorIs(t, err, ErrMarketState)
	_, err = h.bet(empty.ID, bob.ID, model.SideYes)
	assert.ErrorIs(t, err, ErrMarketState)

	traded := h.market(alice.ID, 0.5)
	_, err = h.bet(traded.ID, bob.ID, model.SideYes)
	require.NoError(t, err)
	_, err = h.engine.CloseMarket(h.ctx, admin, traded.ID)
	assert.ErrorIs(t, err, ErrMarketState)
}

func TestConcurrentBets_SerializePerMarket(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.BetWindow = 0 })
	creator := h.user("creator")
	markets := []*model.Market{h.market(creator.ID, 0.5), h.market(creator.ID, 0.2)}

	const bettors = 12
	const betsEach = 15
	users := make([]*model.User, bettors)
	for i := range users {
		users[i] = h.user(string(rune('a'+i)) + "-bettor")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed = map[string]int{}
	)
	for i, u := range users {
		wg.Add(1)
		go func(i int, u *model.User) {
			defer wg.Done()
			for j := 0; j < betsEach; j++ {
				m := markets[(i+j)%len(markets)]
				side := model.SideYes
				if (i*7+j)%3 == 0 {
					side = model.SideNo
				}
				_, err := h.engine.PlaceBet(h.ctx, m.ID, u.ID, side)
				if err == nil {
					mu.Lock()
					committed[m.ID]++
					mu.Unlock()
					continue
				}
				assert.Contains(t, []string{"price_lock", "solvency"}, Reason(err), "unexpected rejection: %v", err)
			}
		}(i, u)
	}
	wg.Wait()

	total := decimal.Zero
	for _, u := range append(users, creator) {
		total = total.Add(h.balance(u.ID))
	}

	for _, m := range markets {
		stored, err := h.engine.GetMarket(h.ctx, m.ID)
		require.NoError(t, err)
		bets, err := h.store.ListBets(h.ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, bets, committed[m.ID], "no lost updates")

		sharesYes, sharesNo := decimal.Zero, decimal.Zero
		for _, b := range bets {
			if b.Side == model.SideYes {
				sharesYes = sharesYes.Add(b.Shares)
			} else {
				sharesNo = sharesNo.Add(b.Shares)
			}
		}
		assert.True(t, stored.QYes.Equal(m.QYes.Add(sharesYes)))
		assert.True(t, stored.QNo.Equal(m.QNo.Add(sharesNo)))
		assert.True(t, stored.Stakes().Equal(decimal.NewFromInt(int64(len(bets)))))

		pot := stored.FundedPot().InexactFloat64()
		assert.LessOrEqual(t, decimal.Max(stored.QYes, stored.QNo).InexactFloat64(), pot+1e-9)
		assert.LessOrEqual(t, decimal.Max(stored.SharesYes, stored.SharesNo).InexactFloat64(), pot+1e-9)
		total = total.Add(stored.FundedPot())
	}
	assert.True(t, total.Equal(decimal.NewFromInt(50*(bettors+1))), "value conserved before settlement, got %s", total)

	for _, m := range markets {
		entries, err := h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeYes)
		require.NoError(t, err)
		stored, err := h.engine.GetMarket(h.ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, sumLedger(entries, model.EntryPayout, model.EntryCreatorSettlement).Equal(stored.TotalPot))
		assert.False(t, stored.CreatorPayout.IsNegative())
	}

	total = decimal.Zero
	for _, u := range append(users, creator) {
		total = total.Add(h.balance(u.ID))
	}
	assert.True(t, total.Equal(decimal.NewFromInt(50*(bettors+1))), "value conserved after settlement, got %s", total)
}

func TestConcurrentBets_WindowAdmitsOne(t *testing.T) {
	h := newHarness(t, nil)
	creator := h.user("creator")
	m := h.market(creator.ID, 0.5)

	const n = 16
	users := make([]*model.User, n)
	for i := range users {
		users[i] = h.user(string(rune('a'+i)) + "-racer")
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, u := range users {
		wg.Add(1)
		go func(i int, u *model.User) {
			defer wg.Done()
			_, errs[i] = h.engine.PlaceBet(h.ctx, m.ID, u.ID, model.SideYes)
		}(i, u)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrBetWindow)
	}
	assert.Equal(t, 1, ok)

	bets, err := h.store.ListBets(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, bets, 1)
}

func TestPositionsAndOddsHistory(t *testing.T) {
	h := newHarness(t, nil)
	alice, bob := h.user("alice"), h.user("bob")
	m := h.market(alice.ID, 0.5)

	first, err := h.bet(m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)
	second, err := h.bet(m.ID, bob.ID, model.SideYes)
	require.NoError(t, err)
	third, err := h.bet(m.ID, bob.ID, model.SideNo)
	require.NoError(t, err)

	history, err := h.engine.OddsHistory(h.ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.InDelta(t, 0.5, history[0].PriceYes.InexactFloat64(), 1e-9)
	assert.True(t, history[1].PriceYes.Equal(first.PriceYes))
	assert.True(t, history[2].PriceYes.Equal(second.PriceYes))
	assert.True(t, history[3].PriceYes.Equal(third.PriceYes))
	assert.Equal(t, model.SideNo, history[3].Side)

	positions, err := h.engine.Positions(h.ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	yes, no := positions[0], positions[1]
	assert.Equal(t, model.SideYes, yes.Side)
	assert.True(t, yes.TotalShares.Equal(first.Bet.Shares.Add(second.Bet.Shares)))
	assert.True(t, yes.TotalStake.Equal(decimal.NewFromInt(2)))
	assert.True(t, yes.PotentialPayout.Equal(yes.TotalShares))
	assert.True(t, no.TotalShares.Equal(third.Bet.Shares))

	_, err = h.engine.Resolve(h.ctx, admin, m.ID, model.OutcomeNo)
	require.NoError(t, err)

	positions, err = h.engine.Positions(h.ctx, bob.ID)
	require.NoError(t, err)
	assert.True(t, positions[0].PotentialPayout.IsZero())
	assert.True(t, positions[1].PotentialPayout.Equal(third.Bet.Shares))
	assert.Equal(t, model.StatusResolved, positions[1].MarketStatus)

	detail, err := h.engine.MarketDetail(h.ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Bets, 3)
	assert.Len(t, detail.Payouts, 2)

	_, err = h.engine.Positions(h.ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "ok", Reason(nil))
	assert.Equal(t, "solvency", Reason(classify(reject(ErrSolvency, "x"))))
	assert.Equal(t, "insufficient_balance", Reason(classify(store.ErrInsufficientFunds)))
	assert.Equal(t, "not_found", Reason(classify(store.ErrNotFound)))
	assert.Equal(t, "internal", Reason(assert.AnError))
}
