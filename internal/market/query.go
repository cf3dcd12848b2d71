package market

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

func (e *Engine) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// ListMarkets returns every market, newest first.
func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return markets, nil
}

// MarketDetail returns a market with its current prices, bets, odds
// history and settlement entries.
func (e *Engine) MarketDetail(ctx context.Context, id string) (*model.MarketDetail, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	mm, err := marketMaker(m)
	if err != nil {
		return nil, err
	}
	bets, err := e.store.ListBets(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	history, err := oddsHistory(m, bets)
	if err != nil {
		return nil, err
	}
	ledger, err := e.store.LedgerByMarket(ctx, id)
	if err != nil {
		return nil, classify(err)
	}

	payouts := make([]model.LedgerEntry, 0)
	for _, le := range ledger {
		switch le.EntryType {
		case model.EntryPayout, model.EntryCreatorSettlement, model.EntryRefund:
			payouts = append(payouts, le)
		}
	}
	if bets == nil {
		bets = []model.Bet{}
	}

	yes, no := mm.Prices(m.QYes, m.QNo)
	return &model.MarketDetail{
		Market:      *m,
		PriceYes:    yes,
		PriceNo:     no,
		Bets:        bets,
		OddsHistory: history,
		Payouts:     payouts,
	}, nil
}

// OddsHistory replays a market's bets from its seeded inventory.
func (e *Engine) OddsHistory(ctx context.Context, id string) ([]model.OddsPoint, error) {
	m, err := e.store.GetMarket(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	bets, err := e.store.ListBets(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return oddsHistory(m, bets)
}

func oddsHistory(m *model.Market, bets []model.Bet) ([]model.OddsPoint, error) {
	mm, err := marketMaker(m)
	if err != nil {
		return nil, err
	}
	qYes, qNo, err := mm.InitialQuantities(m.InitialProbYes, m.Seed)
	if err != nil {
		return nil, reject(ErrNumerical, "replay seed of market %s: %v", m.ID, err)
	}

	points := make([]model.OddsPoint, 0, len(bets)+1)
	yes, no := mm.Prices(qYes, qNo)
	points = append(points, model.OddsPoint{Timestamp: m.CreatedAt, PriceYes: yes, PriceNo: no})
	for _, b := range bets {
		if b.Side == model.SideYes {
			qYes = qYes.Add(b.Shares)
		} else {
			qNo = qNo.Add(b.Shares)
		}
		yes, no = mm.Prices(qYes, qNo)
		points = append(points, model.OddsPoint{
			Timestamp: b.PlacedAt,
			PriceYes:  yes,
			PriceNo:   no,
			Side:      b.Side,
			UserID:    b.UserID,
		})
	}
	return points, nil
}

type positionKey struct {
	marketID string
	side     model.Side
}

// Positions aggregates a user's bets per market and side, in the order
// the positions were opened.
func (e *Engine) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, classify(err)
	}
	bets, err := e.store.ListBetsByUser(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}

	markets := make(map[string]*model.Market)
	index := make(map[positionKey]int)
	positions := make([]model.Position, 0)
	for _, b := range bets {
		m, ok := markets[b.MarketID]
		if !ok {
			if m, err = e.store.GetMarket(ctx, b.MarketID); err != nil {
				return nil, classify(err)
			}
			markets[b.MarketID] = m
		}

		key := positionKey{b.MarketID, b.Side}
		i, ok := index[key]
		if !ok {
			i = len(positions)
			index[key] = i
			positions = append(positions, model.Position{
				MarketID:       m.ID,
				MarketQuestion: m.Question,
				Side:           b.Side,
				TotalShares:    decimal.Zero,
				TotalStake:     decimal.Zero,
				MarketStatus:   m.Status,
				MarketOutcome:  m.Outcome,
			})
		}
		positions[i].TotalShares = positions[i].TotalShares.Add(b.Shares)
		positions[i].TotalStake = positions[i].TotalStake.Add(b.Cost)
	}

	for i := range positions {
		p := &positions[i]
		if p.TotalStake.IsPositive() {
			p.AvgOdds = p.TotalShares.Div(p.TotalStake)
		}
		p.PotentialPayout = potentialPayout(p)
	}
	return positions, nil
}

func potentialPayout(p *model.Position) decimal.Decimal {
	switch p.MarketStatus {
	case model.StatusResolved:
		if p.MarketOutcome != nil && string(*p.MarketOutcome) == string(p.Side) {
			return p.TotalShares
		}
		return decimal.Zero
	case model.StatusInvalid:
		return decimal.Zero
	}
	return p.TotalShares
}

// LedgerForMarket returns a market's ledger entries, oldest first.
func (e *Engine) LedgerForMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, classify(err)
	}
	entries, err := e.store.LedgerByMarket(ctx, marketID)
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}
