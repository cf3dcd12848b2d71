package market

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/lmsr"
	"github.com/friendsmarket/market-engine/internal/metrics"
	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/request"
	"github.com/friendsmarket/market-engine/internal/store"
)

// CreateMarket seeds a new OPEN market at the requested probability and
// debits the seed from the creator.
//
// Liquidity is the fixed deployment b; it is never adjusted for skewed
// starting probabilities.
func (e *Engine) CreateMarket(ctx context.Context, creatorID string, req request.CreateMarketRequest) (*model.Market, error) {
	if err := req.Validate(); err != nil {
		return nil, reject(ErrValidation, "%v", err)
	}
	if creatorID == "" {
		return nil, reject(ErrValidation, "creator is required")
	}

	mm, err := lmsr.NewMarketMaker(e.cfg.LiquidityB)
	if err != nil {
		return nil, reject(ErrValidation, "%v", err)
	}
	qYes, qNo, err := mm.InitialQuantities(req.InitialProbYes, e.cfg.Seed)
	if err != nil {
		return nil, reject(ErrValidation, "%v", err)
	}

	now := e.clock.Now()
	m := &model.Market{
		ID:               uuid.New().String(),
		CreatorID:        creatorID,
		Question:         req.Question,
		Description:      req.Description,
		YesMeaning:       req.YesMeaning,
		NoMeaning:        req.NoMeaning,
		ResolutionSource: req.ResolutionSource,
		EventTime:        req.EventTime,
		InitialProbYes:   req.InitialProbYes,
		LiquidityB:       e.cfg.LiquidityB,
		Seed:             e.cfg.Seed,
		QYes:             qYes,
		QNo:              qNo,
		SharesYes:        decimal.Zero,
		SharesNo:         decimal.Zero,
		VolumeYes:        decimal.Zero,
		VolumeNo:         decimal.Zero,
		Status:           model.StatusOpen,
		TotalPot:         e.cfg.Seed,
		TotalPayoutYes:   decimal.Zero,
		TotalPayoutNo:    decimal.Zero,
		CreatorPayout:    decimal.Zero,
		CreatedAt:        now,
	}

	err = e.store.InTx(ctx, func(tx store.Tx) error {
		creator, err := tx.UserForUpdate(ctx, creatorID)
		if err != nil {
			return err
		}
		if creator.Balance.LessThan(e.cfg.Seed) {
			return reject(ErrInsufficientBalance, "seed of %s exceeds balance %s", e.cfg.Seed, creator.Balance)
		}
		if err := tx.InsertMarket(ctx, m); err != nil {
			return err
		}
		if err := tx.Debit(ctx, creatorID, e.cfg.Seed); err != nil {
			return err
		}
		return tx.AppendLedger(ctx,
			e.ledgerEntry(creatorID, m.ID, model.EntryDepositSeed, e.cfg.Seed.Neg(), "Market seed", now))
	})
	if err != nil {
		return nil, classify(err)
	}

	metrics.MarketsCreated.Inc()
	metrics.ActiveMarkets.Inc()

	priceYes, priceNo := mm.Prices(m.QYes, m.QNo)
	slog.Info("market created",
		"id", m.ID,
		"creator", creatorID,
		"initial_prob_yes", m.InitialProbYes.String(),
		"b", m.LiquidityB.String(),
		"q_yes", m.QYes.String(),
		"q_no", m.QNo.String(),
	)
	e.publish(Event{
		Type:     "market_created",
		MarketID: m.ID,
		PriceYes: priceYes,
		PriceNo:  priceNo,
		Status:   m.Status,
	})
	return m, nil
}
