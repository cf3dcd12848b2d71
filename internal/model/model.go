// Package model defines the core domain types shared across the market engine.
// All monetary values and share quantities use shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a bet is placed on.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Status is the lifecycle state of a market.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusClosed   Status = "CLOSED"
	StatusPending  Status = "PENDING"
	StatusResolved Status = "RESOLVED"
	StatusInvalid  Status = "INVALID"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusInvalid
}

// Outcome is the result a market settles to.
type Outcome string

const (
	OutcomeYes     Outcome = "YES"
	OutcomeNo      Outcome = "NO"
	OutcomeInvalid Outcome = "INVALID"
)

// Valid reports whether o is one of YES, NO, INVALID.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo || o == OutcomeInvalid
}

// EntryType classifies a balance-affecting ledger entry.
type EntryType string

const (
	EntryStartingBalance   EntryType = "STARTING_BALANCE"
	EntryDepositSeed       EntryType = "DEPOSIT_SEED"
	EntryBetDebit          EntryType = "BET_DEBIT"
	EntryPayout            EntryType = "PAYOUT"
	EntryRefund            EntryType = "REFUND"
	EntryCreatorSettlement EntryType = "CREATOR_SETTLEMENT"
)

// User is the identity collaborator's view of an account: an ID and a
// spendable balance.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market is the MarketAccount aggregate: AMM inventories, lifecycle status
// and settlement bookkeeping for one YES/NO question.
//
// QYes and QNo change only when a bet commits and are frozen once the
// market leaves OPEN. Prices are never stored; they are always derived
// from the inventories.
type Market struct {
	ID               string          `json:"id" db:"id"`
	CreatorID        string          `json:"creator_id" db:"creator_id"`
	Question         string          `json:"question" db:"question"`
	Description      string          `json:"description,omitempty" db:"description"`
	YesMeaning       string          `json:"yes_meaning,omitempty" db:"yes_meaning"`
	NoMeaning        string          `json:"no_meaning,omitempty" db:"no_meaning"`
	ResolutionSource string          `json:"resolution_source,omitempty" db:"resolution_source"`
	EventTime        *time.Time      `json:"event_time,omitempty" db:"event_time"`
	InitialProbYes   decimal.Decimal `json:"initial_prob_yes" db:"initial_prob_yes"`
	LiquidityB       decimal.Decimal `json:"liquidity_b" db:"liquidity_b"`
	Seed             decimal.Decimal `json:"seed" db:"seed"`
	QYes             decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo              decimal.Decimal `json:"q_no" db:"q_no"`
	SharesYes        decimal.Decimal `json:"shares_yes" db:"shares_yes"` // minted to YES bettors
	SharesNo         decimal.Decimal `json:"shares_no" db:"shares_no"`   // minted to NO bettors
	VolumeYes        decimal.Decimal `json:"volume_yes" db:"volume_yes"` // stakes on YES
	VolumeNo         decimal.Decimal `json:"volume_no" db:"volume_no"`   // stakes on NO
	Status           Status          `json:"status" db:"status"`
	Outcome          *Outcome        `json:"outcome,omitempty" db:"outcome"`
	TotalPot         decimal.Decimal `json:"total_pot" db:"total_pot"`
	TotalPayoutYes   decimal.Decimal `json:"total_payout_yes" db:"total_payout_yes"`
	TotalPayoutNo    decimal.Decimal `json:"total_payout_no" db:"total_payout_no"`
	CreatorPayout    decimal.Decimal `json:"creator_payout" db:"creator_payout"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	LastBetAt        *time.Time      `json:"last_bet_at,omitempty" db:"last_bet_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Stakes returns the cumulative stakes placed on the market.
func (m *Market) Stakes() decimal.Decimal {
	return m.VolumeYes.Add(m.VolumeNo)
}

// FundedPot is the seed plus every stake placed so far.
func (m *Market) FundedPot() decimal.Decimal {
	return m.Seed.Add(m.Stakes())
}

// Bet is an immutable record of one unit stake and the shares it minted.
// ImpliedOdds is the post-trade price of Side, kept for display only.
type Bet struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Side        Side            `json:"side" db:"side"`
	Shares      decimal.Decimal `json:"shares" db:"shares"`
	Cost        decimal.Decimal `json:"cost" db:"cost"`
	ImpliedOdds decimal.Decimal `json:"implied_odds" db:"implied_odds"`
	PlacedAt    time.Time       `json:"placed_at" db:"placed_at"`
}

// LedgerEntry is an append-only record of a balance change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  string          `json:"market_id,omitempty" db:"market_id"` // empty for account-level entries
	EntryType EntryType       `json:"entry_type" db:"entry_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: debits negative
	Note      string          `json:"note,omitempty" db:"note"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position aggregates a user's bets on one side of one market.
type Position struct {
	MarketID        string          `json:"market_id"`
	MarketQuestion  string          `json:"market_question"`
	Side            Side            `json:"side"`
	TotalShares     decimal.Decimal `json:"total_shares"`
	TotalStake      decimal.Decimal `json:"total_stake"`
	AvgOdds         decimal.Decimal `json:"avg_odds"` // shares per unit staked
	PotentialPayout decimal.Decimal `json:"potential_payout"`
	MarketStatus    Status          `json:"market_status"`
	MarketOutcome   *Outcome        `json:"market_outcome,omitempty"`
}

// OddsPoint is one step of a market's price history.
type OddsPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	PriceYes  decimal.Decimal `json:"price_yes"`
	PriceNo   decimal.Decimal `json:"price_no"`
	Side      Side            `json:"side,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
}

// MarketDetail is the full read view of a market.
type MarketDetail struct {
	Market      Market          `json:"market"`
	PriceYes    decimal.Decimal `json:"price_yes"`
	PriceNo     decimal.Decimal `json:"price_no"`
	Bets        []Bet           `json:"bets"`
	OddsHistory []OddsPoint     `json:"odds_history"`
	Payouts     []LedgerEntry   `json:"payouts"`
}
