// Package store defines the persistence collaborator for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market or user does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrDuplicate is returned when inserting a record whose ID or unique
	// name already exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the persistence interface. Every balance-affecting change goes
// through InTx so that market inventory, balances, bets and ledger entries
// commit as one unit.
type Store interface {
	// InTx runs fn inside a transaction. If fn returns an error nothing it
	// wrote becomes visible.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Read snapshots ---

	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListBets returns a market's bets in placement order.
	ListBets(ctx context.Context, marketID string) ([]model.Bet, error)

	// ListBetsByUser returns a user's bets in placement order.
	ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error)

	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)

	// LedgerByUser returns a user's ledger entries oldest first.
	LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)

	// LedgerByMarket returns a market's ledger entries oldest first.
	LedgerByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error)
}

// Tx is the unit-of-work view handed to InTx callbacks.
type Tx interface {
	// MarketForUpdate reads a market and holds it exclusively until the
	// transaction ends.
	MarketForUpdate(ctx context.Context, id string) (*model.Market, error)
	InsertMarket(ctx context.Context, m *model.Market) error
	UpdateMarket(ctx context.Context, m *model.Market) error

	// UserForUpdate reads a user and holds it exclusively until the
	// transaction ends.
	UserForUpdate(ctx context.Context, id string) (*model.User, error)
	InsertUser(ctx context.Context, u *model.User) error

	// Debit lowers a balance, failing with ErrInsufficientFunds rather
	// than going negative.
	Debit(ctx context.Context, userID string, amount decimal.Decimal) error

	// Credit raises (or, for a negative amount, lowers) a balance with
	// no floor.
	Credit(ctx context.Context, userID string, amount decimal.Decimal) error

	InsertBet(ctx context.Context, b *model.Bet) error
	BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error)

	// AppendLedger appends immutable ledger entries.
	AppendLedger(ctx context.Context, entries ...model.LedgerEntry) error
}
