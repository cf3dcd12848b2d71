package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions stage their writes and apply them under a single short
// write lock at commit, so transactions on different markets never block
// each other while they compute. Exclusive access to a market across a
// whole transaction is provided by the caller's per-market lock.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	markets map[string]*model.Market
	bets    []model.Bet
	ledger  []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*model.User),
		markets: make(map[string]*model.Market),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:       s,
		markets: make(map[string]*model.Market),
		users:   make(map[string]*model.User),
		deltas:  make(map[string]decimal.Decimal),
		guarded: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before applying anything.
	for id, m := range tx.markets {
		if tx.inserted[id] {
			if _, exists := s.markets[id]; exists {
				return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
			}
		} else if _, exists := s.markets[id]; !exists {
			return fmt.Errorf("%w: market %s", ErrNotFound, id)
		}
	}
	for id, u := range tx.users {
		if _, exists := s.users[id]; exists {
			return fmt.Errorf("%w: user %s", ErrDuplicate, id)
		}
		for _, other := range s.users {
			if strings.EqualFold(other.Name, u.Name) {
				return fmt.Errorf("%w: user name %q", ErrDuplicate, u.Name)
			}
		}
	}
	for id, delta := range tx.deltas {
		balance, ok := s.balanceLocked(tx, id)
		if !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
		if tx.guarded[id] && balance.Add(delta).IsNegative() {
			return fmt.Errorf("%w: user %s", ErrInsufficientFunds, id)
		}
	}

	for id, u := range tx.users {
		c := *u
		s.users[id] = &c
	}
	for id, delta := range tx.deltas {
		s.users[id].Balance = s.users[id].Balance.Add(delta)
	}
	for id, m := range tx.markets {
		c := *m
		s.markets[id] = &c
	}
	s.bets = append(s.bets, tx.bets...)
	s.ledger = append(s.ledger, tx.ledger...)
	return nil
}

// balanceLocked returns the committed balance of a user, falling back to
// a user inserted by the same transaction.
func (s *MemoryStore) balanceLocked(tx *memTx, id string) (decimal.Decimal, bool) {
	if u, ok := s.users[id]; ok {
		return u.Balance, true
	}
	if u, ok := tx.users[id]; ok {
		return u.Balance, true
	}
	return decimal.Zero, false
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.SliceStable(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) ListBets(_ context.Context, marketID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterBets(s.bets, func(b model.Bet) bool { return b.MarketID == marketID }), nil
}

func (s *MemoryStore) ListBetsByUser(_ context.Context, userID string) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterBets(s.bets, func(b model.Bet) bool { return b.UserID == userID }), nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *MemoryStore) LedgerByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterLedger(s.ledger, func(e model.LedgerEntry) bool { return e.UserID == userID }), nil
}

func (s *MemoryStore) LedgerByMarket(_ context.Context, marketID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterLedger(s.ledger, func(e model.LedgerEntry) bool { return e.MarketID == marketID }), nil
}

func filterBets(all []model.Bet, keep func(model.Bet) bool) []model.Bet {
	var result []model.Bet
	for _, b := range all {
		if keep(b) {
			result = append(result, b)
		}
	}
	return result
}

func filterLedger(all []model.LedgerEntry, keep func(model.LedgerEntry) bool) []model.LedgerEntry {
	var result []model.LedgerEntry
	for _, e := range all {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}

// memTx stages writes until commit.
type memTx struct {
	s        *MemoryStore
	markets  map[string]*model.Market
	inserted map[string]bool
	users    map[string]*model.User
	deltas   map[string]decimal.Decimal
	guarded  map[string]bool
	bets     []model.Bet
	ledger   []model.LedgerEntry
}

func (tx *memTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		c := *m
		return &c, nil
	}
	return tx.s.GetMarket(ctx, id)
}

func (tx *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
	}
	if tx.inserted == nil {
		tx.inserted = make(map[string]bool)
	}
	c := *m
	tx.markets[m.ID] = &c
	tx.inserted[m.ID] = true
	return nil
}

func (tx *memTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if _, ok := tx.markets[m.ID]; !ok {
		if _, err := tx.s.GetMarket(ctx, m.ID); err != nil {
			return err
		}
	}
	c := *m
	tx.markets[m.ID] = &c
	return nil
}

func (tx *memTx) UserForUpdate(ctx context.Context, id string) (*model.User, error) {
	var u *model.User
	if staged, ok := tx.users[id]; ok {
		c := *staged
		u = &c
	} else {
		committed, err := tx.s.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		u = committed
	}
	u.Balance = u.Balance.Add(tx.deltas[id])
	return u, nil
}

func (tx *memTx) InsertUser(_ context.Context, u *model.User) error {
	if _, ok := tx.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.ID)
	}
	c := *u
	tx.users[u.ID] = &c
	return nil
}

func (tx *memTx) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	u, err := tx.UserForUpdate(ctx, userID)
	if err != nil {
		return err
	}
	if u.Balance.LessThan(amount) {
		return fmt.Errorf("%w: user %s has %s, needs %s", ErrInsufficientFunds, userID, u.Balance, amount)
	}
	tx.deltas[userID] = tx.deltas[userID].Sub(amount)
	tx.guarded[userID] = true
	return nil
}

func (tx *memTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if _, err := tx.UserForUpdate(ctx, userID); err != nil {
		return err
	}
	tx.deltas[userID] = tx.deltas[userID].Add(amount)
	return nil
}

func (tx *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	tx.bets = append(tx.bets, *b)
	return nil
}

func (tx *memTx) BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	committed, err := tx.s.ListBets(ctx, marketID)
	if err != nil {
		return nil, err
	}
	return append(committed, filterBets(tx.bets, func(b model.Bet) bool { return b.MarketID == marketID })...), nil
}

func (tx *memTx) AppendLedger(_ context.Context, entries ...model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, entries...)
	return nil
}
