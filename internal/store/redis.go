package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for market and user snapshots. Transactions always run against
// the primary; every market and user a committed transaction touched is
// evicted afterwards so the next read re-populates it.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (primary, then invalidate) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = &touchTx{Tx: tx}
		return fn(touched)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(touched.markets)+len(touched.users))
	for _, id := range touched.markets {
		keys = append(keys, marketKey(id))
	}
	for _, id := range touched.users {
		keys = append(keys, userKey(id))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, userKey(u.ID), u)
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListBets(ctx context.Context, marketID string) ([]model.Bet, error) {
	return s.primary.ListBets(ctx, marketID)
}

func (s *CachedStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return s.primary.ListBetsByUser(ctx, userID)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByUser(ctx, userID)
}

func (s *CachedStore) LedgerByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.primary.LedgerByMarket(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }

// touchTx records which markets and users a transaction wrote.
type touchTx struct {
	Tx
	markets []string
	users   []string
}

func (t *touchTx) InsertMarket(ctx context.Context, m *model.Market) error {
	t.markets = append(t.markets, m.ID)
	return t.Tx.InsertMarket(ctx, m)
}

func (t *touchTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	t.markets = append(t.markets, m.ID)
	return t.Tx.UpdateMarket(ctx, m)
}

func (t *touchTx) InsertUser(ctx context.Context, u *model.User) error {
	t.users = append(t.users, u.ID)
	return t.Tx.InsertUser(ctx, u)
}

func (t *touchTx) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	t.users = append(t.users, userID)
	return t.Tx.Debit(ctx, userID, amount)
}

func (t *touchTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	t.users = append(t.users, userID)
	return t.Tx.Credit(ctx, userID, amount)
}
