package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

const marketColumns = `id, creator_id, question, description, yes_meaning, no_meaning,
	resolution_source, event_time, initial_prob_yes::TEXT, liquidity_b::TEXT, seed::TEXT,
	q_yes::TEXT, q_no::TEXT, shares_yes::TEXT, shares_no::TEXT,
	volume_yes::TEXT, volume_no::TEXT, status, outcome,
	total_pot::TEXT, total_payout_yes::TEXT, total_payout_no::TEXT, creator_payout::TEXT,
	created_at, last_bet_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status string
	var outcome *string
	var nums [13]string

	err := row.Scan(&m.ID, &m.CreatorID, &m.Question, &m.Description, &m.YesMeaning, &m.NoMeaning,
		&m.ResolutionSource, &m.EventTime, &nums[0], &nums[1], &nums[2],
		&nums[3], &nums[4], &nums[5], &nums[6],
		&nums[7], &nums[8], &status, &outcome,
		&nums[9], &nums[10], &nums[11], &nums[12],
		&m.CreatedAt, &m.LastBetAt, &m.ResolvedAt)
	if err != nil {
		return nil, err
	}

	dsts := []*decimal.Decimal{
		&m.InitialProbYes, &m.LiquidityB, &m.Seed,
		&m.QYes, &m.QNo, &m.SharesYes, &m.SharesNo,
		&m.VolumeYes, &m.VolumeNo,
		&m.TotalPot, &m.TotalPayoutYes, &m.TotalPayoutNo, &m.CreatorPayout,
	}
	for i, dst := range dsts {
		if *dst, err = decimal.NewFromString(nums[i]); err != nil {
			return nil, fmt.Errorf("market %s: parse numeric column %d: %w", m.ID, i, err)
		}
	}

	m.Status = model.Status(status)
	if outcome != nil {
		o := model.Outcome(*outcome)
		m.Outcome = &o
	}
	return &m, nil
}

func getMarket(ctx context.Context, q querier, id string, forUpdate bool) (*model.Market, error) {
	sql := `SELECT ` + marketColumns + ` FROM markets WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

const betColumns = `id, market_id, user_id, side, shares::TEXT, cost::TEXT, implied_odds::TEXT, placed_at`

func listBets(ctx context.Context, q querier, where string, arg string) ([]model.Bet, error) {
	rows, err := q.Query(ctx, `SELECT `+betColumns+` FROM bets WHERE `+where+` = $1 ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var side, sharesS, costS, oddsS string
		if err := rows.Scan(&b.ID, &b.MarketID, &b.UserID, &side, &sharesS, &costS, &oddsS, &b.PlacedAt); err != nil {
			return nil, err
		}
		b.Side = model.Side(side)
		b.Shares, _ = decimal.NewFromString(sharesS)
		b.Cost, _ = decimal.NewFromString(costS)
		b.ImpliedOdds, _ = decimal.NewFromString(oddsS)
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func (s *PostgresStore) ListBets(ctx context.Context, marketID string) ([]model.Bet, error) {
	return listBets(ctx, s.pool, "market_id", marketID)
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string) ([]model.Bet, error) {
	return listBets(ctx, s.pool, "user_id", userID)
}

func getUser(ctx context.Context, q querier, id string, forUpdate bool) (*model.User, error) {
	sql := `SELECT id, name, balance::TEXT, created_at FROM users WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	var u model.User
	var balanceS string
	err := q.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Name, &balanceS, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	u.Balance, _ = decimal.NewFromString(balanceS)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, balance::TEXT, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		var balanceS string
		if err := rows.Scan(&u.ID, &u.Name, &balanceS, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Balance, _ = decimal.NewFromString(balanceS)
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) LedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.ledger(ctx, "user_id", userID)
}

func (s *PostgresStore) LedgerByMarket(ctx context.Context, marketID string) ([]model.LedgerEntry, error) {
	return s.ledger(ctx, "market_id", marketID)
}

func (s *PostgresStore) ledger(ctx context.Context, where, arg string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(market_id, ''), entry_type, amount::TEXT, note, created_at
		 FROM ledger_entries WHERE `+where+` = $1 ORDER BY seq`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var entryType, amountS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.MarketID, &entryType, &amountS, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EntryType = model.EntryType(entryType)
		e.Amount, _ = decimal.NewFromString(amountS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgTx implements Tx on a pgx transaction. Row locks taken with
// FOR UPDATE are held until commit or rollback.
type pgTx struct {
	q querier
}

func (t *pgTx) MarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id, true)
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != nil {
		s := string(*m.Outcome)
		outcome = &s
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO markets (id, creator_id, question, description, yes_meaning, no_meaning,
			resolution_source, event_time, initial_prob_yes, liquidity_b, seed,
			q_yes, q_no, shares_yes, shares_no, volume_yes, volume_no, status, outcome,
			total_pot, total_payout_yes, total_payout_no, creator_payout,
			created_at, last_bet_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
			$12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC, $16::NUMERIC, $17::NUMERIC, $18, $19,
			$20::NUMERIC, $21::NUMERIC, $22::NUMERIC, $23::NUMERIC, $24, $25, $26)`,
		m.ID, m.CreatorID, m.Question, m.Description, m.YesMeaning, m.NoMeaning,
		m.ResolutionSource, m.EventTime, m.InitialProbYes.String(), m.LiquidityB.String(), m.Seed.String(),
		m.QYes.String(), m.QNo.String(), m.SharesYes.String(), m.SharesNo.String(),
		m.VolumeYes.String(), m.VolumeNo.String(), string(m.Status), outcome,
		m.TotalPot.String(), m.TotalPayoutYes.String(), m.TotalPayoutNo.String(), m.CreatorPayout.String(),
		m.CreatedAt, m.LastBetAt, m.ResolvedAt,
	)
	return err
}

// UpdateMarket writes the mutable columns. Liquidity, seed and metadata
// are fixed at creation and never rewritten.
func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	var outcome *string
	if m.Outcome != nil {
		s := string(*m.Outcome)
		outcome = &s
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC,
		     shares_yes = $4::NUMERIC, shares_no = $5::NUMERIC,
		     volume_yes = $6::NUMERIC, volume_no = $7::NUMERIC,
		     status = $8, outcome = $9,
		     total_pot = $10::NUMERIC, total_payout_yes = $11::NUMERIC,
		     total_payout_no = $12::NUMERIC, creator_payout = $13::NUMERIC,
		     last_bet_at = $14, resolved_at = $15
		 WHERE id = $1`,
		m.ID, m.QYes.String(), m.QNo.String(),
		m.SharesYes.String(), m.SharesNo.String(),
		m.VolumeYes.String(), m.VolumeNo.String(),
		string(m.Status), outcome,
		m.TotalPot.String(), m.TotalPayoutYes.String(),
		m.TotalPayoutNo.String(), m.CreatorPayout.String(),
		m.LastBetAt, m.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, m.ID)
	}
	return nil
}

func (t *pgTx) UserForUpdate(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.q, id, true)
}

func (t *pgTx) InsertUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, name, balance, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Name, u.Balance.String(), u.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.Name)
	}
	return err
}

func (t *pgTx) Debit(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET balance = balance - $2::NUMERIC
		 WHERE id = $1 AND balance >= $2::NUMERIC`,
		userID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := getUser(ctx, t.q, userID, false); err != nil {
			return err
		}
		return fmt.Errorf("%w: user %s needs %s", ErrInsufficientFunds, userID, amount)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET balance = balance + $2::NUMERIC WHERE id = $1`,
		userID, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *model.Bet) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO bets (id, market_id, user_id, side, shares, cost, implied_odds, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		b.ID, b.MarketID, b.UserID, string(b.Side),
		b.Shares.String(), b.Cost.String(), b.ImpliedOdds.String(), b.PlacedAt)
	return err
}

func (t *pgTx) BetsForMarket(ctx context.Context, marketID string) ([]model.Bet, error) {
	return listBets(ctx, t.q, "market_id", marketID)
}

func (t *pgTx) AppendLedger(ctx context.Context, entries ...model.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		var marketID *string
		if e.MarketID != "" {
			id := e.MarketID
			marketID = &id
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO ledger_entries (id, user_id, market_id, entry_type, amount, note, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
			e.ID, e.UserID, marketID, string(e.EntryType), e.Amount.String(), e.Note, createdAt)
	}
	return t.sendBatch(ctx, batch)
}

func (t *pgTx) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	tx, ok := t.q.(pgx.Tx)
	if !ok {
		return errors.New("store: batch requires a transaction")
	}
	return tx.SendBatch(ctx, batch).Close()
}
