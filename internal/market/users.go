package market

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/friendsmarket/market-engine/internal/model"
	"github.com/friendsmarket/market-engine/internal/request"
	"github.com/friendsmarket/market-engine/internal/store"
)

// CreateUser registers a friend with the configured starting balance.
// Admin only.
func (e *Engine) CreateUser(ctx context.Context, p Principal, req request.CreateUserRequest) (*model.User, error) {
	if !p.Admin {
		return nil, reject(ErrForbidden, "only an admin may create users")
	}
	if err := req.Validate(); err != nil {
		return nil, reject(ErrValidation, "%v", err)
	}

	now := e.clock.Now()
	u := &model.User{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Balance:   e.cfg.StartingBalance,
		CreatedAt: now,
	}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		if !u.Balance.IsPositive() {
			return nil
		}
		return tx.AppendLedger(ctx,
			e.ledgerEntry(u.ID, "", model.EntryStartingBalance, u.Balance, "Initial allocation", now))
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Info("user created", "id", u.ID, "name", u.Name, "balance", u.Balance.String())
	return u, nil
}

// Deposit tops up a user's balance. Admin only.
func (e *Engine) Deposit(ctx context.Context, p Principal, userID string, req request.DepositRequest) (*model.User, error) {
	if !p.Admin {
		return nil, reject(ErrForbidden, "only an admin may deposit")
	}
	if err := req.Validate(); err != nil {
		return nil, reject(ErrValidation, "%v", err)
	}

	now := e.clock.Now()
	var out *model.User
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.UserForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.Credit(ctx, userID, req.Amount); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx,
			e.ledgerEntry(userID, "", model.EntryStartingBalance, req.Amount, "Manual top-up", now)); err != nil {
			return err
		}
		u.Balance = u.Balance.Add(req.Amount)
		out = u
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	slog.Info("deposit", "user", userID, "amount", req.Amount.String(), "balance", out.Balance.String())
	return out, nil
}

func (e *Engine) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return nil, classify(err)
	}
	return u, nil
}

func (e *Engine) ListUsers(ctx context.Context) ([]model.User, error) {
	users, err := e.store.ListUsers(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return users, nil
}

// LedgerForUser returns a user's ledger, oldest first.
func (e *Engine) LedgerForUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, classify(err)
	}
	entries, err := e.store.LedgerByUser(ctx, userID)
	if err != nil {
		return nil, classify(err)
	}
	return entries, nil
}
