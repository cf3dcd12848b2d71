package market

import "github.com/friendsmarket/market-engine/internal/model"

// Principal is the verified caller of an engine operation. The identity
// collaborator authenticates it before the call reaches the engine.
type Principal struct {
	UserID string
	Admin  bool
}

// Action names a privileged market operation.
type Action string

const (
	ActionResolve Action = "resolve"
	ActionHold    Action = "hold"
	ActionClose   Action = "close"
)

// Authorizer decides whether a principal may perform a privileged action
// on a market. It is passed to the engine rather than read from process
// state.
type Authorizer interface {
	Authorize(p Principal, action Action, m *model.Market) error
}

// CreatorOrAdmin allows admins everything and creators every action on
// their own markets.
type CreatorOrAdmin struct{}

func (CreatorOrAdmin) Authorize(p Principal, action Action, m *model.Market) error {
	if p.Admin {
		return nil
	}
	if p.UserID != "" && p.UserID == m.CreatorID {
		return nil
	}
	return reject(ErrForbidden, "only the creator or an admin may %s market %s", action, m.ID)
}
