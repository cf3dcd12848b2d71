// Package api exposes the market engine over HTTP and pushes price
// changes to WebSocket clients.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/market"
	"github.com/friendsmarket/market-engine/internal/request"
)

// Handler serves the /api/v1 routes.
type Handler struct {
	engine *market.Engine
	admin  Credentials
	hub    *WSHub // optional
}

// NewHandler creates a handler. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewHandler(engine *market.Engine, admin Credentials, hub *WSHub) *Handler {
	return &Handler{engine: engine, admin: admin, hub: hub}
}

// Routes registers every endpoint on r. Mount it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Use(h.identify)

	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Route("/users", func(r chi.Router) {
		r.Get("/", h.ListUsers)
		r.With(requireAdmin).Post("/", h.CreateUser)
		r.Get("/{userID}", h.GetUser)
		r.With(requireAdmin).Post("/{userID}/deposit", h.Deposit)
		r.Get("/{userID}/ledger", h.UserLedger)
		r.Get("/{userID}/positions", h.Positions)
	})

	r.Route("/markets", func(r chi.Router) {
		r.Get("/", h.ListMarkets)
		r.With(requireUser).Post("/", h.CreateMarket)
		r.Get("/{marketID}", h.GetMarket)
		r.Get("/{marketID}/price", h.GetPrice)
		r.Get("/{marketID}/preview", h.PreviewBet)
		r.With(requireUser).Post("/{marketID}/bet", h.PlaceBet)
		r.Post("/{marketID}/pending", h.MarkPending)
		r.Post("/{marketID}/resolve", h.Resolve)
		r.Delete("/{marketID}", h.CloseMarket)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// --- Users ---

// CreateUser handles POST /api/v1/users (admin).
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req request.CreateUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.engine.CreateUser(r.Context(), principal(r), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// ListUsers handles GET /api/v1/users.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.engine.ListUsers(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser handles GET /api/v1/users/{userID}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Deposit handles POST /api/v1/users/{userID}/deposit (admin).
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req request.DepositRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.engine.Deposit(r.Context(), principal(r), chi.URLParam(r, "userID"), req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UserLedger handles GET /api/v1/users/{userID}/ledger.
func (h *Handler) UserLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.LedgerForUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Positions handles GET /api/v1/users/{userID}/positions.
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.engine.ListMarkets(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets. The caller becomes the
// creator and pays the seed.
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req request.CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.engine.CreateMarket(r.Context(), principal(r).UserID, req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.MarketDetail(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price.
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	yes, no, err := h.engine.Price(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"yes": yes, "no": no})
}

// PreviewBet handles GET /api/v1/markets/{marketID}/preview?side=YES.
func (h *Handler) PreviewBet(w http.ResponseWriter, r *http.Request) {
	side, err := request.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q, err := h.engine.PreviewBet(r.Context(), chi.URLParam(r, "marketID"), side)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PlaceBet handles POST /api/v1/markets/{marketID}/bet.
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req request.PlaceBetRequest
	if !decode(w, r, &req) {
		return
	}
	side, err := req.Validate()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.PlaceBet(r.Context(), chi.URLParam(r, "marketID"), principal(r).UserID, side)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// MarkPending handles POST /api/v1/markets/{marketID}/pending.
func (h *Handler) MarkPending(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.MarkPending(r.Context(), principal(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req request.ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	outcome, err := req.Validate()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.engine.Resolve(r.Context(), principal(r), chi.URLParam(r, "marketID"), outcome)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "entries": entries})
}

// CloseMarket handles DELETE /api/v1/markets/{marketID}.
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.CloseMarket(r.Context(), principal(r), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
