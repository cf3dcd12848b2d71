// Package request defines the explicit request types accepted at the
// engine boundary and validates them before any state is touched.
package request

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/friendsmarket/market-engine/internal/model"
)

var (
	ErrInvalidSide        = errors.New("request: side must be YES or NO")
	ErrInvalidOutcome     = errors.New("request: outcome must be YES, NO or INVALID")
	ErrInvalidProbability = errors.New("request: initial probability must be between 10% and 90%")
	ErrMissingQuestion    = errors.New("request: question is required")
	ErrMissingName        = errors.New("request: name is required")
	ErrInvalidAmount      = errors.New("request: amount must be positive")
)

// Initial probability bounds for new markets (inclusive).
var (
	MinInitialProb = decimal.NewFromFloat(0.10)
	MaxInitialProb = decimal.NewFromFloat(0.90)
)

// MaxQuestionLen bounds the free-text question.
const MaxQuestionLen = 280

// ParseSide normalizes and validates a bet side.
func ParseSide(s string) (model.Side, error) {
	side := model.Side(strings.ToUpper(strings.TrimSpace(s)))
	if !side.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
	return side, nil
}

// ParseOutcome normalizes and validates a resolution outcome.
func ParseOutcome(s string) (model.Outcome, error) {
	outcome := model.Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !outcome.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
	return outcome, nil
}

// CreateMarketRequest is the body for market creation.
type CreateMarketRequest struct {
	Question         string          `json:"question"`
	Description      string          `json:"description,omitempty"`
	YesMeaning       string          `json:"yes_meaning,omitempty"`
	NoMeaning        string          `json:"no_meaning,omitempty"`
	ResolutionSource string          `json:"resolution_source,omitempty"`
	InitialProbYes   decimal.Decimal `json:"initial_prob_yes"`
	EventTime        *time.Time      `json:"event_time,omitempty"`
}

// Validate checks the question and the initial probability band.
func (r *CreateMarketRequest) Validate() error {
	r.Question = strings.TrimSpace(r.Question)
	if r.Question == "" {
		return ErrMissingQuestion
	}
	if len(r.Question) > MaxQuestionLen {
		return fmt.Errorf("request: question exceeds %d characters", MaxQuestionLen)
	}
	if r.InitialProbYes.LessThan(MinInitialProb) || r.InitialProbYes.GreaterThan(MaxInitialProb) {
		return fmt.Errorf("%w: got %s", ErrInvalidProbability, r.InitialProbYes)
	}
	return nil
}

// PlaceBetRequest is the body for placing a unit bet.
type PlaceBetRequest struct {
	Side string `json:"side"`
}

// Validate parses the side.
func (r PlaceBetRequest) Validate() (model.Side, error) {
	return ParseSide(r.Side)
}

// ResolveRequest is the body for settling a market.
type ResolveRequest struct {
	Outcome string `json:"outcome"`
}

// Validate parses the outcome.
func (r ResolveRequest) Validate() (model.Outcome, error) {
	return ParseOutcome(r.Outcome)
}

// CreateUserRequest is the body for admin user creation.
type CreateUserRequest struct {
	Name string `json:"name"`
}

func (r *CreateUserRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return ErrMissingName
	}
	return nil
}

// DepositRequest is the body for an admin balance top-up.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (r DepositRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
