// Package ledger defines the system of record for profiles, credit transactions and
// generation history, with SQLite and PostgreSQL implementations.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicatePayment    = errors.New("payment already credited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// InsufficientCreditsError reports a debit that would take a balance below zero.
type InsufficientCreditsError struct {
	Required  int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// Store is the persistence interface for the ledger.
//
// AddCredits, DeductCredits and RecordGeneration are atomic: each runs in a single
// transaction and debits are serialised per user, so a balance never goes negative.
type Store interface {
	// Profiles
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpsertProfile(ctx context.Context, p *Profile) error
	GetCalendar(ctx context.Context, userID string) (json.RawMessage, error)
	UpsertCalendar(ctx context.Context, userID string, calendar json.RawMessage) error

	// Credits
	Balance(ctx context.Context, userID string) (int, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
	AddCredits(ctx context.Context, grant CreditGrant) (*Transaction, error)
	DeductCredits(ctx context.Context, userID string, amount int, description string) (*Transaction, error)

	// Generations
	CreateGeneration(ctx context.Context, gen *Generation) error
	RecordGeneration(ctx context.Context, gen *Generation) (*Transaction, error)
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	ListGenerations(ctx context.Context, filter GenerationFilter) ([]Generation, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Transaction statuses.
const (
	TxPending   = "pending"
	TxCompleted = "completed"
	TxFailed    = "failed"
)

// Generation statuses.
const (
	GenPending    = "pending"
	GenProcessing = "processing"
	GenCompleted  = "completed"
	GenFailed     = "failed"
)

// Profile holds a user's business context and content calendar.
type Profile struct {
	UserID              string          `json:"user_id"`
	BusinessType        string          `json:"business_type"`
	BusinessDescription string          `json:"business_description"`
	Calendar            json.RawMessage `json:"calendar,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Transaction is one append-only ledger row. Positive amounts credit, negative debit.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int       `json:"amount"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	PaymentID   string    `json:"payment_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreditGrant describes an AddCredits call. PaymentID, when set, makes the grant
// idempotent: a second grant with the same id returns ErrDuplicatePayment.
type CreditGrant struct {
	UserID      string
	Amount      int
	Description string
	PaymentID   string
}

// Generation records one generation attempt.
type Generation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	ToolID    string          `json:"tool_id"`
	Input     json.RawMessage `json:"input"`
	Result    json.RawMessage `json:"result"`
	Status    string          `json:"status"`
	Cost      int             `json:"cost"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GenerationFilter selects generations for listing. ToolID is optional.
type GenerationFilter struct {
	UserID string
	ToolID string
	Limit  int
}

// MaxListLimit caps ListGenerations and ListTransactions.
const MaxListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// rawOrNull returns the JSON text to persist, mapping empty input to JSON null.
func rawOrNull(v json.RawMessage) string {
	if len(v) == 0 {
		return "null"
	}
	return string(v)
}
