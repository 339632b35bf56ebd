// Package credits prices generation tools and charges them against the ledger.
package credits

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/adlence-ai/adlence/internal/ledger"
	"github.com/adlence-ai/adlence/internal/telemetry"
)

// DefaultCost is charged for tools missing from the cost table.
const DefaultCost = 3

// InsufficientCreditsError reports the shortfall of a rejected charge.
type InsufficientCreditsError = ledger.InsufficientCreditsError

// ErrInsufficientCredits matches any InsufficientCreditsError via errors.Is.
var ErrInsufficientCredits = ledger.ErrInsufficientCredits

var costs = map[string]int{
	"ad-copy":             2,
	"social-post":         2,
	"headline":            1,
	"product-description": 2,
	"email-campaign":      3,
	"image-ad":            5,
	"banner":              5,
	"content-calendar":    4,
	"hashtags":            1,
}

// Cost returns the credit price of toolID.
func Cost(toolID string) int {
	if c, ok := costs[toolID]; ok {
		return c
	}
	return DefaultCost
}

// Tools returns a copy of the cost table.
func Tools() map[string]int {
	out := make(map[string]int, len(costs))
	for k, v := range costs {
		out[k] = v
	}
	return out
}

// Meter checks and charges tool costs against a ledger store.
type Meter struct {
	store ledger.Store

	charged  metric.Int64Counter
	rejected metric.Int64Counter
}

// NewMeter creates a Meter over store.
func NewMeter(store ledger.Store) *Meter {
	meter := telemetry.Meter("adlence/credits")
	charged, _ := meter.Int64Counter("adlence.credits.charged",
		metric.WithDescription("Credits debited for completed generations"),
	)
	rejected, _ := meter.Int64Counter("adlence.credits.rejected",
		metric.WithDescription("Generation attempts rejected for insufficient credits"),
	)
	return &Meter{store: store, charged: charged, rejected: rejected}
}

// Balance returns the user's current balance.
func (m *Meter) Balance(ctx context.Context, userID string) (int, error) {
	bal, err := m.store.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("credits: balance: %w", err)
	}
	return bal, nil
}

// Check returns the cost of toolID, or an *InsufficientCreditsError when the
// user's balance cannot cover it. Charge repeats the check atomically.
func (m *Meter) Check(ctx context.Context, userID, toolID string) (int, error) {
	cost := Cost(toolID)
	bal, err := m.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if bal < cost {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_id", toolID)))
		return cost, &InsufficientCreditsError{Required: cost, Available: bal}
	}
	return cost, nil
}

// Charge prices gen by its tool and records it together with the debit.
func (m *Meter) Charge(ctx context.Context, gen *ledger.Generation) (*ledger.Transaction, error) {
	gen.Cost = Cost(gen.ToolID)
	debit, err := m.store.RecordGeneration(ctx, gen)
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("tool_id", gen.ToolID)))
			return nil, err
		}
		return nil, fmt.Errorf("credits: record generation: %w", err)
	}
	m.charged.Add(ctx, int64(gen.Cost), metric.WithAttributes(attribute.String("tool_id", gen.ToolID)))
	return debit, nil
}

// Record stores gen without charging for it.
func (m *Meter) Record(ctx context.Context, gen *ledger.Generation) error {
	gen.Cost = 0
	if _, err := m.store.RecordGeneration(ctx, gen); err != nil {
		return fmt.Errorf("credits: record generation: %w", err)
	}
	return nil
}
