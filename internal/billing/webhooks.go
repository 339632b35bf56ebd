package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/adlence-ai/adlence/internal/ledger"
)

// Webhook outcomes reported back to Stripe in the response body.
const (
	WebhookCredited  = "credited"
	WebhookDuplicate = "duplicate"
	WebhookIgnored   = "ignored"
)

// WebhookResult describes what a verified event did.
type WebhookResult struct {
	EventID   string `json:"-"`
	EventType string `json:"-"`
	Status    string `json:"status"`
}

// HandleWebhook verifies a Stripe event and credits completed checkouts. Events of
// other types are acknowledged and ignored. Redelivered checkouts credit once.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (WebhookResult, error) {
	if s.webhookSecret == "" {
		return WebhookResult{}, ErrBillingDisabled
	}

	event, err := webhook.ConstructEventWithOptions(body, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.logger.Warn("rejected webhook", "error", err)
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	res := WebhookResult{EventID: event.ID, EventType: string(event.Type), Status: WebhookIgnored}
	switch event.Type {
	case "checkout.session.completed":
		res.Status, err = s.handleCheckoutCompleted(ctx, event)
		return res, err
	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type, "event_id", event.ID)
		return res, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (string, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", fmt.Errorf("%w: unmarshal checkout session: %v", ErrInvalidMetadata, err)
	}

	userID := sess.Metadata[MetaUserID]
	if userID == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidMetadata, MetaUserID)
	}
	credits, err := strconv.Atoi(sess.Metadata[MetaCredits])
	if err != nil || credits <= 0 {
		return "", fmt.Errorf("%w: %s must be a positive integer", ErrInvalidMetadata, MetaCredits)
	}

	description := fmt.Sprintf("Purchased %d credits", credits)
	if name := sess.Metadata[MetaPackageName]; name != "" {
		description = fmt.Sprintf("Purchased %s (%d credits)", name, credits)
	}

	_, err = s.creditor.AddCredits(ctx, ledger.CreditGrant{
		UserID:      userID,
		Amount:      credits,
		Description: description,
		PaymentID:   sess.ID,
	})
	if errors.Is(err, ledger.ErrDuplicatePayment) {
		s.logger.Info("checkout already credited", "session_id", sess.ID, "user_id", userID)
		return WebhookDuplicate, nil
	}
	if err != nil {
		return "", fmt.Errorf("billing: add credits: %w", err)
	}

	s.logger.Info("checkout completed, credits added",
		"session_id", sess.ID,
		"user_id", userID,
		"credits", credits,
	)
	return WebhookCredited, nil
}
