package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/adlence-ai/adlence/internal/config"
	"github.com/adlence-ai/adlence/internal/ledger"
)

const testWebhookSecret = "whsec_test_secret"

type fakeGateway struct {
	params []CheckoutParams
	err    error
}

func (g *fakeGateway) CreateCheckout(_ context.Context, p CheckoutParams) (string, error) {
	g.params = append(g.params, p)
	if g.err != nil {
		return "", g.err
	}
	return "https://checkout.stripe.test/c/pay/cs_test_1", nil
}

// fakeCreditor records grants and rejects repeated payment ids like the ledger does.
type fakeCreditor struct {
	mu     sync.Mutex
	grants []ledger.CreditGrant
	seen   map[string]bool
}

func (c *fakeCreditor) AddCredits(_ context.Context, g ledger.CreditGrant) (*ledger.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[string]bool{}
	}
	if g.PaymentID != "" && c.seen[g.PaymentID] {
		return nil, ledger.ErrDuplicatePayment
	}
	c.seen[g.PaymentID] = true
	c.grants = append(c.grants, g)
	return &ledger.Transaction{UserID: g.UserID, Amount: g.Amount, PaymentID: g.PaymentID}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(gw Gateway, creditor Creditor) *Service {
	return NewWithGateway(gw, config.BillingConfig{
		StripeWebhookSecret: testWebhookSecret,
		Currency:            "usd",
	}, "https://adlence.ai", creditor, testLogger())
}

func sign(t *testing.T, payload, secret string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

const completedEvent = `{
	"id": "evt_test_1",
	"object": "event",
	"type": "checkout.session.completed",
	"data": {
		"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"metadata": {"userId": "u1", "credits": "40", "packageName": "Starter", "price": "9.99"}
		}
	}
}`

func TestNew(t *testing.T) {
	svc, err := New(config.BillingConfig{StripeSecretKey: "sk_test_xxx", StripeWebhookSecret: "whsec_xxx"}, "https://adlence.ai", &fakeCreditor{}, testLogger())
	require.NoError(t, err)
	assert.True(t, svc.Enabled())

	svc, err = New(config.BillingConfig{}, "https://adlence.ai", &fakeCreditor{}, testLogger())
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	_, err = New(config.BillingConfig{StripeSecretKey: "sk_test_xxx"}, "https://adlence.ai", &fakeCreditor{}, testLogger())
	assert.Error(t, err)
}

func TestCreateCheckoutSession(t *testing.T) {
	gw := &fakeGateway{}
	svc := newTestService(gw, &fakeCreditor{})

	url, err := svc.CreateCheckoutSession(context.Background(), CheckoutRequest{
		PackageName: "Starter",
		Credits:     40,
		Price:       decimal.RequireFromString("9.99"),
		UserID:      "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/c/pay/cs_test_1", url)

	require.Len(t, gw.params, 1)
	p := gw.params[0]
	assert.Equal(t, int64(999), p.UnitAmount)
	assert.Equal(t, "usd", p.Currency)
	assert.Equal(t, map[string]string{
		"userId":      "u1",
		"packageName": "Starter",
		"credits":     "40",
		"price":       "9.99",
	}, p.Metadata)
	assert.Equal(t, "https://adlence.ai/payment/success?session_id={CHECKOUT_SESSION_ID}", p.SuccessURL)
	assert.Equal(t, "https://adlence.ai/pricing?canceled=true", p.CancelURL)
}

func TestCreateCheckoutSessionValidation(t *testing.T) {
	valid := CheckoutRequest{PackageName: "Pro", Credits: 100, Price: decimal.NewFromInt(20), UserID: "u1"}
	tests := []struct {
		name   string
		mutate func(*CheckoutRequest)
	}{
		{"missing user", func(r *CheckoutRequest) { r.UserID = "" }},
		{"missing package", func(r *CheckoutRequest) { r.PackageName = "" }},
		{"zero credits", func(r *CheckoutRequest) { r.Credits = 0 }},
		{"negative price", func(r *CheckoutRequest) { r.Price = decimal.NewFromInt(-5) }},
		{"sub-cent price", func(r *CheckoutRequest) { r.Price = decimal.RequireFromString("0.001") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &fakeGateway{}
			svc := newTestService(gw, &fakeCreditor{})
			req := valid
			tt.mutate(&req)
			_, err := svc.CreateCheckoutSession(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidCheckout)
			assert.Empty(t, gw.params)
		})
	}
}

func TestCreateCheckoutSessionDisabled(t *testing.T) {
	svc := newTestService(nil, &fakeCreditor{})
	_, err := svc.CreateCheckoutSession(context.Background(), CheckoutRequest{})
	assert.ErrorIs(t, err, ErrBillingDisabled)
}

func TestCreateCheckoutSessionGatewayError(t *testing.T) {
	svc := newTestService(&fakeGateway{err: errors.New("card_declined")}, &fakeCreditor{})
	_, err := svc.CreateCheckoutSession(context.Background(), CheckoutRequest{
		PackageName: "Pro", Credits: 100, Price: decimal.NewFromInt(20), UserID: "u1",
	})
	assert.ErrorContains(t, err, "card_declined")
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(999), ToMinorUnits(decimal.RequireFromString("9.99")))
	assert.Equal(t, int64(2000), ToMinorUnits(decimal.NewFromInt(20)))
	assert.Equal(t, int64(1001), ToMinorUnits(decimal.RequireFromString("10.005")))
	assert.Equal(t, int64(30), ToMinorUnits(decimal.RequireFromString("0.3")))
}

func TestWebhookCreditsOnce(t *testing.T) {
	creditor := &fakeCreditor{}
	svc := newTestService(nil, creditor)
	header := sign(t, completedEvent, testWebhookSecret)

	res, err := svc.HandleWebhook(context.Background(), []byte(completedEvent), header)
	require.NoError(t, err)
	assert.Equal(t, WebhookCredited, res.Status)
	assert.Equal(t, "checkout.session.completed", res.EventType)

	require.Len(t, creditor.grants, 1)
	g := creditor.grants[0]
	assert.Equal(t, "u1", g.UserID)
	assert.Equal(t, 40, g.Amount)
	assert.Equal(t, "cs_test_1", g.PaymentID)
	assert.Equal(t, "Purchased Starter (40 credits)", g.Description)

	// Stripe redelivers on timeouts; the second delivery must not credit again.
	res, err = svc.HandleWebhook(context.Background(), []byte(completedEvent), header)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, res.Status)
	assert.Len(t, creditor.grants, 1)
}

func TestWebhookTamperedSignature(t *testing.T) {
	creditor := &fakeCreditor{}
	svc := newTestService(nil, creditor)

	header := sign(t, completedEvent, "whsec_someone_else")
	_, err := svc.HandleWebhook(context.Background(), []byte(completedEvent), header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// Valid signature over a different body.
	header = sign(t, completedEvent, testWebhookSecret)
	tampered := []byte(completedEvent[:len(completedEvent)-1] + " }")
	_, err = svc.HandleWebhook(context.Background(), tampered, header)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = svc.HandleWebhook(context.Background(), []byte(completedEvent), "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	assert.Empty(t, creditor.grants)
}

func TestWebhookMissingMetadata(t *testing.T) {
	tests := []struct {
		name     string
		metadata string
	}{
		{"no user", `{"credits": "40"}`},
		{"no credits", `{"userId": "u1"}`},
		{"non-numeric credits", `{"userId": "u1", "credits": "lots"}`},
		{"zero credits", `{"userId": "u1", "credits": "0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creditor := &fakeCreditor{}
			svc := newTestService(nil, creditor)
			payload := `{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_2","object":"checkout.session","metadata":` + tt.metadata + `}}}`

			_, err := svc.HandleWebhook(context.Background(), []byte(payload), sign(t, payload, testWebhookSecret))
			assert.ErrorIs(t, err, ErrInvalidMetadata)
			assert.Empty(t, creditor.grants)
		})
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	creditor := &fakeCreditor{}
	svc := newTestService(nil, creditor)
	payload := `{"id":"evt_3","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`

	res, err := svc.HandleWebhook(context.Background(), []byte(payload), sign(t, payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, res.Status)
	assert.Empty(t, creditor.grants)
}

func TestWebhookDisabled(t *testing.T) {
	svc := NewWithGateway(nil, config.BillingConfig{}, "", &fakeCreditor{}, testLogger())
	_, err := svc.HandleWebhook(context.Background(), []byte(completedEvent), "t=1,v1=abc")
	assert.ErrorIs(t, err, ErrBillingDisabled)
}
