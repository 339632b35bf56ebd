// Package billing sells credit packages through Stripe Checkout. If Stripe is not
// configured (no secret key), checkout returns ErrBillingDisabled.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/adlence-ai/adlence/internal/config"
	"github.com/adlence-ai/adlence/internal/ledger"
)

var (
	ErrBillingDisabled  = errors.New("billing not configured")
	ErrInvalidCheckout  = errors.New("invalid checkout request")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidMetadata  = errors.New("invalid checkout metadata")
)

// Metadata keys stored on the price and the checkout session.
const (
	MetaUserID      = "userId"
	MetaPackageName = "packageName"
	MetaCredits     = "credits"
	MetaPrice       = "price"
)

var hundred = decimal.NewFromInt(100)

// CheckoutRequest is a purchase of Credits for Price in the configured currency.
type CheckoutRequest struct {
	PackageName string
	Credits     int
	Price       decimal.Decimal
	UserID      string
}

// CheckoutParams is what the gateway needs to open a hosted checkout.
type CheckoutParams struct {
	ProductName string
	UnitAmount  int64 // minor units
	Currency    string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
	ClientRef   string
}

// Gateway opens hosted checkout sessions.
type Gateway interface {
	CreateCheckout(ctx context.Context, p CheckoutParams) (url string, err error)
}

// Creditor applies purchased credits. ledger.Store satisfies it.
type Creditor interface {
	AddCredits(ctx context.Context, grant ledger.CreditGrant) (*ledger.Transaction, error)
}

// Service creates checkout sessions and applies completed payments.
type Service struct {
	gateway       Gateway
	creditor      Creditor
	logger        *slog.Logger
	webhookSecret string
	currency      string
	baseURL       string
}

// New creates a billing service. A nil gateway is used when no secret key is set.
func New(cfg config.BillingConfig, baseURL string, creditor Creditor, logger *slog.Logger) (*Service, error) {
	if cfg.StripeSecretKey != "" && cfg.StripeWebhookSecret == "" {
		return nil, fmt.Errorf("billing: STRIPE_WEBHOOK_SECRET is required when billing is enabled")
	}
	var gw Gateway
	if cfg.StripeSecretKey != "" {
		gw = &stripeGateway{client: stripe.NewClient(cfg.StripeSecretKey)}
	}
	return NewWithGateway(gw, cfg, baseURL, creditor, logger), nil
}

// NewWithGateway creates a billing service over an explicit gateway.
func NewWithGateway(gw Gateway, cfg config.BillingConfig, baseURL string, creditor Creditor, logger *slog.Logger) *Service {
	currency := cfg.Currency
	if currency == "" {
		currency = "usd"
	}
	return &Service{
		gateway:       gw,
		creditor:      creditor,
		logger:        logger.With("component", "billing"),
		webhookSecret: cfg.StripeWebhookSecret,
		currency:      currency,
		baseURL:       baseURL,
	}
}

// Enabled returns true if checkout can be created.
func (s *Service) Enabled() bool { return s.gateway != nil }

// CreateCheckoutSession opens a payment-mode checkout for req and returns its URL.
// Nothing is written to the ledger until the payment webhook arrives.
func (s *Service) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if !s.Enabled() {
		return "", ErrBillingDisabled
	}
	if err := req.validate(); err != nil {
		return "", err
	}

	url, err := s.gateway.CreateCheckout(ctx, CheckoutParams{
		ProductName: fmt.Sprintf("%s (%d credits)", req.PackageName, req.Credits),
		UnitAmount:  ToMinorUnits(req.Price),
		Currency:    s.currency,
		Metadata: map[string]string{
			MetaUserID:      req.UserID,
			MetaPackageName: req.PackageName,
			MetaCredits:     strconv.Itoa(req.Credits),
			MetaPrice:       req.Price.String(),
		},
		SuccessURL: s.baseURL + "/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.baseURL + "/pricing?canceled=true",
		ClientRef:  req.UserID,
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	s.logger.Info("checkout session created",
		"user_id", req.UserID,
		"package", req.PackageName,
		"credits", req.Credits,
	)
	return url, nil
}

func (r CheckoutRequest) validate() error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: userId is required", ErrInvalidCheckout)
	case r.PackageName == "":
		return fmt.Errorf("%w: packageName is required", ErrInvalidCheckout)
	case r.Credits <= 0:
		return fmt.Errorf("%w: credits must be positive", ErrInvalidCheckout)
	case !r.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidCheckout)
	case ToMinorUnits(r.Price) <= 0:
		return fmt.Errorf("%w: price is below the smallest currency unit", ErrInvalidCheckout)
	}
	return nil
}

// ToMinorUnits converts a major-unit price to cents, rounding half away from zero.
func ToMinorUnits(price decimal.Decimal) int64 {
	return price.Mul(hundred).Round(0).IntPart()
}

type stripeGateway struct {
	client *stripe.Client
}

func (g *stripeGateway) CreateCheckout(ctx context.Context, p CheckoutParams) (string, error) {
	product, err := g.client.V1Products.Create(ctx, &stripe.ProductCreateParams{
		Name:     stripe.String(p.ProductName),
		Metadata: p.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("create product: %w", err)
	}

	price, err := g.client.V1Prices.Create(ctx, &stripe.PriceCreateParams{
		Currency:   stripe.String(p.Currency),
		UnitAmount: stripe.Int64(p.UnitAmount),
		Product:    stripe.String(product.ID),
		Metadata:   p.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("create price: %w", err)
	}

	sess, err := g.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.ClientRef),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(price.ID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: p.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.URL, nil
}
