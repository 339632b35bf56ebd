package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/adlence-ai/adlence/internal/billing"
)

type checkoutRequest struct {
	PackageName string          `json:"packageName" validate:"required,max=100"`
	Credits     int             `json:"credits" validate:"gt=0"`
	Price       decimal.Decimal `json:"price"`
	UserID      string          `json:"userId,omitempty"`
}

func (s *Server) handleCreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	userID, err := s.resolveUser(r, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), billing.CheckoutRequest{
		PackageName: req.PackageName,
		Credits:     req.Credits,
		Price:       req.Price,
		UserID:      userID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.writeDomainError(w, r, mbe)
			return
		}
		s.writeDomainError(w, r, invalid("failed to read request body"))
		return
	}

	res, err := s.billing.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "status": res.Status})
}
