package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/adlence-ai/adlence/internal/auth"
	"github.com/adlence-ai/adlence/internal/ledger"
	"github.com/adlence-ai/adlence/internal/mailer"
)

// --- Calendar ---

func (s *Server) handleGetCalendar(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUser(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	calendar, err := s.store.GetCalendar(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if len(calendar) == 0 {
		calendar = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    map[string]any{"calendar": calendar},
	})
}

type saveCalendarRequest struct {
	UserID   string          `json:"user_id,omitempty"`
	Calendar json.RawMessage `json:"calendar"`
}

func (s *Server) handleSaveCalendar(w http.ResponseWriter, r *http.Request) {
	var req saveCalendarRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if isEmptyJSON(req.Calendar) {
		s.writeDomainError(w, r, invalid("calendar is required"))
		return
	}
	userID, err := s.resolveUser(r, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if err := s.store.UpsertCalendar(r.Context(), userID, req.Calendar); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// --- Profile ---

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUser(r, r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	profile, err := s.store.GetProfile(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if profile == nil {
		profile = &ledger.Profile{UserID: userID}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": profile})
}

type saveProfileRequest struct {
	UserID              string `json:"user_id,omitempty"`
	BusinessType        string `json:"business_type" validate:"max=200"`
	BusinessDescription string `json:"business_description" validate:"max=5000"`
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req saveProfileRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	userID, err := s.resolveUser(r, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	err = s.store.UpsertProfile(r.Context(), &ledger.Profile{
		UserID:              userID,
		BusinessType:        req.BusinessType,
		BusinessDescription: req.BusinessDescription,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	profile, err := s.store.GetProfile(r.Context(), userID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": profile})
}

// --- Credits ---

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	balance, err := s.meter.Balance(r.Context(), identity.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	txs, err := s.store.ListTransactions(r.Context(), identity.UserID, ledger.MaxListLimit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": map[string]any{
			"balance":      balance,
			"transactions": txs,
		},
	})
}

func (s *Server) handleAddTestCredits(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	_, err := s.store.AddCredits(r.Context(), ledger.CreditGrant{
		UserID:      identity.UserID,
		Amount:      s.testCredits,
		Description: fmt.Sprintf("Test credits (%d)", s.testCredits),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	balance, err := s.meter.Balance(r.Context(), identity.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.Info("test credits granted", "user_id", identity.UserID, "credits", s.testCredits)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"credits": s.testCredits,
		"balance": balance,
	})
}

// --- Waiting list (public) ---

type waitingListRequest struct {
	Name          string `json:"name" validate:"required,max=200"`
	Email         string `json:"email" validate:"required,email,max=320"`
	HowDidYouHear string `json:"howDidYouHear" validate:"max=1000"`
	WhyDoYouNeed  string `json:"whyDoYouNeed" validate:"max=5000"`
}

func (s *Server) handleWaitingList(w http.ResponseWriter, r *http.Request) {
	var req waitingListRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	err := s.mailer.SendWaitingList(r.Context(), mailer.Entry{
		Name:          req.Name,
		Email:         req.Email,
		HowDidYouHear: req.HowDidYouHear,
		WhyDoYouNeed:  req.WhyDoYouNeed,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
