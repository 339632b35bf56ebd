package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/adlence-ai/adlence/internal/generation"
	"github.com/adlence-ai/adlence/internal/ledger"
)

// --- Ad generation (public) ---

type generateAdRequest struct {
	Prompt           string          `json:"prompt" validate:"required"`
	Image            string          `json:"image,omitempty"`
	Options          json.RawMessage `json:"options,omitempty"`
	GenerateOnlyText bool            `json:"generateOnlyText,omitempty"`
}

func (s *Server) handleGenerateAd(w http.ResponseWriter, r *http.Request) {
	var req generateAdRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.writeDomainError(w, r, invalid("prompt is required"))
		return
	}

	if req.GenerateOnlyText {
		res, err := s.generator.GenerateText(r.Context(), generation.TextRequest{
			Prompt:  req.Prompt,
			Options: req.Options,
		})
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
		return
	}

	res, err := s.generator.GenerateImage(r.Context(), generation.ImageRequest{
		Prompt:  req.Prompt,
		Image:   req.Image,
		Options: req.Options,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": res})
}

// --- Metered tools ---

type runToolRequest struct {
	ToolID string          `json:"toolId" validate:"required,max=64"`
	Inputs json.RawMessage `json:"inputs"`
	UserID string          `json:"user_id,omitempty"`
}

func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req runToolRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if isEmptyJSON(req.Inputs) {
		s.writeDomainError(w, r, invalid("inputs is required"))
		return
	}
	userID, err := s.resolveUser(r, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if _, err := s.meter.Check(r.Context(), userID, req.ToolID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	result, err := s.generator.RunTool(r.Context(), generation.ToolRequest{
		ToolID: req.ToolID,
		UserID: userID,
		Inputs: req.Inputs,
	})
	if err != nil {
		failed := &ledger.Generation{
			UserID: userID,
			ToolID: req.ToolID,
			Input:  req.Inputs,
			Status: ledger.GenFailed,
		}
		if recErr := s.meter.Record(r.Context(), failed); recErr != nil {
			s.logger.Warn("failed to record failed generation", "tool_id", req.ToolID, "error", recErr)
		}
		s.writeDomainError(w, r, err)
		return
	}

	gen := &ledger.Generation{
		UserID: userID,
		ToolID: req.ToolID,
		Input:  req.Inputs,
		Result: result,
		Status: ledger.GenCompleted,
	}
	if _, err := s.meter.Charge(r.Context(), gen); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	s.logger.Info("tool run completed",
		"user_id", userID,
		"tool_id", req.ToolID,
		"generation_id", gen.ID,
		"cost", gen.Cost,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"data":          result,
		"generation_id": gen.ID,
	})
}

// --- Saved results ---

type saveResultRequest struct {
	ToolID string          `json:"toolId" validate:"required,max=64"`
	Result json.RawMessage `json:"result"`
	Inputs json.RawMessage `json:"inputs,omitempty"`
	UserID string          `json:"user_id,omitempty"`
}

func (s *Server) handleSaveResult(w http.ResponseWriter, r *http.Request) {
	var req saveResultRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if isEmptyJSON(req.Result) {
		s.writeDomainError(w, r, invalid("result is required"))
		return
	}
	userID, err := s.resolveUser(r, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	gen := &ledger.Generation{
		UserID: userID,
		ToolID: req.ToolID,
		Input:  req.Inputs,
		Result: req.Result,
		Status: ledger.GenCompleted,
	}
	if err := s.meter.Record(r.Context(), gen); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "generation_id": gen.ID})
}

func (s *Server) handleSavedResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := s.resolveUser(r, q.Get("user_id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	limit := ledger.MaxListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeDomainError(w, r, invalid("limit must be a positive integer"))
			return
		}
		limit = n
	}

	gens, err := s.store.ListGenerations(r.Context(), ledger.GenerationFilter{
		UserID: userID,
		ToolID: q.Get("tool_id"),
		Limit:  limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if gens == nil {
		gens = []ledger.Generation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": gens})
}
