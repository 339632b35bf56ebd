// Package api provides the HTTP API and middleware for the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/adlence-ai/adlence/internal/auth"
	"github.com/adlence-ai/adlence/internal/billing"
	"github.com/adlence-ai/adlence/internal/config"
	"github.com/adlence-ai/adlence/internal/credits"
	"github.com/adlence-ai/adlence/internal/generation"
	"github.com/adlence-ai/adlence/internal/ledger"
	"github.com/adlence-ai/adlence/internal/mailer"
)

// Generator runs generation workflows. *generation.Client satisfies it.
type Generator interface {
	GenerateText(ctx context.Context, req generation.TextRequest) (*generation.TextResult, error)
	GenerateImage(ctx context.Context, req generation.ImageRequest) (*generation.ImageResult, error)
	RunTool(ctx context.Context, req generation.ToolRequest) (json.RawMessage, error)
}

// Billing sells credits. *billing.Service satisfies it.
type Billing interface {
	CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (string, error)
	HandleWebhook(ctx context.Context, body []byte, sigHeader string) (billing.WebhookResult, error)
}

// Mailer delivers waiting-list signups. *mailer.Mailer satisfies it.
type Mailer interface {
	SendWaitingList(ctx context.Context, e mailer.Entry) error
}

// Deps are the process-wide clients the handlers share.
type Deps struct {
	Store     ledger.Store
	Auth      auth.Provider
	Generator Generator
	Billing   Billing
	Mailer    Mailer
	// Redis, when set, shares rate limits across instances.
	Redis RedisClient
}

// maxWebhookBytes bounds Stripe event bodies.
const maxWebhookBytes = 1 << 20

// Server is the HTTP API server.
type Server struct {
	store             ledger.Store
	meter             *credits.Meter
	authProvider      auth.Provider
	generator         Generator
	billing           Billing
	mailer            Mailer
	logger            *slog.Logger
	mux               *chi.Mux
	startTime         time.Time
	maxBodyBytes      int64
	testCredits       int
	trustClientUserID bool
	rl                limiter
	publicRL          limiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:             deps.Store,
		meter:             credits.NewMeter(deps.Store),
		authProvider:      deps.Auth,
		generator:         deps.Generator,
		billing:           deps.Billing,
		mailer:            deps.Mailer,
		logger:            logger.With("component", "api"),
		startTime:         time.Now(),
		maxBodyBytes:      cfg.Server.MaxBodyBytes,
		testCredits:       cfg.Server.TestCredits,
		trustClientUserID: cfg.Auth.TrustClientUserID,
	}
	if deps.Redis != nil {
		srv.rl = newRedisLimiter(deps.Redis, "adlence:ratelimit:", cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, srv.logger)
		srv.publicRL = newRedisLimiter(deps.Redis, "adlence:ratelimit:public:", 1, 5, srv.logger)
	} else {
		srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
		srv.publicRL = newRateLimiter(1, 5)
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(requestLogMiddleware(srv.logger))
	mux.Use(chimw.Recoverer)
	mux.Use(tracingMiddleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Public routes, rate-limited by IP.
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.publicRL))
		r.Post("/api/generate-ad", srv.handleGenerateAd)
		r.Post("/api/waiting-list", srv.handleWaitingList)
	})

	// Signature-verified, no bearer token.
	mux.Post("/api/webhooks/stripe", srv.handleStripeWebhook)

	// User routes: the bearer identity is authoritative; see resolveUser.
	mux.Group(func(r chi.Router) {
		r.Use(srv.optionalAuthMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Post("/api/tools", srv.handleRunTool)
		r.Post("/api/save-result", srv.handleSaveResult)
		r.Get("/api/saved-results", srv.handleSavedResults)
		r.Get("/api/calendar", srv.handleGetCalendar)
		r.Post("/api/calendar", srv.handleSaveCalendar)
		r.Get("/api/profile", srv.handleGetProfile)
		r.Post("/api/profile", srv.handleSaveProfile)
	})

	// Bearer token required.
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/credits", srv.handleGetCredits)
		r.Post("/api/add-test-credits", srv.handleAddTestCredits)
		r.Post("/api/create-checkout-session", srv.handleCreateCheckoutSession)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.publicRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Request helpers ---

var errForbidden = errors.New("user_id does not match the authenticated user")

// validationError is a client mistake reported as 400.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(msg string) error { return &validationError{msg: msg} }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateRequest runs struct validation and returns the first failure as a
// validationError.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalid(err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return invalid(fe.Field() + " is required")
	case "email":
		return invalid(fe.Field() + " must be a valid email address")
	case "max":
		return invalid(fe.Field() + " is too long")
	default:
		return invalid(fe.Field() + " is invalid")
	}
}

// decodeJSON reads a size-limited JSON body into dst and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return mbe
		}
		return invalid("invalid request body")
	}
	return validateRequest(dst)
}

// resolveUser returns the user a request acts for. A bearer identity always
// wins and a differing claimed id is refused. Without a token the claimed id is
// only honoured when the deployment trusts client-supplied ids.
func (s *Server) resolveUser(r *http.Request, claimed string) (string, error) {
	claimed = strings.TrimSpace(claimed)
	if identity := auth.IdentityFromContext(r.Context()); identity != nil {
		if claimed != "" && claimed != identity.UserID {
			return "", errForbidden
		}
		return identity.UserID, nil
	}
	if !s.trustClientUserID {
		return "", auth.ErrUnauthorized
	}
	if claimed == "" {
		return "", invalid("user_id is required")
	}
	return claimed, nil
}

// isEmptyJSON reports whether raw is absent or JSON null.
func isEmptyJSON(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return t == "" || t == "null"
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorDetails(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, map[string]string{"error": message, "details": details})
}

// writeDomainError maps an error from any layer to its HTTP response.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *validationError
		ice  *credits.InsufficientCreditsError
		ue   *generation.UpstreamError
		mbe  *http.MaxBytesError
		ne   net.Error
	)
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.msg)
	case errors.As(err, &mbe):
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
	case errors.As(err, &ice):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":     "Insufficient credits",
			"details":   ice.Error(),
			"required":  ice.Required,
			"available": ice.Available,
		})
	case errors.As(err, &ue):
		status := ue.StatusCode
		if status < 400 {
			status = http.StatusBadGateway
		}
		writeErrorDetails(w, status, "Generation service error", ue.Body)
	case errors.Is(err, generation.ErrInvalidImage),
		errors.Is(err, billing.ErrInvalidCheckout),
		errors.Is(err, billing.ErrInvalidSignature),
		errors.Is(err, billing.ErrInvalidMetadata):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, generation.ErrExtraction):
		writeErrorDetails(w, http.StatusInternalServerError, "Failed to extract generated content", err.Error())
	case errors.Is(err, generation.ErrNotConfigured),
		errors.Is(err, billing.ErrBillingDisabled),
		errors.Is(err, mailer.ErrMailerDisabled):
		writeErrorDetails(w, http.StatusServiceUnavailable, "Service not configured", err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		writeErrorDetails(w, http.StatusGatewayTimeout, "Upstream timeout", err.Error())
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
		writeErrorDetails(w, http.StatusInternalServerError, "Internal server error", err.Error())
	}
}
