// Package api provides the HTTP API and middleware for caphub.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/orvio-apps/caphub/internal/auth"
	"github.com/orvio-apps/caphub/internal/billing"
	"github.com/orvio-apps/caphub/internal/config"
	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/project"
	"github.com/orvio-apps/caphub/internal/store"
	"github.com/orvio-apps/caphub/internal/token"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider // nil unless builtin auth
	ledger        *entitlement.Ledger
	scheduler     *project.Scheduler
	syncer        *billing.Syncer
	tokens        *token.Service
	logger        *slog.Logger
	mux           *chi.Mux

	startTime        time.Time
	maxBodyBytes     int64
	authProviderName string
	verifyKeys       []string
	webhookSecret    string

	loginRL *rateLimiter
	rl      *rateLimiter
}

// NewServer creates a new API server and registers all routes.
func NewServer(s store.Store, ap auth.Provider, ledger *entitlement.Ledger, scheduler *project.Scheduler, syncer *billing.Syncer, tokens *token.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:            s,
		authProvider:     ap,
		ledger:           ledger,
		scheduler:        scheduler,
		syncer:           syncer,
		tokens:           tokens,
		logger:           logger.With("component", "api"),
		startTime:        time.Now(),
		maxBodyBytes:     cfg.Server.MaxBodyBytes,
		authProviderName: ap.Name(),
		verifyKeys:       cfg.Token.VerifyKeys,
		webhookSecret:    cfg.Billing.WebhookSecret,
	}
	if lp, ok := ap.(auth.LoginProvider); ok {
		srv.loginProvider = lp
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if srv.loginProvider != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// Billing webhook (public, signature-verified).
	mux.Post("/api/billing/webhook", srv.handleBillingWebhook)

	// Token verification (API key, no user session).
	mux.With(srv.apiKeyMiddleware).Post("/api/token/verify", srv.handleVerifyToken)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.ensureCustomerMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/entitlements", srv.handleListEntitlements)
		r.Get("/api/projects/{code}", srv.handleGetProject)
		r.Post("/api/projects/select", srv.handleSelectProject)
		r.Post("/api/token", srv.handleIssueToken)

		r.With(requireAdmin).Post("/api/admin/customers", srv.handleLinkCustomer)
		r.With(requireAdmin).Get("/api/admin/audit", srv.handleListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of stale rate-limit buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 15*time.Minute)
	}
}

// --- Health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProviderName})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	tok, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.audit(r, "login.failed", "", fmt.Sprintf(`{"username":%q}`, req.Username))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	customer := getCustomerFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": identity.SubjectID,
		"username":   identity.Username,
		"customer":   customer,
	})
}

// --- Entitlement handlers ---

func (s *Server) handleListEntitlements(w http.ResponseWriter, r *http.Request) {
	customer := getCustomerFromContext(r.Context())
	if customer.BillingCustomerID == "" {
		writeJSON(w, http.StatusOK, []store.Entitlement{})
		return
	}

	// The webhook may not have been processed yet; infer grants from mirrored
	// line items when the ledger is empty.
	if err := s.syncer.EnsureGrants(r.Context(), customer.BillingCustomerID); err != nil {
		s.writeBillingError(w, err, "failed to ensure grants")
		return
	}

	usable, err := s.ledger.ListUsable(r.Context(), customer.BillingCustomerID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entitlements")
		return
	}
	if usable == nil {
		usable = []store.Entitlement{}
	}
	writeJSON(w, http.StatusOK, usable)
}

// --- Project selection handlers ---

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	customer := getCustomerFromContext(r.Context())
	code := chi.URLParam(r, "code")

	if customer.BillingCustomerID == "" {
		writeError(w, http.StatusNotFound, "no selection")
		return
	}

	sel, err := s.scheduler.GetCurrent(r.Context(), customer.BillingCustomerID, code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get selection")
		return
	}
	if sel == nil {
		writeError(w, http.StatusNotFound, "no selection")
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) handleSelectProject(w http.ResponseWriter, r *http.Request) {
	customer := getCustomerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Code    string `json:"code"`
		Project string `json:"project"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" || req.Project == "" {
		writeError(w, http.StatusBadRequest, "code and project are required")
		return
	}

	if customer.BillingCustomerID == "" {
		writeError(w, http.StatusForbidden, "not entitled")
		return
	}

	sel, err := s.scheduler.Select(r.Context(), customer.BillingCustomerID, req.Code, req.Project)
	if err != nil {
		if errors.Is(err, project.ErrNotEntitled) {
			writeError(w, http.StatusForbidden, "not entitled")
			return
		}
		s.logger.Error("project selection failed", "code", req.Code, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to select project")
		return
	}

	s.audit(r, "project.selected", customer.BillingCustomerID,
		fmt.Sprintf(`{"code":%q,"project":%q}`, req.Code, req.Project))
	writeJSON(w, http.StatusOK, sel)
}

// --- Token handlers ---

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	customer := getCustomerFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		EntitlementCode string `json:"entitlement_code"`
		Audience        string `json:"audience"`
	}
	// An empty body is fine: issue for everything, no audience.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if customer.BillingCustomerID == "" {
		writeError(w, http.StatusForbidden, "not entitled")
		return
	}

	if err := s.syncer.EnsureGrants(r.Context(), customer.BillingCustomerID); err != nil {
		s.writeBillingError(w, err, "failed to ensure grants")
		return
	}

	issued, err := s.tokens.Issue(r.Context(), identity.SubjectID, customer.BillingCustomerID, token.IssueRequest{
		Code:     req.EntitlementCode,
		Audience: req.Audience,
	})
	if err != nil {
		switch {
		case errors.Is(err, token.ErrNotEntitled):
			writeError(w, http.StatusForbidden, "not entitled")
		case errors.Is(err, token.ErrAudienceNotAllowed):
			// Expected when the requested project is not the active one.
			s.logger.Debug("audience not allowed", "audience", req.Audience)
			writeError(w, http.StatusForbidden, "audience not allowed")
		default:
			s.logger.Error("token issuance failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to issue token")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        issued.Token,
		"entitlements": issued.Entitlements,
		"customer_id":  issued.CustomerID,
		"expires_in":   issued.ExpiresIn,
	})
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Token            string `json:"token"`
		ExpectedAudience string `json:"expected_audience"`
		EntitlementCode  string `json:"entitlement_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	result, err := s.tokens.Verify(r.Context(), token.VerifyRequest{
		Token:            req.Token,
		ExpectedAudience: req.ExpectedAudience,
		Code:             req.EntitlementCode,
	})
	if err != nil {
		s.logger.Error("token verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification unavailable")
		return
	}
	// Both outcomes are 200; valid:false is an expected result.
	writeJSON(w, http.StatusOK, result)
}

// --- Billing webhook ---

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !s.validWebhookSignature(body, r.Header.Get("X-Caphub-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var ev billing.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}

	var sub billing.SubscriptionEvent
	if err := json.Unmarshal(ev.Data, &sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event data")
		return
	}

	switch ev.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated:
		err = s.syncer.HandleSubscriptionChange(r.Context(), &sub)
	case billing.EventSubscriptionDeleted:
		err = s.syncer.HandleSubscriptionDeleted(r.Context(), &sub)
	default:
		s.logger.Debug("ignoring webhook event", "type", ev.Type)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err != nil {
		s.writeBillingError(w, err, "failed to process event")
		return
	}

	s.audit(r, "billing.event", sub.CustomerID, fmt.Sprintf(`{"type":%q,"subscription_id":%q}`, ev.Type, sub.SubscriptionID))
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) validWebhookSignature(body []byte, signature string) bool {
	if s.webhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// --- Admin handlers ---

// handleLinkCustomer establishes (or corrects) the subject -> billing
// customer mapping.
func (s *Server) handleLinkCustomer(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		SubjectID         string `json:"subject_id"`
		Email             string `json:"email"`
		BillingCustomerID string `json:"billing_customer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" || req.BillingCustomerID == "" {
		writeError(w, http.StatusBadRequest, "subject_id and billing_customer_id are required")
		return
	}

	existing, err := s.store.GetCustomerBySubject(r.Context(), req.SubjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resolve customer")
		return
	}

	customer := existing
	if customer == nil {
		customer = &store.Customer{
			ID:        uuid.New().String(),
			SubjectID: req.SubjectID,
			CreatedAt: time.Now(),
		}
	}
	customer.BillingCustomerID = req.BillingCustomerID
	if req.Email != "" {
		customer.Email = req.Email
	}

	if err := s.store.UpsertCustomer(r.Context(), customer); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to link customer")
		return
	}

	s.audit(r, "customer.linked", req.BillingCustomerID, fmt.Sprintf(`{"subject_id":%q}`, req.SubjectID))
	writeJSON(w, http.StatusOK, customer)
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListAuditEvents(r.Context(), 100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Helpers ---

// audit records an audit event; failures are logged and never affect the
// primary operation.
func (s *Server) audit(r *http.Request, action, customerID, detail string) {
	ev := &store.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		CustomerID: customerID,
		CreatedAt:  time.Now(),
	}
	if detail != "" {
		ev.Detail = json.RawMessage(detail)
	}
	if err := s.store.LogAuditEvent(r.Context(), ev); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// writeBillingError maps billing failures: a missing price mapping is a
// configuration fault (5xx, operator must fix the catalog).
func (s *Server) writeBillingError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, billing.ErrMappingUnavailable) {
		s.logger.Error("price mapping unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "price mapping unavailable")
		return
	}
	s.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
