// Package token issues and verifies short-lived entitlement assertions for
// downstream consumer apps. Tokens are standard HS256 JWTs and are never
// persisted; the fixed TTL is the only revocation mechanism.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orvio-apps/caphub/internal/entitlement"
	"github.com/orvio-apps/caphub/internal/project"
)

var (
	// ErrNotEntitled means the customer has no usable entitlement to assert.
	ErrNotEntitled = errors.New("not entitled")
	// ErrAudienceNotAllowed means the requested audience is not the
	// capability's current project.
	ErrAudienceNotAllowed = errors.New("audience not allowed")
)

// Verification failure reasons. These are expected outcomes, not errors.
const (
	ReasonExpired           = "expired"
	ReasonBadSignature      = "bad signature"
	ReasonMalformed         = "malformed token"
	ReasonNotEntitled       = "not entitled"
	ReasonAudienceMismatch  = "audience mismatch"
	ReasonSelectionMismatch = "selection mismatch"
)

// Claims is the signed token payload.
type Claims struct {
	CustomerID   string   `json:"cus"`
	Entitlements []string `json:"ent"`
	jwt.RegisteredClaims
}

// Service issues and verifies entitlement tokens. Both paths re-derive
// usability from the ledger through the same policy code.
type Service struct {
	secret    []byte
	issuer    string
	ttl       time.Duration
	ledger    *entitlement.Ledger
	scheduler *project.Scheduler
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a token Service.
func NewService(secret, issuer string, ttl time.Duration, ledger *entitlement.Ledger, scheduler *project.Scheduler, logger *slog.Logger) *Service {
	return &Service{
		secret:    []byte(secret),
		issuer:    issuer,
		ttl:       ttl,
		ledger:    ledger,
		scheduler: scheduler,
		logger:    logger.With("component", "token"),
		now:       time.Now,
	}
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// IssueRequest optionally narrows a token to one capability and one audience
// (the downstream project that will consume it).
type IssueRequest struct {
	Code     string
	Audience string
}

// Issued is the result of a successful issuance.
type Issued struct {
	Token        string   `json:"token"`
	Entitlements []string `json:"entitlements"`
	CustomerID   string   `json:"customer_id"`
	ExpiresIn    int      `json:"expires_in"`
}

// Issue signs an assertion of the customer's usable entitlements. When an
// audience is requested, the capability's current project (after roll-forward)
// must match it case-insensitively.
func (s *Service) Issue(ctx context.Context, subjectID, customerID string, req IssueRequest) (*Issued, error) {
	now := s.now().UTC()

	usable, err := s.ledger.ListUsable(ctx, customerID, now)
	if err != nil {
		return nil, fmt.Errorf("list usable entitlements: %w", err)
	}
	if len(usable) == 0 {
		return nil, ErrNotEntitled
	}

	codes := make([]string, len(usable))
	for i, e := range usable {
		codes[i] = e.Code
	}

	var audience []string
	if req.Audience != "" {
		code, err := pickCode(req.Code, codes)
		if err != nil {
			return nil, err
		}
		sel, err := s.scheduler.GetCurrent(ctx, customerID, code)
		if err != nil {
			return nil, fmt.Errorf("get current project: %w", err)
		}
		if sel == nil || !strings.EqualFold(sel.CurrentProject, req.Audience) {
			return nil, ErrAudienceNotAllowed
		}
		audience = []string{req.Audience}
	}

	claims := &Claims{
		CustomerID:   customerID,
		Entitlements: codes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    s.issuer,
			Audience:  audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Issued{
		Token:        signed,
		Entitlements: codes,
		CustomerID:   customerID,
		ExpiresIn:    int(s.ttl.Seconds()),
	}, nil
}

// VerifyRequest carries a presented token plus the caller's expectations.
type VerifyRequest struct {
	Token            string
	ExpectedAudience string
	Code             string
}

// Result is the verification outcome. Valid=false with a reason is a normal
// response, not an error; errors are reserved for store failures.
type Result struct {
	Valid        bool     `json:"valid"`
	Sub          string   `json:"sub,omitempty"`
	CustomerID   string   `json:"customer_id,omitempty"`
	Entitlements []string `json:"entitlements,omitempty"`
	Exp          int64    `json:"exp,omitempty"`
	Aud          string   `json:"aud,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

func invalid(reason string) *Result {
	return &Result{Valid: false, Reason: reason}
}

// Verify checks signature and expiry, then independently re-derives the
// usable entitlement set from the ledger — the codes embedded in the token
// are never trusted. When an audience is expected, the scheduler's current
// project is re-checked at verification time, so a project switch taking
// effect mid-token-lifetime invalidates the audience claim immediately.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Result, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(req.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return invalid(ReasonExpired), nil
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return invalid(ReasonBadSignature), nil
		default:
			return invalid(ReasonMalformed), nil
		}
	}
	if !tok.Valid {
		return invalid(ReasonBadSignature), nil
	}

	now := s.now().UTC()
	usable, err := s.ledger.ListUsable(ctx, claims.CustomerID, now)
	if err != nil {
		return nil, fmt.Errorf("list usable entitlements: %w", err)
	}
	if len(usable) == 0 {
		return invalid(ReasonNotEntitled), nil
	}
	codes := make([]string, len(usable))
	for i, e := range usable {
		codes[i] = e.Code
	}

	if req.Code != "" && !containsFold(codes, req.Code) {
		return invalid(ReasonNotEntitled), nil
	}

	tokenAud := ""
	if len(claims.Audience) > 0 {
		tokenAud = claims.Audience[0]
	}

	if req.ExpectedAudience != "" {
		if tokenAud == "" || !strings.EqualFold(tokenAud, req.ExpectedAudience) {
			return invalid(ReasonAudienceMismatch), nil
		}
		code, err := pickCode(req.Code, codes)
		if err != nil {
			return invalid(ReasonNotEntitled), nil
		}
		sel, err := s.scheduler.GetCurrent(ctx, claims.CustomerID, code)
		if err != nil {
			return nil, fmt.Errorf("get current project: %w", err)
		}
		if sel == nil || !strings.EqualFold(sel.CurrentProject, tokenAud) {
			// Expected after a project switch; callers refresh their token.
			s.logger.Debug("audience no longer matches current project",
				"customer_id", claims.CustomerID, "aud", tokenAud)
			return invalid(ReasonSelectionMismatch), nil
		}
	}

	exp := int64(0)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Unix()
	}
	return &Result{
		Valid:        true,
		Sub:          claims.Subject,
		CustomerID:   claims.CustomerID,
		Entitlements: codes,
		Exp:          exp,
		Aud:          tokenAud,
	}, nil
}

// pickCode returns the explicit code when given, else the first usable one.
func pickCode(explicit string, usable []string) (string, error) {
	if explicit == "" {
		if len(usable) == 0 {
			return "", ErrNotEntitled
		}
		return usable[0], nil
	}
	if !containsFold(usable, explicit) {
		return "", ErrNotEntitled
	}
	return explicit, nil
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
