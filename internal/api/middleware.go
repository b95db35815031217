package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orvio-apps/caphub/internal/auth"
	"github.com/orvio-apps/caphub/internal/store"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	customerKey contextKey = "customer"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenStr := authHeader[7:]
		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

// ensureCustomerMiddleware resolves the authenticated subject to its customer
// row, auto-provisioning one on first sight. The billing customer ID stays
// empty until the mapping is established, which simply means the customer has
// no entitlements yet.
func (s *Server) ensureCustomerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		customer, err := s.store.GetCustomerBySubject(ctx, identity.SubjectID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve customer")
			return
		}
		if customer == nil {
			customer = &store.Customer{
				ID:        uuid.New().String(),
				SubjectID: identity.SubjectID,
				Email:     identity.Email,
				CreatedAt: time.Now(),
			}
			if err := s.store.UpsertCustomer(ctx, customer); err != nil {
				writeError(w, http.StatusInternalServerError, "failed to provision customer")
				return
			}
		}

		ctx = context.WithValue(ctx, customerKey, customer)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getCustomerFromContext(ctx context.Context) *store.Customer {
	customer, _ := ctx.Value(customerKey).(*store.Customer)
	return customer
}

// apiKeyMiddleware guards the verification endpoint with a static shared
// secret presented in the X-API-Key header.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || !s.validAPIKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validAPIKey(presented string) bool {
	for _, k := range s.verifyKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			return true
		}
	}
	return false
}

// requireAdmin rejects non-admin identities.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil || identity.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
