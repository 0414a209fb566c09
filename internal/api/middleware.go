/**
 * @description
 * Custom middleware for the transfer-service router: bearer-token
 * authentication against a JWKS endpoint, the shared-secret guard for
 * internal routes, and Redis-backed rate limiting for the public claim pages.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: token parsing and validation.
 * - github.com/go-chi/chi/v5: route patterns for the access log.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	applog "github.com/omoke1/Flowpay-sub000/pkg/log"
)

// SenderIDContextKey is a custom type for the context key to avoid collisions.
type SenderIDContextKey string

const senderIDKey SenderIDContextKey = "senderID"

const (
	jwksCacheTTL = 10 * time.Minute

	// Unknown kids trigger at most one refetch per interval.
	jwksMinRefreshInterval = 30 * time.Second
)

// JWKSKeySource resolves RSA verification keys by kid, caching the key set.
type JWKSKeySource struct {
	url    string
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu   sync.Mutex
	lastAttempt time.Time
	minRefresh  time.Duration
}

func NewJWKSKeySource(jwksURL string) *JWKSKeySource {
	return &JWKSKeySource{
		url:        jwksURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		keys:       make(map[string]*rsa.PublicKey),
		minRefresh: jwksMinRefreshInterval,
	}
}

// Keyfunc satisfies jwt.Keyfunc.
func (s *JWKSKeySource) Keyfunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("kid not found in token header")
	}

	s.mu.RLock()
	key, found := s.keys[kid]
	fresh := time.Since(s.fetchedAt) < jwksCacheTTL
	s.mu.RUnlock()
	if found && fresh {
		return key, nil
	}

	// Unknown kid or stale cache: refetch, which also picks up rotated keys.
	if err := s.refreshThrottled(); err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// refreshThrottled serialises refetches and skips them inside minRefresh of
// the previous attempt, so tokens with made-up kids cannot drive traffic to
// the JWKS endpoint.
func (s *JWKSKeySource) refreshThrottled() error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !s.lastAttempt.IsZero() && time.Since(s.lastAttempt) < s.minRefresh {
		return nil
	}
	s.lastAttempt = time.Now()
	return s.refresh()
}

func (s *JWKSKeySource) refresh() error {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "" && k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			applog.API.Warn().Str("kid", k.Kid).Err(err).Msg("skipping malformed jwks key")
			continue
		}
		keys[k.Kid] = pub
	}

	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	if len(nb) == 0 || len(eb) == 0 || len(eb) > 4 {
		return nil, fmt.Errorf("invalid rsa key parameters")
	}

	var exp int
	for _, b := range eb {
		exp = exp<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: exp}, nil
}

// AuthMiddleware validates bearer tokens and stores the subject as the sender id.
// Audience and issuer are enforced only when set.
func AuthMiddleware(keyfunc jwt.Keyfunc, audience, issuer string) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid Authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, keyfunc, opts...)
			if err != nil || !token.Valid {
				applog.API.Debug().Err(err).Msg("rejected bearer token")
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Invalid token")
				return
			}

			subject, err := token.Claims.GetSubject()
			if err != nil || subject == "" {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Subject not found in token")
				return
			}

			ctx := context.WithValue(r.Context(), senderIDKey, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSenderID retrieves the authenticated sender id from the request context.
func GetSenderID(ctx context.Context) (string, bool) {
	senderID, ok := ctx.Value(senderIDKey).(string)
	return senderID, ok
}

// InternalAuthMiddleware guards server-to-server routes. An empty key denies
// every request.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := r.Header.Get("X-Internal-API-Key")
			if requiredKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter is satisfied by app.RedisRateLimiter.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RateLimitMiddleware limits each client address to limit requests per minute
// for scope. Limiter errors fail open.
func RateLimitMiddleware(limiter RateLimiter, scope string, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			count, retryAfter, err := limiter.ConsumeRateLimit(r.Context(), scope, clientAddress(r), limit, time.Minute)
			if err != nil {
				applog.API.Warn().Str("scope", scope).Err(err).Msg("rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if count > limit {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many requests. Please try again later.")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger writes one access log line per request. It records the matched
// route pattern rather than the raw path so claim tokens never reach the logs.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			applog.API.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", routePattern(r)).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// clientAddress expects chi's RealIP middleware to have normalised RemoteAddr.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
