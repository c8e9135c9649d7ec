/**
 * @description
 * Session middleware for the storefront API. Signing in is optional: requests without
 * an Authorization header continue as guests, while a bearer token that is present
 * must verify against the identity provider's JWKS or the request is rejected.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and validation.
 * - golang.org/x/sync/singleflight: Collapses concurrent JWKS refreshes into one fetch.
 */

package api

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aminofabian/fnms-sub000/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const jwksCacheTTL = 10 * time.Minute

// IdentityResolver maps a verified token subject to the storefront identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, subject string) (domain.Identity, error)
}

type contextKey string

const (
	identityContextKey contextKey = "identity"
	subjectContextKey  contextKey = "authSubject"
)

// WithIdentity stores the caller identity and its token subject on the context.
func WithIdentity(ctx context.Context, identity domain.Identity, subject string) context.Context {
	ctx = context.WithValue(ctx, identityContextKey, identity)
	return context.WithValue(ctx, subjectContextKey, subject)
}

// IdentityFromContext returns the caller identity. Guests get the zero Identity.
func IdentityFromContext(ctx context.Context) domain.Identity {
	identity, _ := ctx.Value(identityContextKey).(domain.Identity)
	return identity
}

// SubjectFromContext returns the verified token subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(subjectContextKey).(string)
	return subject, ok && subject != ""
}

// SessionAuthenticator validates bearer tokens issued by the identity provider.
type SessionAuthenticator struct {
	jwksURL  string
	issuer   string
	audience string
	resolver IdentityResolver
	client   *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	refresh   singleflight.Group
}

func NewSessionAuthenticator(jwksURL, issuer, audience string, resolver IdentityResolver) *SessionAuthenticator {
	return &SessionAuthenticator{
		jwksURL:  jwksURL,
		issuer:   issuer,
		audience: audience,
		resolver: resolver,
		client:   &http.Client{Timeout: 10 * time.Second},
		keys:     map[string]*rsa.PublicKey{},
	}
}

// Middleware attaches the caller identity to the request context.
func (a *SessionAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
			writeError(w, http.StatusUnauthorized, "Invalid Authorization header format")
			return
		}

		subject, err := a.verify(r.Context(), tokenString)
		if err != nil {
			log.Printf("level=warn component=api msg=\"token rejected\" err=%v", err)
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		identity, err := a.resolver.ResolveIdentity(r.Context(), subject)
		if err != nil {
			log.Printf("level=warn component=api msg=\"session subject has no storefront account\" subject=%s err=%v", subject, err)
			writeError(w, http.StatusUnauthorized, "Account not found")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity, subject)))
	})
}

func (a *SessionAuthenticator) verify(ctx context.Context, tokenString string) (string, error) {
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})}
	if a.issuer != "" {
		options = append(options, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		options = append(options, jwt.WithAudience(a.audience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("kid not found in token header")
		}
		return a.publicKey(ctx, kid)
	}, options...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", errors.New("subject not found in token")
	}
	return subject, nil
}

// publicKey serves keys from the cache and refetches the JWKS when the kid is unknown or the
// cache is stale, which picks up key rotation without a restart.
func (a *SessionAuthenticator) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	key, ok := a.keys[kid]
	fresh := time.Since(a.fetchedAt) < jwksCacheTTL
	a.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	_, err, _ := a.refresh.Do("jwks", func() (interface{}, error) {
		return nil, a.fetchKeys(ctx)
	})
	if err != nil {
		if ok {
			log.Printf("level=warn component=api msg=\"jwks refresh failed; using cached key\" kid=%s err=%v", kid, err)
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	key, ok = a.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (a *SessionAuthenticator) fetchKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
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
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			log.Printf("level=warn component=api msg=\"skipping malformed jwk\" kid=%s err=%v", k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}

	a.mu.Lock()
	a.keys = keys
	a.fetchedAt = time.Now()
	a.mu.Unlock()
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

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
