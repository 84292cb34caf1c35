// Package auth provides bearer-token validation using JWKS.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/workspace/session-broker/internal/errs"
)

// Claims represents the JWT claims accepted by the broker.
type Claims struct {
	jwt.RegisteredClaims
	// Session optionally scopes the token to a single session.
	Session string `json:"session,omitempty"`
}

// AllowsSession reports whether the token may act on the given session.
func (c *Claims) AllowsSession(id string) bool {
	return c.Session == "" || c.Session == id
}

// JWTValidator validates JWTs against a key source.
type JWTValidator struct {
	keyfunc  jwt.Keyfunc
	audience string
	issuer   string
}

// NewJWTValidator creates a validator that fetches and caches keys from the
// JWKS endpoint.
func NewJWTValidator(jwksURL, issuer, audience string) (*JWTValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return NewJWTValidatorWithKeyfunc(k.Keyfunc, issuer, audience), nil
}

// NewJWTValidatorWithKeyfunc creates a validator using an explicit key lookup.
func NewJWTValidatorWithKeyfunc(kf jwt.Keyfunc, issuer, audience string) *JWTValidator {
	return &JWTValidator{keyfunc: kf, audience: audience, issuer: issuer}
}

// Validate validates a JWT token and returns the claims if valid.
func (v *JWTValidator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFrom returns the validated claims stored by Middleware, if any.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware rejects requests without a valid bearer token. WebSocket clients
// that cannot set headers may pass the token as the "token" query parameter.
// Paths listed in public are served without a token.
func (v *JWTValidator) Middleware(next http.Handler, public ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(public, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			Reject(w, errs.New(errs.Unauthorized, "missing bearer token"))
			return
		}
		claims, err := v.Validate(token)
		if err != nil {
			slog.Debug("Rejected token", "path", r.URL.Path, "error", err)
			Reject(w, errs.New(errs.Unauthorized, "invalid token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// Reject writes a 401 response in the broker's error shape.
func Reject(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`+"\n", errs.Unauthorized, errs.MessageOf(err))
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
