// Package siteauth authenticates the caller identity behind inter-site and
// site-to-registry REST calls: outbound calls carry a signed service
// token, and Middleware attaches a verified caller's site ID to the
// request context (GetRequester). The site REST surface does not read
// that ID; GET /assets/{id} checks may_access against its requester query
// parameter.
package siteauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ddm-net/ddm/internal/ddmerrors"
	"github.com/ddm-net/ddm/internal/logging"
)

const (
	ServiceTokenHeader = "X-Service-Token"
	ServiceIDHeader    = "X-Service-ID"

	DefaultTokenExpiry = 1 * time.Hour
)

type contextKey string

const requesterKey contextKey = "requester_site"

// WithRequester attaches the authenticated caller's site identifier to ctx.
func WithRequester(ctx context.Context, siteID string) context.Context {
	return context.WithValue(ctx, requesterKey, siteID)
}

// GetRequester extracts the authenticated caller's site identifier.
func GetRequester(ctx context.Context) string {
	if v, ok := ctx.Value(requesterKey).(string); ok {
		return v
	}
	return ""
}

// ServiceClaims are the JWT claims carried by a site-to-site bearer token.
type ServiceClaims struct {
	SiteID string `json:"site_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints bearer tokens a site presents to its peers, signed with
// a secret shared across the federation's deployment (out of scope: a
// production deployment would issue per-pair keys via the registry).
type TokenIssuer struct {
	secret []byte
	siteID string
	expiry time.Duration
}

func NewTokenIssuer(secret []byte, siteID string, expiry time.Duration) *TokenIssuer {
	if expiry == 0 {
		expiry = DefaultTokenExpiry
	}
	return &TokenIssuer{secret: secret, siteID: siteID, expiry: expiry}
}

func (i *TokenIssuer) Issue() (string, error) {
	now := time.Now()
	claims := &ServiceClaims{
		SiteID: i.siteID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.expiry)),
			Issuer:    i.siteID,
			Subject:   i.siteID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a bearer token, returning the claimed site ID.
func Verify(secret []byte, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", ddmerrors.Wrap(ddmerrors.AccessDenied, "invalid service token", err)
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid || claims.SiteID == "" {
		return "", ddmerrors.New(ddmerrors.AccessDenied, "invalid service token claims")
	}
	return claims.SiteID, nil
}

// RoundTripper injects a bearer token and the caller's site ID into
// outbound peer-site and registry HTTP calls.
type RoundTripper struct {
	base   http.RoundTripper
	issuer *TokenIssuer
}

func NewRoundTripper(base http.RoundTripper, issuer *TokenIssuer) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RoundTripper{base: base, issuer: issuer}
}

func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())

	token, err := t.issuer.Issue()
	if err != nil {
		return nil, err
	}
	clone.Header.Set(ServiceTokenHeader, token)
	clone.Header.Set(ServiceIDHeader, t.issuer.siteID)

	if traceID := logging.GetTraceID(req.Context()); traceID != "" && clone.Header.Get("X-Trace-ID") == "" {
		clone.Header.Set("X-Trace-ID", traceID)
	}

	return t.base.RoundTrip(clone)
}

// Middleware verifies the X-Service-Token header on inbound requests and
// attaches the requester's site ID to the request context.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get(ServiceTokenHeader)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}
			siteID, err := Verify(secret, tokenString)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			r = r.WithContext(WithRequester(r.Context(), siteID))
			next.ServeHTTP(w, r)
		})
	}
}
