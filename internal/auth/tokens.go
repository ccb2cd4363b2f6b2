// Package auth validates bearer tokens: tokens issued by the external
// identity provider ("hub") and tokens issued locally after a hub login.
// Both are HS256 JWTs with distinct secrets.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// ErrInvalidToken covers malformed, expired, wrongly signed, or wrongly
// issued tokens.
var ErrInvalidToken = errors.New("invalid token")

// HubClaims are the claims asserted by the identity provider.
type HubClaims struct {
	Role        string `json:"role,omitempty"`
	TenantID    *int64 `json:"tenant_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// ProviderIdentity is a validated provider assertion with the role already
// mapped to a local role.
type ProviderIdentity struct {
	ExternalID   string
	DisplayName  string
	Role         string
	ProviderRole string
	TenantID     *int64
}

var roleMap = map[string]string{
	"super_admin": domain.RoleAdmin,
	"admin":       domain.RoleAdmin,
	"manager":     domain.RoleUser,
	"user":        domain.RoleUser,
	"viewer":      domain.RoleViewer,
}

// MapRole translates a provider role to a local role. Unknown roles map to viewer.
func MapRole(providerRole string) string {
	if r, ok := roleMap[strings.ToLower(strings.TrimSpace(providerRole))]; ok {
		return r
	}
	return domain.RoleViewer
}

// HubValidator validates provider tokens. A nil *HubValidator is valid and
// reports Enabled() == false.
type HubValidator struct {
	secret []byte
	issuer string
}

// NewHubValidator returns nil when secret is empty, which disables provider tokens.
func NewHubValidator(secret, issuer string) *HubValidator {
	if secret == "" {
		return nil
	}
	return &HubValidator{secret: []byte(secret), issuer: issuer}
}

// Enabled reports whether provider tokens are accepted.
func (v *HubValidator) Enabled() bool { return v != nil }

// Validate checks signature, expiry, and issuer, and requires a subject.
func (v *HubValidator) Validate(tokenString string) (*ProviderIdentity, error) {
	if !v.Enabled() {
		return nil, fmt.Errorf("%w: provider tokens disabled", ErrInvalidToken)
	}
	var claims HubClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(v.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	display := claims.DisplayName
	if display == "" {
		display = claims.Subject
	}
	return &ProviderIdentity{
		ExternalID:   claims.Subject,
		DisplayName:  display,
		Role:         MapRole(claims.Role),
		ProviderRole: claims.Role,
		TenantID:     claims.TenantID,
	}, nil
}

// IssueHubToken signs a provider token. It exists for tests and local tooling
// that stand in for the provider.
func IssueHubToken(secret, issuer string, claims HubClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenIssuer issues and validates local tokens whose subject is the external id.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer requires a non-empty secret and positive ttl.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("auth: SECRET_KEY is required")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: token ttl must be positive")
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

// TTL returns the lifetime of issued tokens.
func (i *TokenIssuer) TTL() time.Duration { return i.ttl }

// Issue signs a local token for externalID.
func (i *TokenIssuer) Issue(externalID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   externalID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Validate returns the subject of a valid local token.
func (i *TokenIssuer) Validate(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
