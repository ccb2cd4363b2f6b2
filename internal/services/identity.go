// Package services – IdentityResolver
//
// IdentityResolver turns a bearer token into an identity mapping. Provider
// tokens are tried first, then locally issued tokens. First sight of a
// provider identity provisions it; later sights refresh its display name,
// tenant, and role.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/auth"
	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Provisioner is the part of ProvisioningService the resolver depends on.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*domain.IdentityMapping, error)
	AccountID(externalID string) string
}

// IdentityResolver authenticates requests.
type IdentityResolver struct {
	DB          *gorm.DB
	Hub         *auth.HubValidator
	Tokens      *auth.TokenIssuer
	Provisioner Provisioner
}

// LoginResult is returned by a hub login exchange.
type LoginResult struct {
	AccessToken string                  `json:"access_token"`
	TokenType   string                  `json:"token_type"`
	ExpiresIn   int64                   `json:"expires_in"`
	User        *domain.IdentityMapping `json:"user"`
}

// Resolve authenticates token and returns the caller's mapping.
//
// When provisioning fails during resolution the caller is still
// authenticated: see degrade.
func (r *IdentityResolver) Resolve(ctx context.Context, token string) (*domain.IdentityMapping, error) {
	tr := otel.Tracer("services/IdentityResolver")
	ctx, span := tr.Start(ctx, "Resolve")
	defer span.End()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthentication)
	}

	if r.Hub.Enabled() {
		if pid, err := r.Hub.Validate(token); err == nil {
			span.SetAttributes(attribute.String("identity.source", "provider"))
			return r.resolveProvider(ctx, pid)
		}
	}

	if r.Tokens == nil {
		return nil, fmt.Errorf("%w: invalid token", ErrAuthentication)
	}
	subject, err := r.Tokens.Validate(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	span.SetAttributes(attribute.String("identity.source", "local"), attribute.String("identity.external_id", subject))

	m, err := repo.GetIdentityByExternalID(ctx, r.DB, subject)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown identity", ErrAuthentication)
	}
	if err != nil {
		return nil, err
	}
	if !m.Provisioned() {
		m = r.provisionOrKeep(ctx, m, ProvisionRequest{
			ExternalID: m.ExternalID, DisplayName: m.DisplayName, TenantID: m.TenantID, Role: m.Role,
		})
	}
	return m, nil
}

func (r *IdentityResolver) resolveProvider(ctx context.Context, pid *auth.ProviderIdentity) (*domain.IdentityMapping, error) {
	req := ProvisionRequest{
		ExternalID:  pid.ExternalID,
		DisplayName: pid.DisplayName,
		TenantID:    pid.TenantID,
		Role:        pid.Role,
	}

	m, err := repo.GetIdentityByExternalID(ctx, r.DB, pid.ExternalID)
	if errors.Is(err, repo.ErrNotFound) {
		out, perr := r.Provisioner.Provision(ctx, req)
		if perr == nil {
			return out, nil
		}
		return r.degrade(ctx, req, perr)
	}
	if err != nil {
		return nil, err
	}

	m, err = r.refresh(ctx, m, pid)
	if err != nil {
		return nil, err
	}
	if !m.Provisioned() {
		m = r.provisionOrKeep(ctx, m, req)
	}
	return m, nil
}

// degrade is the availability-first policy for a first-seen identity whose
// provisioning failed: the caller is authenticated anyway with a mapping
// that has no credential. Operations needing one fail with
// ErrNotProvisioned, and the next resolution retries provisioning.
func (r *IdentityResolver) degrade(ctx context.Context, req ProvisionRequest, cause error) (*domain.IdentityMapping, error) {
	log.Warn().Err(cause).Str("external_id", req.ExternalID).Msg("provisioning failed, continuing without chat account")

	shadow := &domain.IdentityMapping{
		ExternalID:   req.ExternalID,
		MatrixUserID: r.Provisioner.AccountID(req.ExternalID),
		DisplayName:  req.DisplayName,
		TenantID:     req.TenantID,
		Role:         req.Role,
	}
	if shadow.DisplayName == "" {
		shadow.DisplayName = req.ExternalID
	}
	out, _, err := repo.InsertOrFetchIdentity(ctx, r.DB, shadow)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// provisionOrKeep retries provisioning of an existing mapping and keeps the
// mapping as is when that fails.
func (r *IdentityResolver) provisionOrKeep(ctx context.Context, m *domain.IdentityMapping, req ProvisionRequest) *domain.IdentityMapping {
	out, err := r.Provisioner.Provision(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("external_id", m.ExternalID).Msg("provisioning retry failed")
		return m
	}
	return out
}

// refresh writes provider-asserted attributes that changed. A tenant is only
// overwritten when the provider asserts one.
func (r *IdentityResolver) refresh(ctx context.Context, m *domain.IdentityMapping, pid *auth.ProviderIdentity) (*domain.IdentityMapping, error) {
	fields := map[string]any{}
	if pid.DisplayName != "" && pid.DisplayName != m.DisplayName {
		fields["display_name"] = pid.DisplayName
		m.DisplayName = pid.DisplayName
	}
	if pid.TenantID != nil && !domain.SameTenant(pid.TenantID, m.TenantID) {
		fields["tenant_id"] = *pid.TenantID
		m.TenantID = pid.TenantID
	}
	if pid.Role != "" && pid.Role != m.Role {
		fields["role"] = pid.Role
		m.Role = pid.Role
	}
	if len(fields) == 0 {
		return m, nil
	}
	if err := repo.UpdateIdentity(ctx, r.DB, m.ID, fields); err != nil {
		return nil, err
	}
	log.Debug().Str("external_id", m.ExternalID).Interface("fields", fields).Msg("identity refreshed from provider")
	return m, nil
}

// Login exchanges a provider token for a locally issued token. Unlike
// Resolve, a provisioning failure here fails the login.
func (r *IdentityResolver) Login(ctx context.Context, providerToken string) (*LoginResult, error) {
	tr := otel.Tracer("services/IdentityResolver")
	ctx, span := tr.Start(ctx, "Login", trace.WithAttributes(attribute.Bool("hub.enabled", r.Hub.Enabled())))
	defer span.End()

	if !r.Hub.Enabled() || r.Tokens == nil {
		return nil, fmt.Errorf("%w: provider login is not configured", ErrAuthentication)
	}
	pid, err := r.Hub.Validate(strings.TrimSpace(providerToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	m, err := r.Provisioner.Provision(ctx, ProvisionRequest{
		ExternalID:  pid.ExternalID,
		DisplayName: pid.DisplayName,
		TenantID:    pid.TenantID,
		Role:        pid.Role,
	})
	if err != nil {
		return nil, err
	}
	if m, err = r.refresh(ctx, m, pid); err != nil {
		return nil, err
	}

	token, err := r.Tokens.Issue(m.ExternalID)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(r.Tokens.TTL().Seconds()),
		User:        m,
	}, nil
}
