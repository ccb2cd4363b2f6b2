// Package services – ProvisioningService
//
// ProvisioningService creates chat accounts for identities and bots, stores
// their credentials through the vault, and manages optional third-party
// client access. Re-provisioning an already provisioned identity is a no-op.

package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/observability"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	accountPasswordBytes = 32
	clientPasswordBytes  = 24
	botLocalpartPrefix   = "bot_"
)

// ProvisionRequest describes the identity to provision.
type ProvisionRequest struct {
	ExternalID  string
	DisplayName string
	TenantID    *int64
	Role        string
}

// ProvisioningService owns chat account creation and credential storage.
type ProvisioningService struct {
	DB     *gorm.DB
	Matrix MatrixAPI
	Vault  Cipher
}

var lower = cases.Lower(language.Und)

// Localpart derives the chat account localpart of an external id: lowercased
// with whitespace replaced by underscores.
func Localpart(externalID string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, lower.String(strings.TrimSpace(externalID)))
}

// AccountID returns the chat account id an external id maps to.
func (s *ProvisioningService) AccountID(externalID string) string {
	return s.Matrix.UserID(Localpart(externalID))
}

// Provision ensures req.ExternalID has a chat account and a stored credential.
// An identity that already holds a credential is returned unchanged.
func (s *ProvisioningService) Provision(ctx context.Context, req ProvisionRequest) (*domain.IdentityMapping, error) {
	tr := otel.Tracer("services/ProvisioningService")
	ctx, span := tr.Start(ctx, "Provision", trace.WithAttributes(
		attribute.String("identity.external_id", req.ExternalID),
	))
	defer span.End()

	req.ExternalID = strings.TrimSpace(req.ExternalID)
	if req.ExternalID == "" {
		return nil, fmt.Errorf("%w: external id is required", ErrInvalidInput)
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}
	m, err := s.provision(ctx, req, Localpart(req.ExternalID), false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provision failed")
	}
	return m, err
}

// ProvisionBot ensures a bot identity named name exists with a chat account.
func (s *ProvisioningService) ProvisionBot(ctx context.Context, name, displayName string) (*domain.IdentityMapping, error) {
	tr := otel.Tracer("services/ProvisioningService")
	ctx, span := tr.Start(ctx, "ProvisionBot", trace.WithAttributes(attribute.String("bot.name", name)))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: bot name is required", ErrInvalidInput)
	}
	if displayName == "" {
		displayName = name
	}
	req := ProvisionRequest{ExternalID: name, DisplayName: displayName, Role: domain.RoleUser}
	return s.provision(ctx, req, botLocalpartPrefix+Localpart(name), true)
}

func (s *ProvisioningService) provision(ctx context.Context, req ProvisionRequest, localpart string, bot bool) (*domain.IdentityMapping, error) {
	existing, err := repo.GetIdentityByExternalID(ctx, s.DB, req.ExternalID)
	switch {
	case err == nil && existing.Provisioned():
		observability.Provisioning.WithLabelValues("existing").Inc()
		return existing, nil
	case err != nil && !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	var storedPassword string
	if existing != nil {
		localpart = localpartOf(existing.MatrixUserID, localpart)
		if existing.Password != "" {
			if pw, derr := s.Vault.Decrypt(existing.Password); derr == nil {
				storedPassword = pw
			}
		}
	}

	auth, password, err := s.registerOrLogin(ctx, localpart, storedPassword)
	if err != nil {
		observability.Provisioning.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Str("external_id", req.ExternalID).Msg("chat account provisioning failed")
		return nil, upstream("provision", err)
	}

	display := req.DisplayName
	if display == "" {
		display = req.ExternalID
	}
	if err := s.Matrix.SetDisplayName(ctx, auth.AccessToken, auth.UserID, display); err != nil {
		log.Warn().Err(err).Str("user", auth.UserID).Msg("set display name failed")
	}

	encToken, err := s.Vault.Encrypt(auth.AccessToken)
	if err != nil {
		return nil, err
	}
	encPassword, err := s.Vault.Encrypt(password)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		m := &domain.IdentityMapping{
			ExternalID:   req.ExternalID,
			MatrixUserID: auth.UserID,
			AccessToken:  encToken,
			Password:     encPassword,
			TenantID:     req.TenantID,
			DisplayName:  display,
			Role:         req.Role,
			IsBot:        bot,
		}
		out, created, err := repo.InsertOrFetchIdentity(ctx, s.DB, m)
		if err != nil {
			return nil, err
		}
		if created || out.Provisioned() {
			observability.Provisioning.WithLabelValues("created").Inc()
			return out, nil
		}
		// A shadow mapping won the race; attach our credential to it.
		existing = out
	}

	fields := map[string]any{
		"matrix_user_id": auth.UserID,
		"access_token":   encToken,
		"password":       encPassword,
		"display_name":   display,
	}
	if req.TenantID != nil {
		fields["tenant_id"] = *req.TenantID
	}
	if err := repo.UpdateIdentity(ctx, s.DB, existing.ID, fields); err != nil {
		return nil, err
	}
	observability.Provisioning.WithLabelValues("created").Inc()
	return repo.GetIdentity(ctx, s.DB, existing.ID)
}

// registerOrLogin registers localpart. When the name is taken it logs in
// with the stored password first and the freshly generated one second.
func (s *ProvisioningService) registerOrLogin(ctx context.Context, localpart, storedPassword string) (*matrix.AuthResponse, string, error) {
	password, err := randomSecret(accountPasswordBytes)
	if err != nil {
		return nil, "", err
	}
	auth, err := s.Matrix.Register(ctx, localpart, password)
	if err == nil {
		return auth, password, nil
	}
	if !matrix.IsMatrixError(err, matrix.ErrCodeUserInUse) {
		return nil, "", err
	}

	for _, pw := range []string{storedPassword, password} {
		if pw == "" {
			continue
		}
		auth, lerr := s.Matrix.Login(ctx, localpart, pw)
		if lerr == nil {
			return auth, pw, nil
		}
		err = lerr
	}
	return nil, "", fmt.Errorf("account %q exists and cannot be recovered: %w", localpart, err)
}

// Actor decrypts the credential of a provisioned mapping.
func (s *ProvisioningService) Actor(m *domain.IdentityMapping) (Actor, error) {
	if !m.Provisioned() {
		return Actor{}, ErrNotProvisioned
	}
	token, err := s.Vault.Decrypt(m.AccessToken)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ExternalID: m.ExternalID, AccountID: m.MatrixUserID, Token: token}, nil
}

// SetExternalAccess toggles third-party client access. Enabling it ensures
// a login password exists for the account, registering one if needed.
func (s *ProvisioningService) SetExternalAccess(ctx context.Context, externalID string, enabled bool) (*domain.IdentityMapping, error) {
	tr := otel.Tracer("services/ProvisioningService")
	ctx, span := tr.Start(ctx, "SetExternalAccess", trace.WithAttributes(
		attribute.String("identity.external_id", externalID),
		attribute.Bool("enabled", enabled),
	))
	defer span.End()

	m, err := repo.GetIdentityByExternalID(ctx, s.DB, externalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: identity %q", ErrNotFound, externalID)
		}
		return nil, err
	}
	fields := map[string]any{"external_client_enabled": enabled}

	if enabled {
		if !m.Provisioned() {
			return nil, ErrNotProvisioned
		}
		if m.Password == "" {
			password, err := randomSecret(clientPasswordBytes)
			if err != nil {
				return nil, err
			}
			localpart := localpartOf(m.MatrixUserID, Localpart(m.ExternalID))
			auth, err := s.Matrix.Register(ctx, localpart, password)
			if matrix.IsMatrixError(err, matrix.ErrCodeUserInUse) {
				auth, err = s.Matrix.Login(ctx, localpart, password)
			}
			if err != nil {
				span.RecordError(err)
				return nil, upstream("external_access", err)
			}
			encPassword, err := s.Vault.Encrypt(password)
			if err != nil {
				return nil, err
			}
			encToken, err := s.Vault.Encrypt(auth.AccessToken)
			if err != nil {
				return nil, err
			}
			fields["password"] = encPassword
			fields["access_token"] = encToken
		}
	}

	if err := repo.UpdateIdentity(ctx, s.DB, m.ID, fields); err != nil {
		return nil, err
	}
	return repo.GetIdentity(ctx, s.DB, m.ID)
}

// localpartOf extracts the localpart of "@local:server", or returns def.
func localpartOf(accountID, def string) string {
	if !strings.HasPrefix(accountID, "@") {
		return def
	}
	local, _, ok := strings.Cut(accountID[1:], ":")
	if !ok || local == "" {
		return def
	}
	return local
}

func randomSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Credential returns the decrypted chat credential of m.
func (s *ProvisioningService) Credential(m *domain.IdentityMapping) (string, error) {
	a, err := s.Actor(m)
	return a.Token, err
}
