// Package repo implements the data persistence layer for domain entities.
// This file holds the IdentityMapping queries.
//
// Usage pattern:
//
//	m, err := repo.GetIdentityByExternalID(ctx, db, "alice")
//	if errors.Is(err, repo.ErrNotFound) {
//	    // provision
//	}
package repo

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// IdentityFilter narrows ListIdentities.
type IdentityFilter struct {
	ExcludeBots       bool
	ExcludeExternalID string
	TenantID          *int64
	Search            string // case-insensitive display-name substring
}

// GetIdentityByExternalID returns the mapping for an external identity id.
func GetIdentityByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*domain.IdentityMapping, error) {
	var m domain.IdentityMapping
	if err := db.WithContext(ctx).Where("external_id = ?", externalID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetIdentityByMatrixID returns the mapping owning a chat account id.
func GetIdentityByMatrixID(ctx context.Context, db *gorm.DB, matrixUserID string) (*domain.IdentityMapping, error) {
	var m domain.IdentityMapping
	if err := db.WithContext(ctx).Where("matrix_user_id = ?", matrixUserID).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// GetIdentity returns the mapping by primary key.
func GetIdentity(ctx context.Context, db *gorm.DB, id uint) (*domain.IdentityMapping, error) {
	var m domain.IdentityMapping
	if err := db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// CreateIdentity inserts m and returns ErrDuplicate on a unique violation of
// either the external id or the chat account id.
func CreateIdentity(ctx context.Context, db *gorm.DB, m *domain.IdentityMapping) error {
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// InsertOrFetchIdentity inserts m, or returns the row that won a concurrent
// insert for the same external id. created reports which happened.
func InsertOrFetchIdentity(ctx context.Context, db *gorm.DB, m *domain.IdentityMapping) (out *domain.IdentityMapping, created bool, err error) {
	err = CreateIdentity(ctx, db, m)
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, false, err
	}
	existing, err := GetIdentityByExternalID(ctx, db, m.ExternalID)
	if err != nil {
		// The conflict came from the chat account id of another identity.
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrDuplicate
		}
		return nil, false, err
	}
	return existing, false, nil
}

// UpdateIdentity writes the given columns of the mapping with id.
func UpdateIdentity(ctx context.Context, db *gorm.DB, id uint, fields map[string]any) error {
	res := db.WithContext(ctx).Model(&domain.IdentityMapping{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdentities returns mappings ordered by display name.
func ListIdentities(ctx context.Context, db *gorm.DB, f IdentityFilter) ([]domain.IdentityMapping, error) {
	q := db.WithContext(ctx).Model(&domain.IdentityMapping{})
	if f.ExcludeBots {
		q = q.Where("is_bot = ?", false)
	}
	if f.ExcludeExternalID != "" {
		q = q.Where("external_id <> ?", f.ExcludeExternalID)
	}
	if f.TenantID != nil {
		q = q.Where("tenant_id = ?", *f.TenantID)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		q = q.Where("LOWER(display_name) LIKE ?", "%"+strings.ToLower(s)+"%")
	}
	var out []domain.IdentityMapping
	if err := q.Order("display_name ASC, id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListIdentitiesByMatrixIDs returns mappings keyed by chat account id.
func ListIdentitiesByMatrixIDs(ctx context.Context, db *gorm.DB, ids []string) (map[string]domain.IdentityMapping, error) {
	out := make(map[string]domain.IdentityMapping, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []domain.IdentityMapping
	if err := db.WithContext(ctx).Where("matrix_user_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.MatrixUserID] = r
	}
	return out, nil
}

// AllIdentities returns every mapping, used by the credential migration.
func AllIdentities(ctx context.Context, db *gorm.DB) ([]domain.IdentityMapping, error) {
	var out []domain.IdentityMapping
	if err := db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
