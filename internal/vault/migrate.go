package vault

import (
	"context"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/repo"
)

// MigrateIdentityMappings encrypts legacy plaintext credentials in place.
// All updates are committed in one transaction. A row that fails to encrypt
// is logged and skipped; the returned count covers the rows rewritten.
func (v *Vault) MigrateIdentityMappings(ctx context.Context, db *gorm.DB) (int, error) {
	rows, err := repo.AllIdentities(ctx, db)
	if err != nil {
		return 0, err
	}

	type pending struct {
		id     uint
		fields map[string]any
	}
	var updates []pending
	for _, m := range rows {
		fields := map[string]any{}
		ok := true
		for col, val := range map[string]string{"access_token": m.AccessToken, "password": m.Password} {
			if IsEncrypted(val) {
				continue
			}
			sealed, err := v.Encrypt(val)
			if err != nil {
				log.Warn().Err(err).Uint("mapping_id", m.ID).Str("field", col).Msg("credential migration: skipping row")
				ok = false
				break
			}
			fields[col] = sealed
		}
		if ok && len(fields) > 0 {
			updates = append(updates, pending{id: m.ID, fields: fields})
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, u := range updates {
			if err := tx.Model(&domain.IdentityMapping{}).Where("id = ?", u.id).UpdateColumns(u.fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Info().Int("rows", len(updates)).Msg("encrypted legacy plaintext credentials")
	return len(updates), nil
}
