package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"fiscal-inbox-go/internal/models"
)

// ConfigRepository persists the integration config. The table holds a single
// logical row; the oldest row wins if more than one exists.
type ConfigRepository struct {
	db *gorm.DB
}

func NewConfigRepository(db *gorm.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// Load returns the integration config or models.ErrNotFound
func (r *ConfigRepository) Load(ctx context.Context) (*models.IntegrationConfig, error) {
	var cfg models.IntegrationConfig
	result := r.db.WithContext(ctx).Order("id ASC").First(&cfg)
	if result.Error == nil {
		return &cfg, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	return nil, fmt.Errorf("database error loading integration config: %w", result.Error)
}

// Save creates the config or updates the existing row. The cursor of an
// existing row is preserved; a new row starts from the initial cursor.
func (r *ConfigRepository) Save(ctx context.Context, req models.IntegrationConfigRequest) (*models.IntegrationConfig, error) {
	env := req.Environment
	if env == "" {
		env = models.EnvironmentSandbox
	}
	region := strings.ToUpper(strings.TrimSpace(req.Region))
	if region == "" {
		region = models.DefaultRegion
	}

	existing, err := r.Load(ctx)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		cfg := models.IntegrationConfig{
			IssuerTaxID:       req.IssuerTaxID,
			CertificateRef:    req.CertificateRef,
			CertificateSecret: req.CertificateSecret,
			Cursor:            models.InitialCursor,
			Environment:       env,
			Region:            region,
			Enabled:           req.Enabled == nil || *req.Enabled,
		}
		if err := r.db.WithContext(ctx).Create(&cfg).Error; err != nil {
			return nil, fmt.Errorf("failed to create integration config: %w", err)
		}
		return &cfg, nil
	}

	updates := map[string]interface{}{
		"issuer_tax_id":      req.IssuerTaxID,
		"certificate_ref":    req.CertificateRef,
		"certificate_secret": req.CertificateSecret,
		"environment":        env,
		"region":             region,
		"updated_at":         time.Now(),
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if err := r.db.WithContext(ctx).Model(&models.IntegrationConfig{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update integration config: %w", err)
	}
	return r.Load(ctx)
}

// SetEnabled toggles whether scheduled cycles talk to the remote service
func (r *ConfigRepository) SetEnabled(ctx context.Context, enabled bool) (*models.IntegrationConfig, error) {
	existing, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	result := r.db.WithContext(ctx).Model(&models.IntegrationConfig{}).
		Where("id = ?", existing.ID).
		Updates(map[string]interface{}{"enabled": enabled, "updated_at": time.Now()})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update integration config: %w", result.Error)
	}
	existing.Enabled = enabled
	return existing, nil
}

// AdvanceCursor replaces the cursor of config id, but only if it still holds
// from. It returns models.ErrCursorConflict otherwise.
func (r *ConfigRepository) AdvanceCursor(ctx context.Context, id uint, from, to string) error {
	result := r.db.WithContext(ctx).Model(&models.IntegrationConfig{}).
		Where("id = ? AND feed_cursor = ?", id, from).
		Updates(map[string]interface{}{"feed_cursor": to, "updated_at": time.Now()})
	if result.Error != nil {
		return fmt.Errorf("failed to advance cursor: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.ErrCursorConflict
	}
	return nil
}
