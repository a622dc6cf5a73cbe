package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"fiscal-inbox-go/internal/models"
)

type ObligationRepository struct {
	db *gorm.DB
}

func NewObligationRepository(db *gorm.DB) *ObligationRepository {
	return &ObligationRepository{db: db}
}

func (r *ObligationRepository) List(ctx context.Context, page, limit int) ([]models.PayableObligation, int64, error) {
	offset, limit := paginate(page, limit)

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.PayableObligation{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count payable obligations: %w", err)
	}

	var obligations []models.PayableObligation
	result := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Offset(offset).Limit(limit).Find(&obligations)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list payable obligations: %w", result.Error)
	}
	return obligations, total, nil
}

// GetBySourceDocument returns the obligation created from document id
func (r *ObligationRepository) GetBySourceDocument(ctx context.Context, documentID uint) (*models.PayableObligation, error) {
	var obligation models.PayableObligation
	result := r.db.WithContext(ctx).Where("source_document_id = ?", documentID).First(&obligation)
	if result.Error == nil {
		return &obligation, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	return nil, fmt.Errorf("database error loading payable obligation: %w", result.Error)
}

// DueBetween returns obligations due in [from, to), earliest first. A zero
// bound is open.
func (r *ObligationRepository) DueBetween(ctx context.Context, from, to time.Time) ([]models.PayableObligation, error) {
	query := r.db.WithContext(ctx)
	if !from.IsZero() {
		query = query.Where("due_date >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("due_date < ?", to)
	}

	var obligations []models.PayableObligation
	if err := query.Order("due_date ASC, id ASC").Find(&obligations).Error; err != nil {
		return nil, fmt.Errorf("failed to list payable obligations by due date: %w", err)
	}
	return obligations, nil
}
