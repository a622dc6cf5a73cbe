package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"fiscal-inbox-go/internal/models"
)

// RunRepository keeps the history of ingestion cycles
type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

func (r *RunRepository) RecordRun(ctx context.Context, run *models.SyncRun) error {
	result := r.db.WithContext(ctx).Create(run)
	if result.Error != nil {
		return fmt.Errorf("failed to record sync run: %w", result.Error)
	}
	return nil
}

func (r *RunRepository) List(ctx context.Context, status string, page, limit int) ([]models.SyncRun, int64, error) {
	offset, limit := paginate(page, limit)

	query := r.db.WithContext(ctx).Model(&models.SyncRun{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count sync runs: %w", err)
	}

	var runs []models.SyncRun
	if err := query.Order("started_at DESC").Offset(offset).Limit(limit).Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list sync runs: %w", err)
	}
	return runs, total, nil
}
