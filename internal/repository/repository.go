package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fiscal-inbox-go/internal/models"
)

const maxPageSize = 100

// Repositories groups the stores backed by one database
type Repositories struct {
	Configs     *ConfigRepository
	Documents   *DocumentRepository
	Obligations *ObligationRepository
	Runs        *RunRepository
}

func New(db *gorm.DB) *Repositories {
	return &Repositories{
		Configs:     NewConfigRepository(db),
		Documents:   NewDocumentRepository(db),
		Obligations: NewObligationRepository(db),
		Runs:        NewRunRepository(db),
	}
}

// paginate clamps page and limit and returns the row offset
func paginate(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageSize {
		limit = 20
	}
	return (page - 1) * limit, limit
}

// DocumentRepository stores ingested documents. Access keys are unique and
// rows are never deleted.
type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Exists(ctx context.Context, accessKey string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.IngestedDocument{}).Where("access_key = ?", accessKey).Count(&count)
	if result.Error != nil {
		return false, fmt.Errorf("database error checking access key: %w", result.Error)
	}
	return count > 0, nil
}

// Insert stores doc unless its access key is already present. It reports
// whether a row was written; a duplicate is not an error.
func (r *DocumentRepository) Insert(ctx context.Context, doc *models.IngestedDocument) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "access_key"}}, DoNothing: true}).
		Create(doc)
	if result.Error != nil {
		return false, fmt.Errorf("failed to insert document: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *DocumentRepository) Get(ctx context.Context, id uint) (*models.IngestedDocument, error) {
	var doc models.IngestedDocument
	result := r.db.WithContext(ctx).First(&doc, id)
	if result.Error == nil {
		return &doc, nil
	}
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	return nil, fmt.Errorf("database error loading document: %w", result.Error)
}

// List returns a page of documents, newest first, optionally filtered by status
func (r *DocumentRepository) List(ctx context.Context, status models.DocumentStatus, page, limit int) ([]models.IngestedDocument, int64, error) {
	offset, limit := paginate(page, limit)

	query := r.db.WithContext(ctx).Model(&models.IngestedDocument{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	query = query.Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	var docs []models.IngestedDocument
	if err := query.Order("imported_at DESC, id DESC").Offset(offset).Limit(limit).Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// ListPending returns every pending document in import order
func (r *DocumentRepository) ListPending(ctx context.Context) ([]models.IngestedDocument, error) {
	var docs []models.IngestedDocument
	result := r.db.WithContext(ctx).Where("status = ?", models.StatusPending).Order("imported_at ASC, id ASC").Find(&docs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending documents: %w", result.Error)
	}
	return docs, nil
}

func (r *DocumentRepository) CountByStatus(ctx context.Context) (models.InboxStats, error) {
	var rows []struct {
		Status models.DocumentStatus
		Count  int64
	}
	result := r.db.WithContext(ctx).Model(&models.IngestedDocument{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows)
	if result.Error != nil {
		return models.InboxStats{}, fmt.Errorf("failed to count documents: %w", result.Error)
	}

	var stats models.InboxStats
	for _, row := range rows {
		switch row.Status {
		case models.StatusPending:
			stats.Pending = row.Count
		case models.StatusProcessed:
			stats.Processed = row.Count
		case models.StatusIgnored:
			stats.Ignored = row.Count
		}
		stats.Total += row.Count
	}
	return stats, nil
}

// Accept moves document id from PENDING to PROCESSED and stores obligation in
// the same transaction. It returns models.ErrInvalidState if the document was
// no longer pending, in which case nothing is written.
func (r *DocumentRepository) Accept(ctx context.Context, id uint, obligation *models.PayableObligation, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transition(tx, id, models.StatusProcessed, map[string]interface{}{"processed_at": at}); err != nil {
			return err
		}

		obligation.SourceDocumentID = id
		if err := tx.Create(obligation).Error; err != nil {
			return fmt.Errorf("failed to create payable obligation: %w", err)
		}

		result := tx.Model(&models.IngestedDocument{}).Where("id = ?", id).Update("linked_obligation_id", obligation.ID)
		if result.Error != nil {
			return fmt.Errorf("failed to link payable obligation: %w", result.Error)
		}
		return nil
	})
}

// Ignore moves document id from PENDING to IGNORED
func (r *DocumentRepository) Ignore(ctx context.Context, id uint, notes string, at time.Time) error {
	return transition(r.db.WithContext(ctx), id, models.StatusIgnored, map[string]interface{}{
		"ignored_at": at,
		"notes":      notes,
	})
}

// transition is a compare-and-set on status: the update only applies while
// the row is still pending.
func transition(db *gorm.DB, id uint, to models.DocumentStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	result := db.Model(&models.IngestedDocument{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update document status: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&models.IngestedDocument{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("database error loading document: %w", err)
	}
	if count == 0 {
		return models.ErrNotFound
	}
	return models.ErrInvalidState
}
