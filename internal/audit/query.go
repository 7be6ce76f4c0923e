package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/models"
)

// Filters encapsulates optional filters when querying security events.
type Filters struct {
	UserID   string
	Kind     string
	Severity string
	Since    *time.Time
	Until    *time.Time
}

// ListOptions controls pagination and filtering for event queries.
type ListOptions struct {
	Page     int
	PageSize int
	Filters  Filters
}

// List returns paginated security events ordered by creation time descending.
func (l *Logger) List(ctx context.Context, opts ListOptions) ([]models.SecurityEvent, int64, error) {
	if l.db == nil {
		return nil, 0, errors.New("audit: db is required for queries")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	page := opts.Page
	if page <= 0 {
		page = 1
	}
	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}

	var (
		results []models.SecurityEvent
		total   int64
	)

	query := l.db.WithContext(ctx).Model(&models.SecurityEvent{})
	query = applyFilters(query, opts.Filters)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: count events: %w", err)
	}

	if err := query.
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("audit: list events: %w", err)
	}

	return results, total, nil
}

// CleanupOlderThan removes events older than the supplied retention window (in days).
// Retention sweeps are the only permitted deletion path for audit records.
func (l *Logger) CleanupOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if l.db == nil {
		return 0, errors.New("audit: db is required for cleanup")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if retentionDays <= 0 {
		return 0, errors.New("audit: retentionDays must be positive")
	}

	cutoff := l.now().AddDate(0, 0, -retentionDays)

	result := l.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.SecurityEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: cleanup events: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func applyFilters(query *gorm.DB, filters Filters) *gorm.DB {
	if filters.UserID != "" {
		query = query.Where("user_id = ?", filters.UserID)
	}
	if filters.Kind != "" {
		query = query.Where("kind = ?", filters.Kind)
	}
	if filters.Severity != "" {
		query = query.Where("severity = ?", filters.Severity)
	}
	if filters.Since != nil {
		query = query.Where("created_at >= ?", *filters.Since)
	}
	if filters.Until != nil {
		query = query.Where("created_at <= ?", *filters.Until)
	}
	return query
}
