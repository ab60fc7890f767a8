package repository

import (
	"context"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/gorm"
)

type ActiveAssignmentQuery struct {
	UserID  *uint
	AssetID *uint
}

type AssignmentRepository interface {
	Create(ctx context.Context, a *domain.Assignment) error
	// FindActiveByAsset returns the most recent open assignment for the asset.
	FindActiveByAsset(ctx context.Context, assetID uint) (*domain.Assignment, error)
	// MarkReturned closes an open assignment, failing with ErrStaleWrite if it
	// was already closed.
	MarkReturned(ctx context.Context, id uint, at time.Time) error
	ListActive(ctx context.Context, query ActiveAssignmentQuery) ([]domain.Assignment, error)
	// ListByAsset returns the asset's assignments newest first; limit <= 0
	// returns all of them.
	ListByAsset(ctx context.Context, assetID uint, limit int) ([]domain.Assignment, error)
	CountActive(ctx context.Context) (int64, error)
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
}

type GormAssignmentRepository struct{ db *gorm.DB }

func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &GormAssignmentRepository{db: db}
}

func (r *GormAssignmentRepository) Create(ctx context.Context, a *domain.Assignment) error {
	err := r.db.WithContext(ctx).Omit("Asset", "User").Create(a).Error
	observe(ctx, "assignment", "create", err)
	return TranslateStoreError(err)
}

func (r *GormAssignmentRepository) FindActiveByAsset(ctx context.Context, assetID uint) (*domain.Assignment, error) {
	var a domain.Assignment
	err := r.db.WithContext(ctx).
		Where("asset_id = ? AND returned_at IS NULL", assetID).
		Order("checked_out_at DESC").
		Order("id DESC").
		First(&a).Error
	observe(ctx, "assignment", "find_active_by_asset", err)
	if err != nil {
		return nil, notFoundAs(err, ErrAssignmentNotFound)
	}
	return &a, nil
}

func (r *GormAssignmentRepository) MarkReturned(ctx context.Context, id uint, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&domain.Assignment{}).
		Where("id = ? AND returned_at IS NULL", id).
		Update("returned_at", at)
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrStaleWrite
	}
	observe(ctx, "assignment", "mark_returned", err)
	return err
}

func (r *GormAssignmentRepository) ListActive(ctx context.Context, query ActiveAssignmentQuery) ([]domain.Assignment, error) {
	var out []domain.Assignment
	q := r.db.WithContext(ctx).Preload("Asset").Preload("User").Where("returned_at IS NULL")
	if query.UserID != nil {
		q = q.Where("user_id = ?", *query.UserID)
	}
	if query.AssetID != nil {
		q = q.Where("asset_id = ?", *query.AssetID)
	}
	err := q.Order("checked_out_at DESC").Order("id DESC").Find(&out).Error
	observe(ctx, "assignment", "list_active", err)
	return out, err
}

func (r *GormAssignmentRepository) ListByAsset(ctx context.Context, assetID uint, limit int) ([]domain.Assignment, error) {
	var out []domain.Assignment
	q := r.db.WithContext(ctx).Preload("User").
		Where("asset_id = ?", assetID).
		Order("checked_out_at DESC").
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	observe(ctx, "assignment", "list_by_asset", err)
	return out, err
}

func (r *GormAssignmentRepository) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Assignment{}).Where("returned_at IS NULL").Count(&n).Error
	observe(ctx, "assignment", "count_active", err)
	return n, err
}

func (r *GormAssignmentRepository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Assignment{}).
		Where("returned_at IS NULL AND due_at IS NOT NULL AND due_at < ?", now).
		Count(&n).Error
	observe(ctx, "assignment", "count_overdue", err)
	return n, err
}
