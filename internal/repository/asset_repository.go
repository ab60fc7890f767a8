package repository

import (
	"context"
	"strings"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AssetListQuery struct {
	PageRequest
	Status         string
	Search         string
	IncludeDeleted bool
}

type AssetRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.Asset, error)
	// LockByID loads the asset and locks its row for the rest of the
	// enclosing transaction. Soft-deleted assets are returned too.
	LockByID(ctx context.Context, id uint) (*domain.Asset, error)
	FindByTagIDs(ctx context.Context, tagIDs []string) ([]domain.Asset, error)
	Lookup(ctx context.Context, code string, limit int) ([]domain.Asset, error)
	ListPaged(ctx context.Context, query AssetListQuery) (PageResult[domain.Asset], error)
	Create(ctx context.Context, asset *domain.Asset) error
	Update(ctx context.Context, asset *domain.Asset) error
	// SetCustody moves the asset from status `from` to `to` with the given
	// holder, failing with ErrStaleWrite if the asset is no longer in `from`.
	SetCustody(ctx context.Context, id uint, from, to domain.AssetStatus, holderUserID *uint) error
	CountByStatus(ctx context.Context) (map[domain.AssetStatus]int64, error)
}

type GormAssetRepository struct{ db *gorm.DB }

func NewAssetRepository(db *gorm.DB) AssetRepository { return &GormAssetRepository{db: db} }

func (r *GormAssetRepository) FindByID(ctx context.Context, id uint) (*domain.Asset, error) {
	var a domain.Asset
	err := r.db.WithContext(ctx).First(&a, id).Error
	observe(ctx, "asset", "find_by_id", err)
	if err != nil {
		return nil, notFoundAs(err, ErrAssetNotFound)
	}
	return &a, nil
}

func (r *GormAssetRepository) LockByID(ctx context.Context, id uint) (*domain.Asset, error) {
	var a domain.Asset
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error
	observe(ctx, "asset", "lock_by_id", err)
	if err != nil {
		return nil, notFoundAs(err, ErrAssetNotFound)
	}
	return &a, nil
}

func (r *GormAssetRepository) FindByTagIDs(ctx context.Context, tagIDs []string) ([]domain.Asset, error) {
	var assets []domain.Asset
	if len(tagIDs) == 0 {
		return assets, nil
	}
	err := r.db.WithContext(ctx).Where("external_tag_id IN ?", tagIDs).Find(&assets).Error
	observe(ctx, "asset", "find_by_tag_ids", err)
	return assets, err
}

func (r *GormAssetRepository) Lookup(ctx context.Context, code string, limit int) ([]domain.Asset, error) {
	var assets []domain.Asset
	code = strings.TrimSpace(code)
	if code == "" {
		return assets, nil
	}
	like := "%" + strings.ToLower(code) + "%"
	err := r.db.WithContext(ctx).
		Where("deleted_at IS NULL").
		Where("(LOWER(external_tag_id) LIKE ? OR LOWER(barcode) LIKE ? OR LOWER(COALESCE(serial, '')) LIKE ? OR LOWER(name) LIKE ?)",
			like, like, like, like).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&assets).Error
	observe(ctx, "asset", "lookup", err)
	return assets, err
}

func (r *GormAssetRepository) ListPaged(ctx context.Context, query AssetListQuery) (PageResult[domain.Asset], error) {
	req := normalizePageRequest(query.PageRequest)
	result := PageResult[domain.Asset]{Page: req.Page, PageSize: req.PageSize}

	base := r.db.WithContext(ctx).Model(&domain.Asset{})
	if !query.IncludeDeleted {
		base = base.Where("deleted_at IS NULL")
	}
	if query.Status != "" {
		base = base.Where("status = ?", query.Status)
	}
	if s := strings.ToLower(strings.TrimSpace(query.Search)); s != "" {
		like := "%" + s + "%"
		base = base.Where("(LOWER(name) LIKE ? OR LOWER(external_tag_id) LIKE ? OR LOWER(barcode) LIKE ?)", like, like, like)
	}

	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		observe(ctx, "asset", "list_paged", err)
		return PageResult[domain.Asset]{}, err
	}
	offset := (req.Page - 1) * req.PageSize
	if err := base.Order("name ASC").Order("id ASC").Offset(offset).Limit(req.PageSize).Find(&result.Items).Error; err != nil {
		observe(ctx, "asset", "list_paged", err)
		return PageResult[domain.Asset]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observe(ctx, "asset", "list_paged", nil)
	return result, nil
}

func (r *GormAssetRepository) Create(ctx context.Context, asset *domain.Asset) error {
	err := r.db.WithContext(ctx).Create(asset).Error
	observe(ctx, "asset", "create", err)
	return TranslateStoreError(err)
}

func (r *GormAssetRepository) Update(ctx context.Context, asset *domain.Asset) error {
	err := r.db.WithContext(ctx).Save(asset).Error
	observe(ctx, "asset", "update", err)
	return TranslateStoreError(err)
}

func (r *GormAssetRepository) SetCustody(ctx context.Context, id uint, from, to domain.AssetStatus, holderUserID *uint) error {
	res := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Where("id = ? AND status = ? AND deleted_at IS NULL", id, from).
		Updates(map[string]any{
			"status":         to,
			"holder_user_id": holderUserID,
			"updated_at":     time.Now().UTC(),
		})
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrStaleWrite
	}
	observe(ctx, "asset", "set_custody", err)
	return err
}

func (r *GormAssetRepository) CountByStatus(ctx context.Context) (map[domain.AssetStatus]int64, error) {
	var rows []struct {
		Status domain.AssetStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&domain.Asset{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	observe(ctx, "asset", "count_by_status", err)
	if err != nil {
		return nil, err
	}
	out := make(map[domain.AssetStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}
