package repository

import (
	"context"
	"strings"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/gorm"
)

type UserListQuery struct {
	PageRequest
	Search string
	Role   string
	Active *bool
}

type UserRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.User, error)
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByTagIDs(ctx context.Context, tagIDs []string) ([]domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	Update(ctx context.Context, user *domain.User) error
	SetPasswordHash(ctx context.Context, userID uint, hash string) error
	ListPaged(ctx context.Context, query UserListQuery) (PageResult[domain.User], error)
}

type GormUserRepository struct{ db *gorm.DB }

func NewUserRepository(db *gorm.DB) UserRepository { return &GormUserRepository{db: db} }

func (r *GormUserRepository) FindByID(ctx context.Context, id uint) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).First(&u, id).Error
	observe(ctx, "user", "find_by_id", err)
	if err != nil {
		return nil, notFoundAs(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormUserRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).Where("username = ?", domain.NormalizeUsername(username)).First(&u).Error
	observe(ctx, "user", "find_by_username", err)
	if err != nil {
		return nil, notFoundAs(err, ErrUserNotFound)
	}
	return &u, nil
}

func (r *GormUserRepository) FindByTagIDs(ctx context.Context, tagIDs []string) ([]domain.User, error) {
	var users []domain.User
	if len(tagIDs) == 0 {
		return users, nil
	}
	err := r.db.WithContext(ctx).Where("external_tag_id IN ?", tagIDs).Find(&users).Error
	observe(ctx, "user", "find_by_tag_ids", err)
	return users, err
}

func (r *GormUserRepository) Create(ctx context.Context, user *domain.User) error {
	user.Username = domain.NormalizeUsername(user.Username)
	err := r.db.WithContext(ctx).Create(user).Error
	observe(ctx, "user", "create", err)
	return TranslateStoreError(err)
}

func (r *GormUserRepository) Update(ctx context.Context, user *domain.User) error {
	user.Username = domain.NormalizeUsername(user.Username)
	err := r.db.WithContext(ctx).Save(user).Error
	observe(ctx, "user", "update", err)
	return TranslateStoreError(err)
}

func (r *GormUserRepository) SetPasswordHash(ctx context.Context, userID uint, hash string) error {
	res := r.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).Update("password_hash", hash)
	err := res.Error
	if err == nil && res.RowsAffected == 0 {
		err = ErrUserNotFound
	}
	observe(ctx, "user", "set_password_hash", err)
	return err
}

func (r *GormUserRepository) ListPaged(ctx context.Context, query UserListQuery) (PageResult[domain.User], error) {
	req := normalizePageRequest(query.PageRequest)
	result := PageResult[domain.User]{Page: req.Page, PageSize: req.PageSize}

	base := r.db.WithContext(ctx).Model(&domain.User{})
	if s := strings.ToLower(strings.TrimSpace(query.Search)); s != "" {
		like := "%" + s + "%"
		base = base.Where("(username LIKE ? OR LOWER(name) LIKE ? OR LOWER(external_tag_id) LIKE ?)", like, like, like)
	}
	if query.Role != "" {
		base = base.Where("role = ?", query.Role)
	}
	if query.Active != nil {
		base = base.Where("is_active = ?", *query.Active)
	}

	if err := base.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		observe(ctx, "user", "list_paged", err)
		return PageResult[domain.User]{}, err
	}
	offset := (req.Page - 1) * req.PageSize
	if err := base.Order("username ASC").Offset(offset).Limit(req.PageSize).Find(&result.Items).Error; err != nil {
		observe(ctx, "user", "list_paged", err)
		return PageResult[domain.User]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, req.PageSize)
	observe(ctx, "user", "list_paged", nil)
	return result, nil
}
