package repository

import (
	"context"
	"time"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	// LockByHash loads the session for the digest and locks the row for the
	// rest of the enclosing transaction.
	LockByHash(ctx context.Context, hash string) (*domain.Session, error)
	Touch(ctx context.Context, id uint, at time.Time) error
	DeleteByID(ctx context.Context, id uint) error
	DeleteByHash(ctx context.Context, hash string) (int64, error)
	DeleteByUserID(ctx context.Context, userID uint) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CountActiveByUserID(ctx context.Context, userID uint, now time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Create(s).Error
	observe(ctx, "session", "create", err)
	return TranslateStoreError(err)
}

func (r *GormSessionRepository) LockByHash(ctx context.Context, hash string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("token_hash = ?", hash).
		First(&s).Error
	observe(ctx, "session", "lock_by_hash", err)
	if err != nil {
		return nil, notFoundAs(err, ErrSessionNotFound)
	}
	return &s, nil
}

func (r *GormSessionRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&domain.Session{}).Where("id = ?", id).Update("last_seen_at", at).Error
	observe(ctx, "session", "touch", err)
	return err
}

func (r *GormSessionRepository) DeleteByID(ctx context.Context, id uint) error {
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Session{}).Error
	observe(ctx, "session", "delete_by_id", err)
	return err
}

func (r *GormSessionRepository) DeleteByHash(ctx context.Context, hash string) (int64, error) {
	res := r.db.WithContext(ctx).Where("token_hash = ?", hash).Delete(&domain.Session{})
	observe(ctx, "session", "delete_by_hash", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) DeleteByUserID(ctx context.Context, userID uint) (int64, error) {
	res := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&domain.Session{})
	observe(ctx, "session", "delete_by_user_id", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Session{})
	observe(ctx, "session", "delete_expired", res.Error)
	return res.RowsAffected, res.Error
}

func (r *GormSessionRepository) CountActiveByUserID(ctx context.Context, userID uint, now time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND expires_at > ?", userID, now).
		Count(&n).Error
	observe(ctx, "session", "count_active_by_user_id", err)
	return n, err
}
