package repository

import (
	"context"

	"github.com/utstyr/custody-service/internal/domain"

	"gorm.io/gorm"
)

const MaxEventListLimit = 300

type EventQuery struct {
	AssetTagID *string
	UserTagID  *string
	Type       domain.EventType
	Limit      int
}

// EventRepository is append-only: there is no update or delete.
type EventRepository interface {
	Append(ctx context.Context, e *domain.Event) error
	List(ctx context.Context, query EventQuery) ([]domain.Event, error)
}

type GormEventRepository struct{ db *gorm.DB }

func NewEventRepository(db *gorm.DB) EventRepository { return &GormEventRepository{db: db} }

func (r *GormEventRepository) Append(ctx context.Context, e *domain.Event) error {
	err := r.db.WithContext(ctx).Create(e).Error
	observe(ctx, "event", "append", err)
	return TranslateStoreError(err)
}

func (r *GormEventRepository) List(ctx context.Context, query EventQuery) ([]domain.Event, error) {
	limit := query.Limit
	if limit <= 0 || limit > MaxEventListLimit {
		limit = MaxEventListLimit
	}
	var out []domain.Event
	q := r.db.WithContext(ctx).Model(&domain.Event{})
	if query.AssetTagID != nil {
		q = q.Where("asset_tag_id = ?", *query.AssetTagID)
	}
	if query.UserTagID != nil {
		q = q.Where("user_tag_id = ?", *query.UserTagID)
	}
	if query.Type != "" {
		q = q.Where("type = ?", query.Type)
	}
	err := q.Order("ts DESC").Order("id DESC").Limit(limit).Find(&out).Error
	observe(ctx, "event", "list", err)
	return out, err
}
