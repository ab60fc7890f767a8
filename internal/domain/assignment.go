package domain

import "time"

// Assignment rows are never deleted; an assignment is active while ReturnedAt is nil.
type Assignment struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	AssetID      uint       `gorm:"index;not null" json:"asset_id"`
	UserID       uint       `gorm:"index;not null" json:"user_id"`
	CheckedOutAt time.Time  `gorm:"index;not null" json:"checked_out_at"`
	DueAt        *time.Time `json:"due_at,omitempty"`
	ReturnedAt   *time.Time `gorm:"index" json:"returned_at,omitempty"`
	Asset        *Asset     `gorm:"foreignKey:AssetID" json:"asset,omitempty"`
	User         *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (a *Assignment) Active() bool { return a.ReturnedAt == nil }

func (a *Assignment) Overdue(now time.Time) bool {
	return a.Active() && a.DueAt != nil && a.DueAt.Before(now)
}
