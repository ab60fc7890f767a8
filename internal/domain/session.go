package domain

import "time"

type Session struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	TokenHash  string    `gorm:"size:128;uniqueIndex;not null" json:"-"`
	UserID     uint      `gorm:"index;not null" json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `gorm:"index;not null" json:"expires_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Session) Expired(now time.Time) bool { return !s.ExpiresAt.After(now) }
