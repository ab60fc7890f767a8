package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleUser }

type User struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Username      string    `gorm:"size:128;uniqueIndex;not null" json:"username"`
	PasswordHash  string    `gorm:"size:255;not null" json:"-"`
	Name          string    `gorm:"size:255;not null" json:"name"`
	Email         *string   `gorm:"size:255" json:"email,omitempty"`
	Role          Role      `gorm:"size:16;not null" json:"role"`
	IsActive      bool      `gorm:"not null" json:"is_active"`
	ExternalTagID string    `gorm:"size:64;uniqueIndex;not null" json:"external_tag_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NormalizeUsername is the canonical form used for storage and lookup.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Identity is the authenticated principal derived from a session.
type Identity struct {
	UserID        uint   `json:"id"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	Role          Role   `json:"role"`
	ExternalTagID string `json:"external_tag_id"`
	IsActive      bool   `json:"is_active"`
	SessionID     uint   `json:"-"`
}

func (i *Identity) IsAdmin() bool { return i != nil && i.Role == RoleAdmin }

func IdentityFromUser(u *User, sessionID uint) *Identity {
	return &Identity{
		UserID:        u.ID,
		Username:      u.Username,
		Name:          u.Name,
		Role:          u.Role,
		ExternalTagID: u.ExternalTagID,
		IsActive:      u.IsActive,
		SessionID:     sessionID,
	}
}
