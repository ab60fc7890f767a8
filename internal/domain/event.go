package domain

import (
	"time"

	"gorm.io/datatypes"
)

type EventType string

const (
	EventCheckout EventType = "CHECKOUT"
	EventReturn   EventType = "RETURN"
)

// Event references assets and users by external tag, not by foreign key, so
// an event stays valid after the referenced row is renamed or retired.
type Event struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	Timestamp  time.Time      `gorm:"column:ts;index;not null" json:"timestamp"`
	Type       EventType      `gorm:"size:32;index;not null" json:"type"`
	AssetTagID *string        `gorm:"size:64;index" json:"asset_tag_id"`
	UserTagID  *string        `gorm:"size:64;index" json:"user_tag_id"`
	Confidence float64        `gorm:"not null" json:"confidence"`
	Details    datatypes.JSON `json:"details,omitempty"`
	CreatedAt  time.Time      `gorm:"index" json:"created_at"`
}

type EnrichedEvent struct {
	Event
	Asset *Asset `json:"asset"`
	User  *User  `json:"user"`
}
