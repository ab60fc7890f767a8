package domain

import "time"

type AssetStatus string

const (
	AssetAvailable   AssetStatus = "AVAILABLE"
	AssetCheckedOut  AssetStatus = "CHECKED_OUT"
	AssetMissing     AssetStatus = "MISSING"
	AssetMaintenance AssetStatus = "MAINTENANCE"
	AssetRetired     AssetStatus = "RETIRED"
)

func (s AssetStatus) Valid() bool {
	switch s {
	case AssetAvailable, AssetCheckedOut, AssetMissing, AssetMaintenance, AssetRetired:
		return true
	}
	return false
}

// Asset.DeletedAt is a plain nullable timestamp rather than gorm.DeletedAt so
// retired assets stay visible to history and event enrichment.
type Asset struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	ExternalTagID string      `gorm:"size:64;uniqueIndex;not null" json:"external_tag_id"`
	Name          string      `gorm:"size:255;not null" json:"name"`
	Barcode       string      `gorm:"size:128;index" json:"barcode"`
	Serial        *string     `gorm:"size:128" json:"serial,omitempty"`
	Category      *string     `gorm:"size:128" json:"category,omitempty"`
	Status        AssetStatus `gorm:"size:32;index;not null" json:"status"`
	HolderUserID  *uint       `gorm:"index" json:"holder_user_id,omitempty"`
	DeletedAt     *time.Time  `gorm:"index" json:"deleted_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (a *Asset) Deleted() bool { return a.DeletedAt != nil }
