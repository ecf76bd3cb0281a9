package assetstore

import (
	"time"

	"github.com/hashicorp-forge/boardsync/pkg/scene"
)

// StoredAsset is the database row of one binary attachment.
type StoredAsset struct {
	// ID is the asset id chosen by the editor.
	ID string `gorm:"type:varchar(128);primaryKey"`

	// MimeType is the content type of the attachment.
	MimeType string `gorm:"type:varchar(128);not null"`

	// Content holds the raw bytes.
	Content []byte `gorm:"not null"`

	// Size is len(Content), kept for listing without loading content.
	Size int64

	// Version is the editor-supplied version, at least 1.
	Version int `gorm:"not null;default:1"`

	// CreatedAt is when the editor created the attachment.
	CreatedAt time.Time `gorm:"index"`

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time

	// LastRetrievedAt is when the asset was last loaded into a scene
	// (nil = never).
	LastRetrievedAt *time.Time `gorm:"index"`
}

// TableName specifies the table name for GORM.
func (StoredAsset) TableName() string {
	return "assets"
}

func newStoredAsset(a scene.Asset) StoredAsset {
	row := StoredAsset{
		ID:        string(a.ID),
		MimeType:  a.MimeType,
		Content:   a.Content,
		Size:      int64(len(a.Content)),
		Version:   a.EffectiveVersion(),
		CreatedAt: a.CreatedAt,
	}
	if !a.LastRetrievedAt.IsZero() {
		t := a.LastRetrievedAt
		row.LastRetrievedAt = &t
	}
	return row
}

// Asset converts the row back into a scene asset.
func (r StoredAsset) Asset() scene.Asset {
	a := scene.Asset{
		ID:        scene.AssetID(r.ID),
		MimeType:  r.MimeType,
		Content:   r.Content,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
	}
	if r.LastRetrievedAt != nil {
		a.LastRetrievedAt = *r.LastRetrievedAt
	}
	return a
}

// lastUsed is the time the asset was last known to be in use.
func (r StoredAsset) lastUsed() time.Time {
	if r.LastRetrievedAt != nil {
		return *r.LastRetrievedAt
	}
	return r.CreatedAt
}
