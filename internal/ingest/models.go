// Package ingest implements the telemetry ingestion pipeline: request
// normalization, device authentication, photo storage, idempotent
// persistence, and latest-reading cache publication.
package ingest

import (
	"time"
)

// Client is a tenant grouping of monitored sites.
type Client struct {
	Slug      string    `gorm:"uniqueIndex;not null"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	Sites     []Site    `gorm:"foreignKey:ClientID"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Client model.
func (Client) TableName() string {
	return "clients"
}

// Site is a monitored physical location (a dam) owned by a client.
// The slug is unique within its client.
type Site struct {
	Slug      string    `gorm:"index:idx_client_site_slug,unique;not null"`
	Name      string    `gorm:"not null"`
	ClientID  uint      `gorm:"index:idx_client_site_slug,unique;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	Devices   []Device  `gorm:"foreignKey:SiteID"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Site model.
func (Site) TableName() string {
	return "sites"
}

// Device is a registered YDOC datalogger scoped to one site.
// Provisioning and deactivation happen out of band; the pipeline only
// reads devices. TokenHash is a bcrypt hash of the device bearer token.
// The optional per-device HMAC secret is stored AES-256-GCM encrypted
// under the server master key, as ciphertext + nonce + auth tag.
type Device struct {
	YdocSerial     string    `gorm:"uniqueIndex;not null"`
	TokenHash      string    `gorm:"not null"`
	HmacCiphertext []byte    `gorm:""`
	HmacNonce      []byte    `gorm:""`
	HmacTag        []byte    `gorm:""`
	SiteID         uint      `gorm:"index;not null"`
	IsActive       bool      `gorm:"not null;default:true"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	ID             uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Device model.
func (Device) TableName() string {
	return "devices"
}

// Reading is one accepted telemetry fact for a site at a timestamp.
// At most one row exists per (site_id, ts); duplicate submissions are
// absorbed by the unique index, not errored. Rows are never mutated
// or deleted by this service.
type Reading struct {
	TS        time.Time `gorm:"column:ts;index:idx_site_ts,unique;not null"`
	LevelM    float64   `gorm:"not null"`
	BatteryV  *float64  `gorm:""`
	TempC     *float64  `gorm:""`
	PhotoKey  *string   `gorm:""`
	ReadingID *string   `gorm:""`
	SiteID    uint      `gorm:"index:idx_site_ts,unique;not null"`
	DeviceID  uint      `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	ID        uint      `gorm:"primaryKey"`
}

// TableName specifies the table name for the Reading model.
func (Reading) TableName() string {
	return "readings"
}
