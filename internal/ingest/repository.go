package ingest

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceFinder resolves a device by its serial for authentication.
// Lookup is by serial only; site and client slugs are integrity checks
// applied later, at resolution time.
type DeviceFinder interface {
	// FindActiveBySerial returns the active device with the given
	// serial, or ErrDeviceNotFound. Inactive and missing devices are
	// indistinguishable to callers.
	FindActiveBySerial(ctx context.Context, serial string) (*Device, error)
}

// ReadingRefs is the resolved (client, site, device) triple a reading
// is persisted against.
type ReadingRefs struct {
	ClientID uint
	SiteID   uint
	DeviceID uint
	SiteSlug string
}

// Repository is the durable-store contract the orchestrator depends
// on: referential resolution plus a conditional insert that silently
// absorbs duplicates on (site, ts).
type Repository interface {
	DeviceFinder

	// ResolveRefs matches client slug, site slug, and device serial
	// together against the registry. A triple that does not resolve as
	// a unit returns ErrMetaRefNotFound.
	ResolveRefs(ctx context.Context, clientSlug, siteSlug, serial string) (*ReadingRefs, error)

	// InsertReading writes the reading unless a row for the same
	// (site_id, ts) already exists. Returns false when the insert was
	// absorbed as a duplicate.
	InsertReading(ctx context.Context, reading *Reading) (bool, error)
}

// GormRepository implements Repository on PostgreSQL via GORM.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a Repository backed by the given database.
func NewGormRepository(db *gorm.DB) (*GormRepository, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	return &GormRepository{db: db}, nil
}

// FindActiveBySerial implements DeviceFinder.
func (r *GormRepository) FindActiveBySerial(ctx context.Context, serial string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).
		Where("ydoc_serial = ? AND is_active = ?", serial, true).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	return &device, nil
}

// ResolveRefs implements Repository.
func (r *GormRepository) ResolveRefs(ctx context.Context, clientSlug, siteSlug, serial string) (*ReadingRefs, error) {
	var refs ReadingRefs
	err := r.db.WithContext(ctx).Raw(`
		SELECT c.id AS client_id, s.id AS site_id, d.id AS device_id, s.slug AS site_slug
		FROM clients c
		JOIN sites s ON s.client_id = c.id AND c.slug = ? AND s.slug = ?
		JOIN devices d ON d.site_id = s.id AND d.ydoc_serial = ? AND d.is_active = TRUE`,
		clientSlug, siteSlug, serial,
	).Scan(&refs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reading refs: %w", err)
	}
	if refs.SiteID == 0 {
		return nil, ErrMetaRefNotFound
	}
	return &refs, nil
}

// InsertReading implements Repository.
func (r *GormRepository) InsertReading(ctx context.Context, reading *Reading) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "site_id"}, {Name: "ts"}},
			DoNothing: true,
		}).
		Create(reading)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert reading: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
