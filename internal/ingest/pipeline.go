package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/hydro-ingest/pkg/cache"
	"procodus.dev/hydro-ingest/pkg/metrics"
)

// PhotoStore is the object-storage contract: store bytes at a key,
// return a retrievable URL. Re-storing a key must be a harmless
// overwrite.
type PhotoStore interface {
	PutJPEG(ctx context.Context, key string, body []byte) (string, error)
}

// LatestPublisher is the "latest reading per site" cache contract.
// Publication is best-effort only: a failure here never fails the
// submission.
type LatestPublisher interface {
	SetLatest(ctx context.Context, siteSlug string, entry *cache.LatestEntry) error
}

// Job is the unit of work the pipeline executes. It is what the inline
// path hands over directly and what the queued path serializes onto
// the broker, so both paths run identical logic.
type Job struct {
	JobID string `json:"job_id,omitempty"`
	Meta  Meta   `json:"meta"`
	Photo []byte `json:"photo,omitempty"`
}

// Outcome reports what the pipeline did for an accepted submission.
// Advisory failures (cache) are reflected here instead of in the error
// return; only fatal failures produce errors.
type Outcome struct {
	// Persisted is false for photo-only submissions and duplicates.
	Persisted bool

	// Duplicate is true when the insert was absorbed by the
	// (site, ts) uniqueness constraint.
	Duplicate bool

	// PhotoKey is the storage key of the stored photo, if any.
	PhotoKey string

	// CacheUpdated is false when the best-effort latest-cache write
	// failed or no publisher is wired.
	CacheUpdated bool
}

// PipelineConfig holds the configuration for the Pipeline.
type PipelineConfig struct {
	Logger *slog.Logger
	Repo   Repository
	Photos PhotoStore
	Latest LatestPublisher

	// PhotoTZ is the local zone photo keys are rendered in.
	PhotoTZ *time.Location

	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Pipeline sequences resolution, photo storage, the idempotent write,
// and cache publication. The HTTP handler runs it inline; the queue
// worker runs the exact same code under at-least-once redelivery,
// which the deterministic photo key and the (site, ts) constraint make
// safe.
type Pipeline struct {
	logger  *slog.Logger
	repo    Repository
	photos  PhotoStore
	latest  LatestPublisher
	photoTZ *time.Location
	metrics *metrics.IngestMetrics
}

// NewPipeline creates a new Pipeline.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Repo == nil {
		return nil, errors.New("repository cannot be nil")
	}

	loc := cfg.PhotoTZ
	if loc == nil {
		loc = time.UTC
	}

	return &Pipeline{
		logger:  cfg.Logger,
		repo:    cfg.Repo,
		photos:  cfg.Photos,
		latest:  cfg.Latest,
		photoTZ: loc,
		metrics: cfg.Metrics,
	}, nil
}

// Process executes steps 5-9 of the accept path for an authenticated,
// validated job: resolve refs, store the photo, insert the reading,
// publish the latest-cache entry.
//
// Photo storage is attempted before the durable insert so a failed
// insert never leaves the database referencing an object that was not
// written; the inverse (photo stored, insert failed) leaves a benign
// orphan cleaned up out of band.
func (p *Pipeline) Process(ctx context.Context, job *Job) (*Outcome, error) {
	meta := &job.Meta

	refs, err := p.repo.ResolveRefs(ctx, meta.ClientSlug, meta.SiteSlug, meta.YdocSerial)
	if err != nil {
		return nil, err
	}

	ts, err := ParseTimestamp(meta.TS)
	if err != nil {
		// normalization validates ts; reaching this means a corrupted job
		return nil, fmt.Errorf("unparseable timestamp in job: %w", err)
	}

	outcome := &Outcome{}

	if len(job.Photo) > 0 {
		if p.photos == nil {
			return nil, errors.New("photo present but no photo store is configured")
		}
		key := PhotoKey(meta.ClientSlug, meta.SiteSlug, ts, p.photoTZ)
		if _, err := p.photos.PutJPEG(ctx, key, job.Photo); err != nil {
			return nil, fmt.Errorf("failed to store photo: %w", err)
		}
		outcome.PhotoKey = key
		if p.metrics != nil {
			p.metrics.PhotosStored.Inc()
			p.metrics.PhotoBytes.Observe(float64(len(job.Photo)))
		}
	}

	if meta.LevelM != nil {
		reading := &Reading{
			SiteID:   refs.SiteID,
			DeviceID: refs.DeviceID,
			TS:       ts.UTC(),
			LevelM:   *meta.LevelM,
			BatteryV: meta.BatteryV,
			TempC:    meta.TempC,
		}
		if outcome.PhotoKey != "" {
			reading.PhotoKey = &outcome.PhotoKey
		}
		if meta.ReadingID != "" {
			reading.ReadingID = &meta.ReadingID
		}

		inserted, err := p.repo.InsertReading(ctx, reading)
		if err != nil {
			return nil, err
		}
		outcome.Persisted = inserted
		outcome.Duplicate = !inserted
		if p.metrics != nil {
			if inserted {
				p.metrics.ReadingsInserted.Inc()
			} else {
				p.metrics.DuplicateDrops.Inc()
			}
		}
	} else {
		// photo-only submission: the row requires a level, but the photo
		// and the cache update still go through
		p.logger.Warn("photo_only_no_level",
			"site_id", refs.SiteID,
			"device_id", refs.DeviceID,
			"ts", meta.TS,
		)
	}

	outcome.CacheUpdated = p.publishLatest(ctx, refs.SiteSlug, meta, outcome.PhotoKey)

	return outcome, nil
}

// publishLatest updates the latest-reading cache entry. Failures are
// logged and swallowed: the cache is a read optimization, not a source
// of truth.
func (p *Pipeline) publishLatest(ctx context.Context, siteSlug string, meta *Meta, photoKey string) bool {
	if p.latest == nil {
		return false
	}

	entry := &cache.LatestEntry{
		TS:       meta.TS,
		LevelM:   meta.LevelM,
		BatteryV: meta.BatteryV,
		TempC:    meta.TempC,
	}
	if photoKey != "" {
		entry.PhotoKey = &photoKey
	}

	if err := p.latest.SetLatest(ctx, siteSlug, entry); err != nil {
		p.logger.Warn("latest cache update failed", "site_slug", siteSlug, "error", err)
		if p.metrics != nil {
			p.metrics.CacheFailures.Inc()
		}
		return false
	}
	return true
}
