package ingest_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hydro-ingest/internal/ingest"
	"procodus.dev/hydro-ingest/pkg/cache"
)

// stubRepo implements Repository and records the call order shared
// with the other stubs.
type stubRepo struct {
	calls *[]string

	refs       *ingest.ReadingRefs
	resolveErr error

	inserted  bool
	insertErr error
	lastRow   *ingest.Reading
}

func (r *stubRepo) FindActiveBySerial(context.Context, string) (*ingest.Device, error) {
	return nil, ingest.ErrDeviceNotFound
}

func (r *stubRepo) ResolveRefs(context.Context, string, string, string) (*ingest.ReadingRefs, error) {
	*r.calls = append(*r.calls, "resolve")
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	return r.refs, nil
}

func (r *stubRepo) InsertReading(_ context.Context, reading *ingest.Reading) (bool, error) {
	*r.calls = append(*r.calls, "insert")
	r.lastRow = reading
	if r.insertErr != nil {
		return false, r.insertErr
	}
	return r.inserted, nil
}

type stubPhotos struct {
	calls   *[]string
	err     error
	lastKey string
}

func (p *stubPhotos) PutJPEG(_ context.Context, key string, _ []byte) (string, error) {
	*p.calls = append(*p.calls, "photo")
	p.lastKey = key
	if p.err != nil {
		return "", p.err
	}
	return "https://photos.example/" + key, nil
}

type stubLatest struct {
	calls     *[]string
	err       error
	lastSlug  string
	lastEntry *cache.LatestEntry
}

func (l *stubLatest) SetLatest(_ context.Context, siteSlug string, entry *cache.LatestEntry) error {
	*l.calls = append(*l.calls, "cache")
	l.lastSlug = siteSlug
	l.lastEntry = entry
	return l.err
}

var _ = Describe("Pipeline", func() {
	var (
		logger   *slog.Logger
		calls    []string
		repo     *stubRepo
		photos   *stubPhotos
		latest   *stubLatest
		pipeline *ingest.Pipeline
		job      *ingest.Job
		ctx      context.Context
	)

	newPipeline := func() *ingest.Pipeline {
		loc, err := time.LoadLocation("America/Vancouver")
		Expect(err).NotTo(HaveOccurred())

		p, err := ingest.NewPipeline(&ingest.PipelineConfig{
			Logger:  logger,
			Repo:    repo,
			Photos:  photos,
			Latest:  latest,
			PhotoTZ: loc,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		ctx = context.Background()
		calls = []string{}

		repo = &stubRepo{
			calls:    &calls,
			refs:     &ingest.ReadingRefs{ClientID: 1, SiteID: 2, DeviceID: 3, SiteSlug: "coquitlam"},
			inserted: true,
		}
		photos = &stubPhotos{calls: &calls}
		latest = &stubLatest{calls: &calls}
		pipeline = newPipeline()

		level := 12.3
		battery := 12.8
		job = &ingest.Job{
			JobID: "job-1",
			Meta: ingest.Meta{
				ClientSlug: "metrovancouver",
				SiteSlug:   "coquitlam",
				YdocSerial: "ML-417ADS-125638581",
				TS:         "2024-03-05T16:07:09Z",
				LevelM:     &level,
				BatteryV:   &battery,
			},
		}
	})

	Describe("a full submission with photo", func() {
		BeforeEach(func() {
			job.Photo = []byte{0xFF, 0xD8, 0xFF, 0xD9}
		})

		It("should store the photo before inserting the reading", func() {
			outcome, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(calls).To(Equal([]string{"resolve", "photo", "insert", "cache"}))
			Expect(outcome.Persisted).To(BeTrue())
			Expect(outcome.Duplicate).To(BeFalse())
			Expect(outcome.CacheUpdated).To(BeTrue())
		})

		It("should derive the photo key from the reading timestamp", func() {
			outcome, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(outcome.PhotoKey).To(Equal("metrovancouver/coquitlam/2024/03/05/080709.jpg"))
			Expect(photos.lastKey).To(Equal(outcome.PhotoKey))
			Expect(*repo.lastRow.PhotoKey).To(Equal(outcome.PhotoKey))
		})

		It("should not insert when the photo store fails", func() {
			photos.err = errors.New("bucket unavailable")

			_, err := pipeline.Process(ctx, job)
			Expect(err).To(HaveOccurred())
			Expect(calls).NotTo(ContainElement("insert"))
		})
	})

	Describe("the durable insert", func() {
		It("should persist the reading against resolved refs in UTC", func() {
			_, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(repo.lastRow.SiteID).To(Equal(uint(2)))
			Expect(repo.lastRow.DeviceID).To(Equal(uint(3)))
			Expect(repo.lastRow.LevelM).To(Equal(12.3))
			Expect(repo.lastRow.TS).To(Equal(time.Date(2024, 3, 5, 16, 7, 9, 0, time.UTC)))
		})

		It("should report a duplicate without failing", func() {
			repo.inserted = false

			outcome, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Persisted).To(BeFalse())
			Expect(outcome.Duplicate).To(BeTrue())
			Expect(outcome.CacheUpdated).To(BeTrue())
		})

		It("should fail on insert errors", func() {
			repo.insertErr = errors.New("connection reset")

			_, err := pipeline.Process(ctx, job)
			Expect(err).To(HaveOccurred())
			Expect(calls).NotTo(ContainElement("cache"))
		})

		It("should propagate unresolved refs", func() {
			repo.resolveErr = ingest.ErrMetaRefNotFound

			_, err := pipeline.Process(ctx, job)
			Expect(err).To(MatchError(ingest.ErrMetaRefNotFound))
			Expect(calls).To(Equal([]string{"resolve"}))
		})
	})

	Describe("photo-only submissions", func() {
		BeforeEach(func() {
			job.Meta.LevelM = nil
			job.Photo = []byte{0xFF, 0xD8, 0xFF, 0xD9}
		})

		It("should store the photo and skip the insert", func() {
			outcome, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(calls).To(Equal([]string{"resolve", "photo", "cache"}))
			Expect(outcome.Persisted).To(BeFalse())
			Expect(outcome.Duplicate).To(BeFalse())
			Expect(outcome.PhotoKey).NotTo(BeEmpty())
		})

		It("should still publish the cache entry", func() {
			_, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(latest.lastSlug).To(Equal("coquitlam"))
			Expect(latest.lastEntry.LevelM).To(BeNil())
			Expect(*latest.lastEntry.PhotoKey).To(Equal(photos.lastKey))
		})
	})

	Describe("cache publication", func() {
		It("should carry the reading fields", func() {
			_, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())

			Expect(latest.lastSlug).To(Equal("coquitlam"))
			Expect(latest.lastEntry.TS).To(Equal("2024-03-05T16:07:09Z"))
			Expect(*latest.lastEntry.LevelM).To(Equal(12.3))
			Expect(*latest.lastEntry.BatteryV).To(Equal(12.8))
		})

		It("should treat cache failures as advisory", func() {
			latest.err = errors.New("redis down")

			outcome, err := pipeline.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.Persisted).To(BeTrue())
			Expect(outcome.CacheUpdated).To(BeFalse())
		})

		It("should tolerate a missing publisher", func() {
			p, err := ingest.NewPipeline(&ingest.PipelineConfig{
				Logger: logger,
				Repo:   repo,
				Photos: photos,
			})
			Expect(err).NotTo(HaveOccurred())

			outcome, err := p.Process(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(outcome.CacheUpdated).To(BeFalse())
		})
	})
})
