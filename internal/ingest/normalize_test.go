package ingest_test

import (
	"net/url"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/hydro-ingest/internal/ingest"
)

var _ = Describe("Normalizer", func() {
	var (
		normalizer *ingest.Normalizer
		noQuery    url.Values
	)

	BeforeEach(func() {
		normalizer = ingest.NewNormalizer(ingest.DefaultIdentity{})
		noQuery = url.Values{}
	})

	identity := func(raw map[string]any) map[string]any {
		raw["client_slug"] = "metrovancouver"
		raw["site_slug"] = "coquitlam"
		raw["ydoc_serial"] = "ML-417ADS-125638581"
		return raw
	}

	Describe("numeric coercion", func() {
		It("should accept numeric measurements", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"level_m":   12.3,
				"battery_v": 12.8,
				"temp_c":    4.5,
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(12.3))
			Expect(*meta.BatteryV).To(Equal(12.8))
			Expect(*meta.TempC).To(Equal(4.5))
		})

		It("should coerce string-typed measurements", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"level_m":   "12.3",
				"battery_v": "12.80",
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(12.3))
			Expect(*meta.BatteryV).To(Equal(12.8))
			Expect(meta.TempC).To(BeNil())
		})

		It("should flag unparseable measurement strings", func() {
			_, issues := normalizer.Normalize(identity(map[string]any{
				"level_m": "twelve",
			}), noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{
				Field:   "level_m",
				Message: "must be finite",
			}))
		})
	})

	Describe("level aliases", func() {
		It("should read the level from value", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"value": "7.25",
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(7.25))
		})

		It("should read the level from Value", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"Value": 7.25,
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(7.25))
		})

		It("should read the level from the first values object", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"values": []any{map[string]any{"value": 3.5}, map[string]any{"value": 9.9}},
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(3.5))
		})

		It("should read the level from a bare values array", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"values": []any{4.1},
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(4.1))
		})

		It("should prefer level_m over aliases", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"level_m": 1.0,
				"value":   2.0,
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(1.0))
		})
	})

	Describe("vendor data rows", func() {
		It("should read the level from an AIN row", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"data": []any{map[string]any{"AIN": "1.9"}},
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(1.9))
		})

		It("should read alternative row keys", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"data": []any{map[string]any{"analog": 2.75}},
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(*meta.LevelM).To(Equal(2.75))
		})

		It("should only consult the first row", func() {
			_, issues := normalizer.Normalize(identity(map[string]any{
				"data": []any{map[string]any{"unrelated": 1}, map[string]any{"AIN": 2.0}},
			}), noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{
				Field:   "level_m",
				Message: "required",
			}))
		})
	})

	Describe("query fallback", func() {
		It("should take identity from query parameters", func() {
			query := url.Values{}
			query.Set("client_slug", "metrovancouver")
			query.Set("site_slug", "coquitlam")
			query.Set("ydoc_serial", "ML-417ADS-125638581")

			meta, issues := normalizer.Normalize(map[string]any{"level_m": 5.0}, query, false)

			Expect(issues).To(BeEmpty())
			Expect(meta.ClientSlug).To(Equal("metrovancouver"))
			Expect(meta.SiteSlug).To(Equal("coquitlam"))
			Expect(meta.YdocSerial).To(Equal("ML-417ADS-125638581"))
		})

		It("should prefer body identity over query identity", func() {
			query := url.Values{}
			query.Set("client_slug", "other")

			meta, _ := normalizer.Normalize(identity(map[string]any{"level_m": 5.0}), query, false)
			Expect(meta.ClientSlug).To(Equal("metrovancouver"))
		})
	})

	Describe("default timestamp", func() {
		It("should default ts to now in UTC", func() {
			before := time.Now().UTC().Add(-time.Second)
			meta, issues := normalizer.Normalize(identity(map[string]any{"level_m": 5.0}), noQuery, false)
			after := time.Now().UTC().Add(time.Second)

			Expect(issues).To(BeEmpty())
			ts, err := ingest.ParseTimestamp(meta.TS)
			Expect(err).NotTo(HaveOccurred())
			Expect(ts).To(BeTemporally(">", before))
			Expect(ts).To(BeTemporally("<", after))
		})

		It("should keep a supplied ts", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"level_m": 5.0,
				"ts":      "2024-03-05T16:07:09Z",
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(meta.TS).To(Equal("2024-03-05T16:07:09Z"))
		})

		It("should flag an unparseable ts", func() {
			_, issues := normalizer.Normalize(identity(map[string]any{
				"level_m": 5.0,
				"ts":      "yesterday",
			}), noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{
				Field:   "ts",
				Message: "not a valid timestamp",
			}))
		})
	})

	Describe("default identity", func() {
		It("should apply the configured fallback identity", func() {
			n := ingest.NewNormalizer(ingest.DefaultIdentity{
				ClientSlug: "metrovancouver",
				SiteSlug:   "coquitlam",
				YdocSerial: "ML-417ADS-125638581",
			})

			meta, issues := n.Normalize(map[string]any{"level_m": 5.0}, noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(meta.ClientSlug).To(Equal("metrovancouver"))
			Expect(meta.SiteSlug).To(Equal("coquitlam"))
			Expect(meta.YdocSerial).To(Equal("ML-417ADS-125638581"))
		})

		It("should reject unlabelled traffic when no fallback is configured", func() {
			_, issues := normalizer.Normalize(map[string]any{"level_m": 5.0}, noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{Field: "client_slug", Message: "required"}))
			Expect(issues).To(ContainElement(ingest.FieldIssue{Field: "site_slug", Message: "required"}))
			Expect(issues).To(ContainElement(ingest.FieldIssue{Field: "ydoc_serial", Message: "required"}))
		})

		It("should not override a partial identity", func() {
			n := ingest.NewNormalizer(ingest.DefaultIdentity{
				ClientSlug: "metrovancouver",
				SiteSlug:   "coquitlam",
				YdocSerial: "ML-417ADS-125638581",
			})

			meta, issues := n.Normalize(map[string]any{
				"level_m":   5.0,
				"site_slug": "cleveland",
			}, noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(meta.SiteSlug).To(Equal("cleveland"))
			Expect(meta.ClientSlug).To(Equal("metrovancouver"))
		})
	})

	Describe("photo-only submissions", func() {
		It("should not require a level for JPEG submissions", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{}), noQuery, true)

			Expect(issues).To(BeEmpty())
			Expect(meta.LevelM).To(BeNil())
		})

		It("should require a level otherwise", func() {
			_, issues := normalizer.Normalize(identity(map[string]any{}), noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{
				Field:   "level_m",
				Message: "required",
			}))
		})
	})

	Describe("reading id", func() {
		It("should accept a UUID reading id", func() {
			meta, issues := normalizer.Normalize(identity(map[string]any{
				"level_m":    5.0,
				"reading_id": "2c3a4f7e-9b1d-4c8a-a6e5-0f1b2c3d4e5f",
			}), noQuery, false)

			Expect(issues).To(BeEmpty())
			Expect(meta.ReadingID).To(Equal("2c3a4f7e-9b1d-4c8a-a6e5-0f1b2c3d4e5f"))
		})

		It("should reject a non-UUID reading id", func() {
			_, issues := normalizer.Normalize(identity(map[string]any{
				"level_m":    5.0,
				"reading_id": "reading-42",
			}), noQuery, false)

			Expect(issues).To(ContainElement(ingest.FieldIssue{
				Field:   "reading_id",
				Message: "must be a UUID",
			}))
		})
	})
})

var _ = Describe("ParseTimestamp", func() {
	It("should parse RFC3339 timestamps", func() {
		ts, err := ingest.ParseTimestamp("2024-03-05T16:07:09Z")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.Year()).To(Equal(2024))
	})

	It("should parse offset timestamps", func() {
		ts, err := ingest.ParseTimestamp("2024-03-05T08:07:09-08:00")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.UTC().Hour()).To(Equal(16))
	})

	It("should interpret zoneless timestamps as UTC", func() {
		ts, err := ingest.ParseTimestamp("2024-03-05T16:07:09")
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.Location()).To(Equal(time.UTC))
		Expect(ts.Hour()).To(Equal(16))
	})

	It("should reject garbage", func() {
		_, err := ingest.ParseTimestamp("not-a-time")
		Expect(err).To(HaveOccurred())
	})
})
