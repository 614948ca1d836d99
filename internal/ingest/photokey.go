package ingest

import (
	"fmt"
	"time"
)

// PhotoKey computes the deterministic object-storage key for a photo:
// <client>/<site>/YYYY/MM/DD/hhmmss.jpg, rendered in the configured
// local zone of the reading's timestamp, not the upload time. Folder
// granularity is the local calendar day; filename granularity is one
// second. Same-second duplicates collide here and on the reading's
// (site, ts) uniqueness alike, so an overwrite is harmless.
func PhotoKey(clientSlug, siteSlug string, ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := ts.In(loc)
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02d%02d%02d.jpg",
		clientSlug, siteSlug,
		local.Year(), int(local.Month()), local.Day(),
		local.Hour(), local.Minute(), local.Second(),
	)
}
