package simulator

import (
	"fmt"
	"log/slog"

	"github.com/brianvoe/gofakeit/v7"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"procodus.dev/hydro-ingest/internal/ingest"
)

// Seed registers the simulated devices in the database so the ingest
// server accepts their submissions: one client and site per device,
// and a device row carrying the bcrypt hash of its bearer token. No
// HMAC secret is provisioned, so simulated traffic runs unsigned.
func Seed(db *gorm.DB, logger *slog.Logger, devices []*LoggerDevice) error {
	for _, d := range devices {
		client := ingest.Client{Slug: d.ClientSlug, Name: gofakeit.Company()}
		if err := db.Where(ingest.Client{Slug: d.ClientSlug}).FirstOrCreate(&client).Error; err != nil {
			return fmt.Errorf("failed to seed client %q: %w", d.ClientSlug, err)
		}

		site := ingest.Site{Slug: d.SiteSlug, Name: gofakeit.City() + " Dam", ClientID: client.ID}
		if err := db.Where(ingest.Site{Slug: d.SiteSlug, ClientID: client.ID}).FirstOrCreate(&site).Error; err != nil {
			return fmt.Errorf("failed to seed site %q: %w", d.SiteSlug, err)
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(d.Token), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash token for %q: %w", d.YdocSerial, err)
		}

		device := ingest.Device{
			YdocSerial: d.YdocSerial,
			TokenHash:  string(hash),
			SiteID:     site.ID,
			IsActive:   true,
		}
		if err := db.Where(ingest.Device{YdocSerial: d.YdocSerial}).FirstOrCreate(&device).Error; err != nil {
			return fmt.Errorf("failed to seed device %q: %w", d.YdocSerial, err)
		}

		logger.Info("seeded device",
			"client_slug", d.ClientSlug,
			"site_slug", d.SiteSlug,
			"ydoc_serial", d.YdocSerial,
		)
	}

	return nil
}
