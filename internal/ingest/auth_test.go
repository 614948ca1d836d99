package ingest_test

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"procodus.dev/hydro-ingest/internal/ingest"
)

// stubFinder serves a fixed device for a known serial.
type stubFinder struct {
	device *ingest.Device
	err    error
}

func (f *stubFinder) FindActiveBySerial(_ context.Context, serial string) (*ingest.Device, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.device != nil && f.device.YdocSerial == serial {
		return f.device, nil
	}
	return nil, ingest.ErrDeviceNotFound
}

var _ = Describe("BearerFromRequest", func() {
	newRequest := func() *http.Request {
		req, err := http.NewRequest(http.MethodPost, "/api/ingest", nil)
		Expect(err).NotTo(HaveOccurred())
		return req
	}

	It("should extract a well-formed bearer", func() {
		req := newRequest()
		req.Header.Set("Authorization", "Bearer abc123")
		Expect(ingest.BearerFromRequest(req)).To(Equal("abc123"))
	})

	It("should tolerate the duplicated Authorization literal", func() {
		req := newRequest()
		req.Header.Set("Authorization", "Authorization Bearer abc123")
		Expect(ingest.BearerFromRequest(req)).To(Equal("abc123"))
	})

	It("should be case-insensitive on the scheme", func() {
		req := newRequest()
		req.Header.Set("Authorization", "bearer abc123")
		Expect(ingest.BearerFromRequest(req)).To(Equal("abc123"))
	})

	It("should fall back to the device-token header", func() {
		req := newRequest()
		req.Header.Set("X-Device-Token", "abc123")
		Expect(ingest.BearerFromRequest(req)).To(Equal("abc123"))
	})

	It("should return empty when nothing is presented", func() {
		Expect(ingest.BearerFromRequest(newRequest())).To(Equal(""))
	})

	It("should not treat a non-bearer Authorization as a token", func() {
		req := newRequest()
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		Expect(ingest.BearerFromRequest(req)).To(Equal(""))
	})
})

var _ = Describe("Authenticator", func() {
	const (
		serial = "ML-417ADS-125638581"
		token  = "abc123"
	)

	var (
		logger *slog.Logger
		device *ingest.Device
		finder *stubFinder
		meta   *ingest.Meta
		ctx    context.Context
	)

	newAuth := func(masterKey []byte) *ingest.Authenticator {
		auth, err := ingest.NewAuthenticator(&ingest.AuthenticatorConfig{
			Logger:    logger,
			Devices:   finder,
			MasterKey: masterKey,
		})
		Expect(err).NotTo(HaveOccurred())
		return auth
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		ctx = context.Background()

		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())

		device = &ingest.Device{
			YdocSerial: serial,
			TokenHash:  string(hash),
			SiteID:     1,
			IsActive:   true,
		}
		finder = &stubFinder{device: device}

		level := 12.3
		meta = &ingest.Meta{
			ClientSlug: "metrovancouver",
			SiteSlug:   "coquitlam",
			YdocSerial: serial,
			TS:         "2024-03-05T16:07:09Z",
			LevelM:     &level,
		}
	})

	Describe("NewAuthenticator", func() {
		It("should reject a master key that is not 32 bytes", func() {
			_, err := ingest.NewAuthenticator(&ingest.AuthenticatorConfig{
				Logger:    logger,
				Devices:   finder,
				MasterKey: []byte("short"),
			})
			Expect(err).To(HaveOccurred())
		})

		It("should reject an unknown algorithm", func() {
			_, err := ingest.NewAuthenticator(&ingest.AuthenticatorConfig{
				Logger:  logger,
				Devices: finder,
				Algo:    "md5",
			})
			Expect(err).To(HaveOccurred())
		})

		It("should accept sha512", func() {
			_, err := ingest.NewAuthenticator(&ingest.AuthenticatorConfig{
				Logger:  logger,
				Devices: finder,
				Algo:    "sha512",
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("bearer verification", func() {
		It("should accept the correct token", func() {
			got, err := newAuth(nil).Authenticate(ctx, meta, &ingest.Credentials{Token: token}, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.YdocSerial).To(Equal(serial))
		})

		It("should reject a missing token", func() {
			_, err := newAuth(nil).Authenticate(ctx, meta, &ingest.Credentials{}, nil)
			Expect(err).To(MatchError(ingest.ErrMissingBearer))
		})

		It("should reject a wrong token", func() {
			_, err := newAuth(nil).Authenticate(ctx, meta, &ingest.Credentials{Token: "wrong"}, nil)
			Expect(err).To(MatchError(ingest.ErrBadToken))
		})

		It("should reject an unknown serial", func() {
			meta.YdocSerial = "ML-OTHER-000000000"
			_, err := newAuth(nil).Authenticate(ctx, meta, &ingest.Credentials{Token: token}, nil)
			Expect(err).To(MatchError(ingest.ErrDeviceNotFound))
		})
	})

	Describe("signature verification", func() {
		var (
			masterKey []byte
			secret    []byte
		)

		// provision encrypts the device HMAC secret the way the
		// out-of-band provisioning tool does: AES-256-GCM with the
		// ciphertext, nonce, and auth tag stored separately.
		provision := func() {
			masterKey = make([]byte, 32)
			_, err := rand.Read(masterKey)
			Expect(err).NotTo(HaveOccurred())

			secret = []byte("per-device-signing-secret")

			block, err := aes.NewCipher(masterKey)
			Expect(err).NotTo(HaveOccurred())
			gcm, err := cipher.NewGCM(block)
			Expect(err).NotTo(HaveOccurred())

			nonce := make([]byte, gcm.NonceSize())
			_, err = rand.Read(nonce)
			Expect(err).NotTo(HaveOccurred())

			sealed := gcm.Seal(nil, nonce, secret, nil)
			device.HmacCiphertext = sealed[:len(sealed)-gcm.Overhead()]
			device.HmacTag = sealed[len(sealed)-gcm.Overhead():]
			device.HmacNonce = nonce
		}

		sign := func(m *ingest.Meta, photoHash string) string {
			canonical, err := m.CanonicalJSON()
			Expect(err).NotTo(HaveOccurred())

			mac := hmac.New(sha256.New, secret)
			mac.Write(canonical)
			mac.Write([]byte("."))
			mac.Write([]byte(photoHash))
			return base64.StdEncoding.EncodeToString(mac.Sum(nil))
		}

		It("should accept a valid signature", func() {
			provision()
			creds := &ingest.Credentials{Token: token, Signature: sign(meta, "")}

			_, err := newAuth(masterKey).Authenticate(ctx, meta, creds, nil)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should accept a valid signature covering a photo", func() {
			provision()
			photo := []byte{0xFF, 0xD8, 0xFF, 0xD9}
			sum := sha256.Sum256(photo)
			creds := &ingest.Credentials{
				Token:     token,
				Signature: sign(meta, hex.EncodeToString(sum[:])),
			}

			_, err := newAuth(masterKey).Authenticate(ctx, meta, creds, photo)
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject a tampered payload", func() {
			provision()
			creds := &ingest.Credentials{Token: token, Signature: sign(meta, "")}

			tampered := 999.9
			meta.LevelM = &tampered

			_, err := newAuth(masterKey).Authenticate(ctx, meta, creds, nil)
			Expect(err).To(MatchError(ingest.ErrBadHMAC))
		})

		It("should reject a signature when the device has no secret", func() {
			creds := &ingest.Credentials{Token: token, Signature: "c29tZXNpZw=="}

			_, err := newAuth(nil).Authenticate(ctx, meta, creds, nil)
			Expect(err).To(MatchError(ingest.ErrHMACNotConfigured))
		})

		It("should fail when a secret exists but no master key is configured", func() {
			provision()
			creds := &ingest.Credentials{Token: token, Signature: sign(meta, "")}

			_, err := newAuth(nil).Authenticate(ctx, meta, creds, nil)
			Expect(err).To(HaveOccurred())
			Expect(err).NotTo(MatchError(ingest.ErrBadHMAC))
		})

		It("should skip signature verification when none is presented", func() {
			provision()
			_, err := newAuth(masterKey).Authenticate(ctx, meta, &ingest.Credentials{Token: token}, nil)
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
