package ingest

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Header names the devices use. X-Device-Token is a fallback transport
// for firmwares that cannot set an Authorization header.
const (
	headerDeviceToken = "X-Device-Token"
	headerSignature   = "X-Signature"
	headerPhotoHash   = "X-Photo-Hash"
)

// Some YDOC firmwares mistakenly send "Authorization: Authorization Bearer <t>".
var duplicatedAuthPrefix = regexp.MustCompile(`(?i)^Authorization\s+`)

var bearerPrefix = regexp.MustCompile(`(?i)^Bearer\s+`)

// BearerFromRequest extracts the device token from the request,
// tolerating the duplicated "Authorization" literal and accepting the
// dedicated device-token header as a fallback. An empty return means
// no credential was presented at all.
func BearerFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		header = duplicatedAuthPrefix.ReplaceAllString(header, "")
	}

	if bearerPrefix.MatchString(header) {
		return strings.TrimSpace(bearerPrefix.ReplaceAllString(header, ""))
	}
	return strings.TrimSpace(r.Header.Get(headerDeviceToken))
}

// AuthenticatorConfig holds the configuration for the Authenticator.
type AuthenticatorConfig struct {
	Logger  *slog.Logger
	Devices DeviceFinder

	// MasterKey decrypts per-device HMAC secrets. Empty is allowed;
	// signed submissions then fail closed.
	MasterKey []byte

	// Algo selects the MAC hash: "sha256" (default) or "sha512".
	Algo string
}

// Authenticator establishes that the caller is the legitimate device
// named in the normalized record, and optionally that the payload has
// not been tampered with.
type Authenticator struct {
	logger    *slog.Logger
	devices   DeviceFinder
	masterKey []byte
	newHash   func() hash.Hash
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(cfg *AuthenticatorConfig) (*Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("authenticator config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Devices == nil {
		return nil, errors.New("device finder cannot be nil")
	}

	if len(cfg.MasterKey) != 0 && len(cfg.MasterKey) != 32 {
		return nil, errors.New("HMAC master key must be 32 bytes (AES-256)")
	}

	var newHash func() hash.Hash
	switch cfg.Algo {
	case "", "sha256":
		newHash = sha256.New
	case "sha512":
		newHash = sha512.New
	default:
		return nil, fmt.Errorf("unsupported HMAC algorithm %q", cfg.Algo)
	}

	return &Authenticator{
		logger:    cfg.Logger,
		devices:   cfg.Devices,
		masterKey: cfg.MasterKey,
		newHash:   newHash,
	}, nil
}

// Credentials carries everything the transport layer extracted for
// verification.
type Credentials struct {
	// Token is the bearer token. Empty means none was presented.
	Token string

	// Signature is the optional base64 MAC from X-Signature.
	Signature string

	// PhotoHash is the optional precomputed photo digest (hex) from
	// X-Photo-Hash. Trusted when present, for CPU-constrained devices.
	PhotoHash string
}

// Authenticate verifies the submitting device. The returned errors are
// Rejections from the taxonomy in errors.go; any other error is a
// dependency failure. The token is never logged.
func (a *Authenticator) Authenticate(ctx context.Context, meta *Meta, creds *Credentials, photo []byte) (*Device, error) {
	if creds.Token == "" {
		return nil, ErrMissingBearer
	}

	device, err := a.devices.FindActiveBySerial(ctx, meta.YdocSerial)
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(device.TokenHash), []byte(creds.Token)) != nil {
		return nil, ErrBadToken
	}

	if creds.Signature != "" {
		if err := a.verifySignature(device, meta, creds, photo); err != nil {
			return nil, err
		}
	}

	return device, nil
}

// verifySignature checks the keyed MAC over the canonical metadata and
// photo digest. The comparison is constant-time.
func (a *Authenticator) verifySignature(device *Device, meta *Meta, creds *Credentials, photo []byte) error {
	secret, err := a.decryptSecret(device)
	if err != nil {
		return fmt.Errorf("failed to decrypt device HMAC secret: %w", err)
	}
	if secret == nil {
		return ErrHMACNotConfigured
	}

	photoHash := ""
	if len(photo) > 0 {
		photoHash = creds.PhotoHash
		if photoHash == "" {
			sum := sha256.Sum256(photo)
			photoHash = hex.EncodeToString(sum[:])
		}
	}

	canonical, err := meta.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize meta for signature: %w", err)
	}

	mac := hmac.New(a.newHash, secret)
	mac.Write(canonical)
	mac.Write([]byte("."))
	mac.Write([]byte(photoHash))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(creds.Signature)) {
		return ErrBadHMAC
	}
	return nil
}

// decryptSecret recovers the device's HMAC secret from its stored
// AES-256-GCM ciphertext, nonce, and auth tag. A device without a
// stored secret returns (nil, nil).
func (a *Authenticator) decryptSecret(device *Device) ([]byte, error) {
	if len(device.HmacCiphertext) == 0 || len(device.HmacNonce) == 0 || len(device.HmacTag) == 0 {
		return nil, nil
	}

	if len(a.masterKey) == 0 {
		return nil, errors.New("HMAC master key is not configured")
	}

	block, err := aes.NewCipher(a.masterKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, len(device.HmacNonce))
	if err != nil {
		return nil, err
	}

	// GCM expects the tag appended to the ciphertext; the schema stores
	// them in separate columns.
	sealed := make([]byte, 0, len(device.HmacCiphertext)+len(device.HmacTag))
	sealed = append(sealed, device.HmacCiphertext...)
	sealed = append(sealed, device.HmacTag...)

	secret, err := gcm.Open(nil, device.HmacNonce, sealed, nil)
	if err != nil {
		return nil, err
	}
	return secret, nil
}
