package ingest

// Rejection is a terminal, caller-visible refusal of a submission.
// Each carries a stable machine-readable code and the HTTP status it
// maps to, so operators can tell device misconfiguration apart from
// active attack attempts. Anything that is not a Rejection is a
// dependency failure and surfaces as a generic server error.
type Rejection struct {
	Code   string
	Status int
}

func (r *Rejection) Error() string {
	return r.Code
}

var (
	// ErrMissingBearer: no Authorization bearer and no X-Device-Token.
	ErrMissingBearer = &Rejection{Code: "missing_bearer", Status: 401}

	// ErrDeviceNotFound covers both unknown and deactivated devices.
	// The two cases are deliberately indistinguishable to the caller.
	ErrDeviceNotFound = &Rejection{Code: "device_not_found_or_inactive", Status: 401}

	// ErrBadToken: the presented token does not match the stored hash.
	ErrBadToken = &Rejection{Code: "bad_token", Status: 401}

	// ErrHMACNotConfigured: a signature was presented but the device has
	// no usable secret. Fail closed, not open.
	ErrHMACNotConfigured = &Rejection{Code: "hmac_not_configured", Status: 403}

	// ErrBadHMAC: the signature did not verify.
	ErrBadHMAC = &Rejection{Code: "bad_hmac", Status: 403}

	// ErrMetaRefNotFound: the (client, site, device) triple does not
	// resolve together. Distinct from ErrDeviceNotFound because token
	// verification already succeeded; this is a referential-integrity
	// error, not an auth error.
	ErrMetaRefNotFound = &Rejection{Code: "meta_ref_not_found", Status: 400}

	// ErrPayloadTooLarge: oversized body or a non-JPEG photo part.
	ErrPayloadTooLarge = &Rejection{Code: "payload_too_large_or_not_jpeg", Status: 413}
)
