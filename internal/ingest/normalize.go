package ingest

import (
	"encoding/json"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Meta is the canonical reading-submission record every payload shape
// is normalized into. Field order matters: CanonicalJSON feeds the
// HMAC signature base and must serialize identically on device and
// server.
type Meta struct {
	ClientSlug string   `json:"client_slug"`
	SiteSlug   string   `json:"site_slug"`
	YdocSerial string   `json:"ydoc_serial"`
	TS         string   `json:"ts"`
	LevelM     *float64 `json:"level_m,omitempty"`
	BatteryV   *float64 `json:"battery_v,omitempty"`
	TempC      *float64 `json:"temp_c,omitempty"`
	ReadingID  string   `json:"reading_id,omitempty"`
}

// CanonicalJSON returns the serialization used as the HMAC signature base.
func (m *Meta) CanonicalJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FieldIssue describes one violated field in a rejected submission.
type FieldIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// DefaultIdentity is the fallback identity applied to submissions that
// carry no client/site/serial at all. It exists as an operational
// convenience for one dominant single-device integration; leaving all
// fields empty disables the fallback, making unlabelled traffic fail
// validation instead of being silently attributed to one device.
type DefaultIdentity struct {
	ClientSlug string
	SiteSlug   string
	YdocSerial string
}

// Normalizer coerces arbitrary device payload shapes into a Meta.
type Normalizer struct {
	defaults DefaultIdentity
}

// NewNormalizer creates a Normalizer with the given fallback identity.
func NewNormalizer(defaults DefaultIdentity) *Normalizer {
	return &Normalizer{defaults: defaults}
}

// levelExtractor tries to pull a water level out of a raw payload.
// Extractors run in a fixed priority order until one yields a value.
type levelExtractor func(raw map[string]any) (float64, bool)

// fromKey extracts a numeric value stored directly under key.
func fromKey(key string) levelExtractor {
	return func(raw map[string]any) (float64, bool) {
		v, ok := raw[key]
		if !ok {
			return 0, false
		}
		return toFloat(v)
	}
}

// fromValuesArray extracts the first element of a "values" array, which
// may be an object carrying a "value" field or a bare value.
func fromValuesArray(raw map[string]any) (float64, bool) {
	arr, ok := raw["values"].([]any)
	if !ok || len(arr) == 0 {
		return 0, false
	}
	if obj, ok := arr[0].(map[string]any); ok {
		if v, ok := obj["value"]; ok {
			return toFloat(v)
		}
		return 0, false
	}
	return toFloat(arr[0])
}

// fromDataRows handles the YDOC ML-X17 shape: a "data" array of row
// objects where the level hides under a vendor-specific key.
func fromDataRows(raw map[string]any) (float64, bool) {
	rows, ok := raw["data"].([]any)
	if !ok {
		return 0, false
	}
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range []string{"AIN", "ain", "Analog", "analog", "value", "Val"} {
			if v, ok := row[key]; ok {
				return toFloat(v)
			}
		}
		// only the first object-shaped row is consulted
		return 0, false
	}
	return 0, false
}

// levelAliases are the alternative sources for level_m, tried before
// the default-identity step.
var levelAliases = []levelExtractor{
	fromKey("value"),
	fromKey("Value"),
	fromValuesArray,
}

// Normalize applies the normalization rules in order, each only taking
// effect if the target field is not already present, then validates
// the result. isJPEG relaxes the schema for photo-only submissions:
// level, battery, temperature, and reading id become optional.
//
// A nil issue slice means the Meta is valid.
func (n *Normalizer) Normalize(raw map[string]any, query url.Values, isJPEG bool) (*Meta, []FieldIssue) {
	if raw == nil {
		raw = map[string]any{}
	}

	meta := &Meta{}

	// 1. Numeric coercion for string-typed measurements
	meta.LevelM = floatField(raw, "level_m")
	meta.BatteryV = floatField(raw, "battery_v")
	meta.TempC = floatField(raw, "temp_c")

	// 2. Query-parameter fallback for identity (raw-binary submissions
	// cannot carry a JSON meta object)
	meta.ClientSlug = stringField(raw, "client_slug", query.Get("client_slug"))
	meta.SiteSlug = stringField(raw, "site_slug", query.Get("site_slug"))
	meta.YdocSerial = stringField(raw, "ydoc_serial", query.Get("ydoc_serial"))

	// 3. Value-alias resolution for the water level
	if meta.LevelM == nil {
		for _, extract := range levelAliases {
			if v, ok := extract(raw); ok {
				meta.LevelM = &v
				break
			}
		}
	}

	// 4. Default timestamp
	meta.TS = stringField(raw, "ts", "")
	if meta.TS == "" {
		meta.TS = time.Now().UTC().Format(time.RFC3339)
	}

	// 5. Default tenant identity for unlabelled traffic, if configured
	if meta.ClientSlug == "" {
		meta.ClientSlug = n.defaults.ClientSlug
	}
	if meta.SiteSlug == "" {
		meta.SiteSlug = n.defaults.SiteSlug
	}
	if meta.YdocSerial == "" {
		meta.YdocSerial = n.defaults.YdocSerial
	}

	// 6. Vendor-specific row mapping, last resort for the level
	if meta.LevelM == nil {
		if v, ok := fromDataRows(raw); ok {
			meta.LevelM = &v
		}
	}

	meta.ReadingID = stringField(raw, "reading_id", "")

	return meta, n.validate(meta, isJPEG)
}

func (n *Normalizer) validate(meta *Meta, isJPEG bool) []FieldIssue {
	var issues []FieldIssue

	if meta.ClientSlug == "" {
		issues = append(issues, FieldIssue{Field: "client_slug", Message: "required"})
	}
	if meta.SiteSlug == "" {
		issues = append(issues, FieldIssue{Field: "site_slug", Message: "required"})
	}
	if meta.YdocSerial == "" {
		issues = append(issues, FieldIssue{Field: "ydoc_serial", Message: "required"})
	}

	if meta.TS == "" {
		issues = append(issues, FieldIssue{Field: "ts", Message: "required"})
	} else if _, err := ParseTimestamp(meta.TS); err != nil {
		issues = append(issues, FieldIssue{Field: "ts", Message: "not a valid timestamp"})
	}

	switch {
	case meta.LevelM == nil:
		if !isJPEG {
			issues = append(issues, FieldIssue{Field: "level_m", Message: "required"})
		}
	case math.IsNaN(*meta.LevelM) || math.IsInf(*meta.LevelM, 0):
		issues = append(issues, FieldIssue{Field: "level_m", Message: "must be finite"})
	}

	if meta.BatteryV != nil && (math.IsNaN(*meta.BatteryV) || math.IsInf(*meta.BatteryV, 0)) {
		issues = append(issues, FieldIssue{Field: "battery_v", Message: "must be finite"})
	}
	if meta.TempC != nil && (math.IsNaN(*meta.TempC) || math.IsInf(*meta.TempC, 0)) {
		issues = append(issues, FieldIssue{Field: "temp_c", Message: "must be finite"})
	}

	if meta.ReadingID != "" {
		if _, err := uuid.Parse(meta.ReadingID); err != nil {
			issues = append(issues, FieldIssue{Field: "reading_id", Message: "must be a UUID"})
		}
	}

	return issues
}

// ParseTimestamp parses a device-supplied ISO-8601 timestamp. A value
// without a zone offset is interpreted as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// toFloat coerces JSON scalars to float64. Strings are parsed, which
// covers multipart form fields and devices that quote their numbers.
func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatField(raw map[string]any, key string) *float64 {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		// unparseable values surface as NaN so validation reports the field
		f = math.NaN()
	}
	return &f
}

func stringField(raw map[string]any, key, fallback string) string {
	if v, ok := raw[key]; ok && v != nil {
		switch x := v.(type) {
		case string:
			if x != "" {
				return x
			}
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		}
	}
	return fallback
}
