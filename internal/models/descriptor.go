package models

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// TimeRange is a half-open [Start, End) interval in UTC.
type TimeRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// NewTimeRange normalizes both bounds to UTC.
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{Start: start.UTC(), End: end.UTC()}
}

// Valid reports whether Start is strictly before End.
func (r TimeRange) Valid() bool {
	return r.Start.Before(r.End)
}

func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Overlaps reports whether the two half-open ranges share any instant.
// A zero End on other is treated as open-ended.
func (r TimeRange) Overlaps(other TimeRange) bool {
	if !other.End.IsZero() && !other.End.After(r.Start) {
		return false
	}
	return other.Start.Before(r.End)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// ProductType selects how a request is fulfilled remotely.
type ProductType string

const (
	// DataProduct requests are generated server-side through the request/run/status cycle.
	DataProduct ProductType = "dataProduct"
	// Archive requests list and download files already present in the archive.
	Archive ProductType = "archive"
	// Calibration requests fetch a device's sensitivity records.
	Calibration ProductType = "calibration"
)

// ProductTypes lists every variant.
var ProductTypes = []ProductType{DataProduct, Archive, Calibration}

// DefaultMaxSpan is the request span used when configuration does not override it.
// Data products are processed on the server and tolerate shorter spans than archive listings.
func (p ProductType) DefaultMaxSpan() time.Duration {
	switch p {
	case DataProduct:
		return 2 * time.Hour
	case Archive:
		return 24 * time.Hour
	default:
		return 0
	}
}

func (p ProductType) short() string {
	switch p {
	case DataProduct:
		return "dp"
	case Archive:
		return "ar"
	case Calibration:
		return "cal"
	default:
		return string(p)
	}
}

// ParseProductType accepts the config spelling of a product type.
func ParseProductType(s string) (ProductType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dataproduct", "data-product", "data_product", "dp", "":
		return DataProduct, nil
	case "archive":
		return Archive, nil
	case "calibration":
		return Calibration, nil
	}
	return "", fmt.Errorf("unknown product type %q, want one of %v", s, ProductTypes)
}

// Format is the requested file format.
type Format string

const (
	WAV  Format = "wav"
	FLAC Format = "flac"
	PNG  Format = "png"
	TXT  Format = "txt"
)

// Formats lists every supported format.
var Formats = []Format{WAV, FLAC, PNG, TXT}

type formatSpec struct {
	productCode string
	options     map[string]string
}

var formatSpecs = map[Format]formatSpec{
	WAV:  {productCode: "AD"},
	FLAC: {productCode: "AD"},
	PNG: {productCode: "HSD", options: map[string]string{
		"dpo_lowerColourLimit": "-1000",
		"dpo_upperColourLimit": "-1000",
	}},
	TXT: {productCode: "LF"},
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	if _, ok := formatSpecs[f]; !ok {
		return "", fmt.Errorf("unsupported format %q, want one of %v", s, Formats)
	}
	return f, nil
}

// Extension is the file extension without a leading dot.
func (f Format) Extension() string {
	return string(f)
}

// DataProductCode is the remote product code that yields this format.
func (f Format) DataProductCode() string {
	return formatSpecs[f].productCode
}

// DefaultOptions returns the product options sent with every request for the format.
func (f Format) DefaultOptions() map[string]string {
	return maps.Clone(formatSpecs[f].options)
}

// RequestDescriptor describes one remote job. Treat it as immutable once created.
type RequestDescriptor struct {
	Range       TimeRange         `json:"range" yaml:"range"`
	ProductType ProductType       `json:"product_type" yaml:"product_type"`
	Format      Format            `json:"format" yaml:"format"`
	DeviceID    string            `json:"device_id" yaml:"device_id"`
	LocationID  string            `json:"location_id" yaml:"location_id"`
	ExtraParams map[string]string `json:"extra_params,omitempty" yaml:"extra_params,omitempty"`
}

// WithRange returns a copy of d covering r. The extra params map is cloned.
func (d RequestDescriptor) WithRange(r TimeRange) RequestDescriptor {
	out := d
	out.Range = r
	out.ExtraParams = maps.Clone(d.ExtraParams)
	return out
}

// Params merges the format defaults with the descriptor's extra params.
func (d RequestDescriptor) Params() map[string]string {
	out := d.Format.DefaultOptions()
	if out == nil {
		out = make(map[string]string, len(d.ExtraParams))
	}
	maps.Copy(out, d.ExtraParams)
	return out
}

// Key is the stable identity of the descriptor, used for persistence and report aggregation.
func (d RequestDescriptor) Key() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%s", d.ProductType, d.LocationID, d.DeviceID, d.Format,
		d.Range.Start.UTC().Format(time.RFC3339), d.Range.End.UTC().Format(time.RFC3339))
	for _, k := range slices.Sorted(maps.Keys(d.ExtraParams)) {
		fmt.Fprintf(&b, "|%s=%s", k, d.ExtraParams[k])
	}
	return b.String()
}

const slugTime = "20060102T150405Z"

// Slug is a filesystem-safe name derived from the descriptor's time range, never from submission order.
func (d RequestDescriptor) Slug() string {
	subject := d.DeviceID
	if subject == "" {
		subject = d.LocationID
	}
	parts := []string{subject, d.ProductType.short()}
	if d.Format != "" {
		parts = append(parts, string(d.Format))
	}
	parts = append(parts, d.Range.Start.UTC().Format(slugTime), d.Range.End.UTC().Format(slugTime))
	return sanitizeSlug(strings.Join(parts, "_"))
}

func (d RequestDescriptor) String() string {
	return fmt.Sprintf("%s %s/%s %s %s", d.ProductType, d.LocationID, d.DeviceID, d.Format, d.Range)
}

func sanitizeSlug(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
}
