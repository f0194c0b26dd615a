package models

import "time"

// ManifestEntry is one downloadable file exposed by a completed job.
type ManifestEntry struct {
	RemoteName  string `json:"remote_name" yaml:"remote_name"`
	ByteSize    int64  `json:"byte_size" yaml:"byte_size"`
	Checksum    string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	DownloadURL string `json:"download_url" yaml:"download_url"`
}

// ResultManifest lists a job's result files in server order.
type ResultManifest struct {
	Entries []ManifestEntry `json:"entries" yaml:"entries"`
}

// TotalBytes sums the declared sizes of all entries.
func (m ResultManifest) TotalBytes() int64 {
	var n int64
	for _, e := range m.Entries {
		n += e.ByteSize
	}
	return n
}

// SensitivityPoint is one bin of a calibration vector. FrequencyHz is zero when the
// device publishes no bin frequencies; Bin is 1-based.
type SensitivityPoint struct {
	Bin         int     `json:"bin" yaml:"bin"`
	FrequencyHz float64 `json:"frequency_hz,omitempty" yaml:"frequency_hz,omitempty"`
	GainDB      float64 `json:"gain_db" yaml:"gain_db"`
}

// CalibrationRecord is a device's sensitivity vector over a validity window.
// A zero ValidTo means valid until further notice.
type CalibrationRecord struct {
	DeviceID    string             `json:"device_id" yaml:"device_id"`
	Sensitivity []SensitivityPoint `json:"sensitivity" yaml:"sensitivity"`
	ValidFrom   time.Time          `json:"valid_from" yaml:"valid_from"`
	ValidTo     time.Time          `json:"valid_to,omitempty" yaml:"valid_to,omitempty"`
	// SourceJob is the remote job ID of the calibration job that produced the record.
	SourceJob string `json:"source_job,omitempty" yaml:"source_job,omitempty"`
}

// HasFrequencies reports whether the vector carries bin frequencies.
func (c CalibrationRecord) HasFrequencies() bool {
	for _, p := range c.Sensitivity {
		if p.FrequencyHz != 0 {
			return true
		}
	}
	return false
}

// CatalogQuery narrows a catalog listing.
type CatalogQuery struct {
	LocationID string
	// Window, when valid, keeps only deployments overlapping it.
	Window TimeRange
}

// Deployment is a device's placement at a location over time. A zero End is ongoing.
type Deployment struct {
	DeviceID   string    `json:"device_id" yaml:"device_id"`
	LocationID string    `json:"location_id" yaml:"location_id"`
	Begin      time.Time `json:"begin" yaml:"begin"`
	End        time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// CatalogEntry groups a location with the hydrophones deployed there.
type CatalogEntry struct {
	LocationID   string       `json:"location_id" yaml:"location_id"`
	LocationName string       `json:"location_name" yaml:"location_name"`
	Devices      []Device     `json:"devices" yaml:"devices"`
	Deployments  []Deployment `json:"deployments" yaml:"deployments"`
}

// Device is a catalogued instrument.
type Device struct {
	DeviceID   string `json:"device_id" yaml:"device_id"`
	DeviceName string `json:"device_name" yaml:"device_name"`
}

// NewSensitivity pairs gains with bin leading-edge frequencies. When both are present and their
// lengths differ, both are trimmed to the shorter length. A nil freqs yields points without frequencies.
func NewSensitivity(gains, freqs []float64) []SensitivityPoint {
	n := len(gains)
	if len(freqs) > 0 && len(freqs) < n {
		n = len(freqs)
	}
	out := make([]SensitivityPoint, n)
	for i := range n {
		out[i] = SensitivityPoint{Bin: i + 1, GainDB: gains[i]}
		if len(freqs) > 0 {
			out[i].FrequencyHz = freqs[i]
		}
	}
	return out
}
