// Package calibration fetches hydrophone sensitivity records through the shared job machinery and
// merges them into the session output.
package calibration

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"hydrophone-downloader/internal/models"
)

// Select returns the records in effect during window, oldest first. At any instant the record with
// the latest ValidFrom wins: an earlier record's effective end is clipped to the next record's
// start, and a record fully superseded this way is dropped. Records without points are ignored.
func Select(recs []models.CalibrationRecord, window models.TimeRange) []models.CalibrationRecord {
	sorted := slices.DeleteFunc(slices.Clone(recs), func(r models.CalibrationRecord) bool {
		return len(r.Sensitivity) == 0
	})
	slices.SortStableFunc(sorted, func(a, b models.CalibrationRecord) int {
		return a.ValidFrom.Compare(b.ValidFrom)
	})

	var out []models.CalibrationRecord
	for i, r := range sorted {
		effective := models.TimeRange{Start: r.ValidFrom, End: r.ValidTo}
		if i+1 < len(sorted) {
			next := sorted[i+1].ValidFrom
			if effective.End.IsZero() || next.Before(effective.End) {
				effective.End = next
			}
		}
		if !effective.End.IsZero() && !effective.Start.Before(effective.End) {
			continue
		}
		if window.Valid() && !window.Overlaps(effective) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SidecarName is the calibration file written next to a device's data.
func SidecarName(deviceID string) string {
	return deviceID + "-hydrophoneCalibration.txt"
}

// Format renders records in the sidecar text format: a commented header per record followed by
// "frequency, gain" rows, or "bin, gain" rows when the device publishes no frequencies.
func Format(deviceID string, recs []models.CalibrationRecord, generated time.Time) []byte {
	var b strings.Builder
	for i, r := range recs {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# Hydrophone Calibration Data for Device: %s\n", deviceID)
		fmt.Fprintf(&b, "# Calibration valid from: %s\n", r.ValidFrom.UTC().Format(time.RFC3339))
		if r.ValidTo.IsZero() {
			b.WriteString("# Calibration valid until further notice.\n")
		} else {
			fmt.Fprintf(&b, "# Calibration valid to:   %s\n", r.ValidTo.UTC().Format(time.RFC3339))
		}
		hasFreq := r.HasFrequencies()
		if hasFreq {
			b.WriteString("# Columns: Frequency (Hz), Sensitivity (dB)\n")
		} else {
			b.WriteString("# Columns: Bin Index (1-based), Sensitivity (dB)\n")
		}
		fmt.Fprintf(&b, "# File generated: %s\n", generated.UTC().Format("2006-01-02 15:04:05 MST"))
		b.WriteString("# ------------------------------------\n")
		for _, p := range r.Sensitivity {
			if hasFreq {
				fmt.Fprintf(&b, "%.2f, %.6f\n", p.FrequencyHz, p.GainDB)
			} else {
				fmt.Fprintf(&b, "%d, %.6f\n", p.Bin, p.GainDB)
			}
		}
	}
	return []byte(b.String())
}
