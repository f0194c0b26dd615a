package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

// maxAttributeParts bounds the PartN walk against a server that never ends the sequence.
const maxAttributeParts = 64

type attributeRecord struct {
	Value    string `json:"value"`
	DateFrom string `json:"dateFrom"`
	DateTo   string `json:"dateTo"`
}

// vector is one attribute assembled across its parts for a single validity window.
type vector struct {
	from, to time.Time
	values   []float64
}

// FetchCalibration returns every sensitivity record of deviceID whose validity overlaps window.
// A zero window returns all records.
func (c *Client) FetchCalibration(ctx context.Context, deviceID string, window models.TimeRange) ([]models.CalibrationRecord, error) {
	if deviceID == "" {
		return nil, errkind.Errorf(errkind.Validation, "calibration", "device is required")
	}
	base := "Hydrophone" + c.calType + "SensitivityVector"
	sens, err := c.fetchVector(ctx, deviceID, base)
	if err != nil {
		return nil, err
	}
	bins, err := c.fetchVector(ctx, deviceID, base+"BinsLeadingEdge")
	if err != nil {
		return nil, err
	}

	var out []models.CalibrationRecord
	for _, s := range sens {
		rec := models.CalibrationRecord{DeviceID: deviceID, ValidFrom: s.from, ValidTo: s.to}
		if window.Valid() && !window.Overlaps(models.TimeRange{Start: rec.ValidFrom, End: rec.ValidTo}) {
			continue
		}
		rec.Sensitivity = models.NewSensitivity(s.values, matchBins(bins, s.from))
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, errkind.Errorf(errkind.NotFound, "calibration", "no %s records for %s", base, deviceID)
	}
	return out, nil
}

// matchBins returns the bin vector valid at t, preferring the latest start.
func matchBins(bins []vector, t time.Time) []float64 {
	var chosen *vector
	for i := range bins {
		b := &bins[i]
		if t.Before(b.from) || (!b.to.IsZero() && !t.Before(b.to)) {
			continue
		}
		if chosen == nil || !b.from.Before(chosen.from) {
			chosen = b
		}
	}
	if chosen == nil {
		return nil
	}
	return chosen.values
}

// fetchVector walks name+"Part1", "Part2", ... until the server reports no further part,
// concatenating values per validity window in first-seen order.
func (c *Client) fetchVector(ctx context.Context, deviceID, name string) ([]vector, error) {
	var out []vector
	index := make(map[string]int)
	for part := 1; part <= maxAttributeParts; part++ {
		var recs []attributeRecord
		q := url.Values{"deviceCode": {deviceID}, "attributeName": {name + "Part" + strconv.Itoa(part)}}
		err := c.getJSON(ctx, "calibration", "api/attributes", q, &recs)
		if errkind.Is(err, errkind.NotFound) {
			break
		}
		if err != nil {
			return nil, err
		}

		added := 0
		for _, r := range recs {
			from, to, err := parseValidity(r)
			if err != nil {
				c.logger.DebugContext(ctx, "skipping calibration attribute", "attribute", name, "error", err)
				continue
			}
			values, err := parseValues(r.Value)
			if err != nil || len(values) == 0 {
				continue
			}
			key := from.Format(time.RFC3339Nano)
			i, ok := index[key]
			if !ok {
				i = len(out)
				index[key] = i
				out = append(out, vector{from: from, to: to})
			}
			out[i].values = append(out[i].values, values...)
			added++
		}
		if added == 0 {
			break
		}
	}
	return out, nil
}

func parseValidity(r attributeRecord) (from, to time.Time, err error) {
	if r.DateFrom == "" {
		return from, to, fmt.Errorf("missing dateFrom")
	}
	if from, err = time.Parse(time.RFC3339, r.DateFrom); err != nil {
		return from, to, err
	}
	if r.DateTo != "" {
		if to, err = time.Parse(time.RFC3339, r.DateTo); err != nil {
			return from, to, err
		}
	}
	return from.UTC(), to.UTC(), nil
}

func parseValues(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("parse value %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}
