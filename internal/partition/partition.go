// Package partition splits a requested time range into request descriptors sized for the remote service.
package partition

import (
	"time"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

// Partition greedily splits r into consecutive sub-ranges of at most maxSpan.
// base supplies the product type and every other descriptor field; only the range differs.
// The result is a chronological, gap-free, non-overlapping cover of r.
func Partition(r models.TimeRange, maxSpan time.Duration, base models.RequestDescriptor) ([]models.RequestDescriptor, error) {
	if !r.Valid() {
		return nil, errkind.Errorf(errkind.InvalidRange, "partition", "start %s is not before end %s",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if maxSpan <= 0 {
		return nil, errkind.Errorf(errkind.InvalidRange, "partition", "max span must be positive, got %s", maxSpan)
	}

	r = models.NewTimeRange(r.Start, r.End)
	out := make([]models.RequestDescriptor, 0, int(r.Duration()/maxSpan)+1)
	for cursor := r.Start; cursor.Before(r.End); {
		next := cursor.Add(maxSpan)
		if next.After(r.End) {
			next = r.End
		}
		out = append(out, base.WithRange(models.TimeRange{Start: cursor, End: next}))
		cursor = next
	}
	return out, nil
}

// Spans maps product types to their maximum request span.
type Spans map[models.ProductType]time.Duration

// For returns the configured span for p, falling back to the product default.
func (s Spans) For(p models.ProductType) time.Duration {
	if d, ok := s[p]; ok && d > 0 {
		return d
	}
	return p.DefaultMaxSpan()
}
