package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

var base = models.RequestDescriptor{
	ProductType: models.DataProduct,
	Format:      models.FLAC,
	DeviceID:    "ICLISTENHF1353",
	LocationID:  "BACAX",
}

func TestPartitionSixHoursByTwo(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := models.NewTimeRange(start, start.Add(6*time.Hour))

	got, err := Partition(r, 2*time.Hour, base)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, d := range got {
		assert.Equal(t, start.Add(time.Duration(i)*2*time.Hour), d.Range.Start)
		assert.Equal(t, start.Add(time.Duration(i+1)*2*time.Hour), d.Range.End)
		assert.Equal(t, models.FLAC, d.Format)
	}
}

func TestPartitionCoversRangeExactly(t *testing.T) {
	start := time.Date(2024, 3, 10, 7, 13, 0, 0, time.UTC)
	cases := []struct {
		length time.Duration
		span   time.Duration
	}{
		{time.Minute, time.Hour},
		{5*time.Hour + 7*time.Minute, 2 * time.Hour},
		{48 * time.Hour, 24 * time.Hour},
		{90 * time.Second, 7 * time.Second},
	}
	for _, tc := range cases {
		r := models.NewTimeRange(start, start.Add(tc.length))
		got, err := Partition(r, tc.span, base)
		require.NoError(t, err)

		cursor := r.Start
		for _, d := range got {
			assert.Equal(t, cursor, d.Range.Start, "gap or overlap at %s", cursor)
			assert.True(t, d.Range.Valid())
			assert.LessOrEqual(t, d.Range.Duration(), tc.span)
			cursor = d.Range.End
		}
		assert.Equal(t, r.End, cursor)
	}
}

func TestPartitionRejectsInvalidRange(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := Partition(models.NewTimeRange(start, start), time.Hour, base)
	assert.True(t, errkind.Is(err, errkind.InvalidRange))

	_, err = Partition(models.NewTimeRange(start.Add(time.Hour), start), time.Hour, base)
	assert.True(t, errkind.Is(err, errkind.InvalidRange))

	_, err = Partition(models.NewTimeRange(start, start.Add(time.Hour)), 0, base)
	assert.True(t, errkind.Is(err, errkind.InvalidRange))
}

func TestPartitionDescriptorsDoNotShareParams(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := base
	b.ExtraParams = map[string]string{"k": "v"}
	got, err := Partition(models.NewTimeRange(start, start.Add(2*time.Hour)), time.Hour, b)
	require.NoError(t, err)
	got[0].ExtraParams["k"] = "changed"
	assert.Equal(t, "v", got[1].ExtraParams["k"])
	assert.Equal(t, "v", b.ExtraParams["k"])
}

func TestSpansFor(t *testing.T) {
	s := Spans{models.Archive: 6 * time.Hour}
	assert.Equal(t, 6*time.Hour, s.For(models.Archive))
	assert.Equal(t, 2*time.Hour, s.For(models.DataProduct))
}
