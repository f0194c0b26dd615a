package events

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

func TestScopeStampsEvents(t *testing.T) {
	var got []Event
	s := Scope{SessionID: "abc", Sink: SinkFunc(func(e Event) { got = append(got, e) })}
	s.Emit(Event{Type: Registered})

	assert.Len(t, got, 1)
	assert.Equal(t, "abc", got[0].SessionID)
	assert.False(t, got[0].At.IsZero())
}

func TestScopeWithoutSinkOrLogger(t *testing.T) {
	s := Scope{}
	s.Emit(Event{Type: Finished})
	assert.NotNil(t, s.Log())
}

func TestMultiSkipsNil(t *testing.T) {
	n := 0
	count := SinkFunc(func(Event) { n++ })
	Multi{count, nil, count}.Emit(Event{})
	assert.Equal(t, 2, n)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := NewLogSink(logger)

	rec := models.JobRecord{State: models.StateFailed, LastError: &models.JobError{Kind: errkind.Auth, Message: "denied"}}
	sink.Emit(Event{Type: Transition, From: models.StatePending, To: models.StateSubmitted, Record: rec})
	assert.Empty(t, buf.String(), "plain transitions log at debug")

	sink.Emit(Event{Type: Transition, From: models.StatePending, To: models.StateFailed, Record: rec})
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "kind=auth")

	buf.Reset()
	sink.Emit(Event{Type: Retry, Kind: errkind.RateLimit, Record: rec})
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "kind=rate_limit")
}
