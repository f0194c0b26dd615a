// Package events carries structured session events from the core to observers
// (logging, metrics, the session report) without the core formatting any text.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
)

// Type names an event.
type Type string

const (
	// Registered is emitted once per record, in descriptor order, before any work starts.
	Registered Type = "registered"
	Transition Type = "transition"
	Retry      Type = "retry"
	// Finished is emitted once when every record is terminal.
	Finished Type = "finished"
)

// Event is one observation. Record is a copy; observers may keep it.
type Event struct {
	Type      Type
	SessionID string
	Record    models.JobRecord
	From      models.JobState
	To        models.JobState
	Kind      errkind.Kind
	Err       error
	Delay     time.Duration
	At        time.Time
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// Scope is the explicit per-session context handed to every component at construction.
type Scope struct {
	SessionID string
	Logger    *slog.Logger
	Sink      Sink
}

// Emit stamps e with the session ID and time and forwards it.
func (s Scope) Emit(e Event) {
	if s.Sink == nil {
		return
	}
	e.SessionID = s.SessionID
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.Sink.Emit(e)
}

// Log returns the scope's logger, or a discarding logger when none was set.
func (s Scope) Log() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

// LogSink renders events as structured log records.
type LogSink struct {
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d := e.Record.Descriptor
	attrs := []any{
		slog.String("session", e.SessionID),
		slog.String("product", string(d.ProductType)),
		slog.String("device", d.DeviceID),
		slog.String("format", string(d.Format)),
		slog.Time("from", d.Range.Start),
		slog.Time("to", d.Range.End),
	}
	ctx := context.Background()
	switch e.Type {
	case Registered:
		l.logger.DebugContext(ctx, "job registered", attrs...)
	case Transition:
		attrs = append(attrs, slog.String("state_from", string(e.From)), slog.String("state_to", string(e.To)),
			slog.Int("attempts", e.Record.Attempts))
		switch e.To {
		case models.StateFailed:
			if e.Record.LastError != nil {
				attrs = append(attrs, slog.String("kind", string(e.Record.LastError.Kind)),
					slog.String("error", e.Record.LastError.Message))
			}
			l.logger.ErrorContext(ctx, "job failed", attrs...)
		case models.StateCompleted:
			attrs = append(attrs, slog.Int64("bytes", e.Record.BytesDownloaded), slog.Int("files", len(e.Record.Files)))
			l.logger.InfoContext(ctx, "job completed", attrs...)
		case models.StateSkipped:
			l.logger.InfoContext(ctx, "job skipped, already downloaded", attrs...)
		default:
			l.logger.DebugContext(ctx, "job transition", attrs...)
		}
	case Retry:
		attrs = append(attrs, slog.String("kind", string(e.Kind)), slog.Duration("delay", e.Delay),
			slog.Int("attempts", e.Record.Attempts))
		if e.Err != nil {
			attrs = append(attrs, slog.String("error", e.Err.Error()))
		}
		l.logger.WarnContext(ctx, "retrying job", attrs...)
	case Finished:
		l.logger.InfoContext(ctx, "session finished", slog.String("session", e.SessionID))
	}
}
