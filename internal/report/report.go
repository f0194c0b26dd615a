// Package report aggregates tracker events into the session summary.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/models"
)

// Failure describes one record that did not complete.
type Failure struct {
	Descriptor models.RequestDescriptor `json:"descriptor" yaml:"descriptor"`
	Kind       errkind.Kind             `json:"kind" yaml:"kind"`
	LastError  string                   `json:"last_error" yaml:"last_error"`
	Attempts   int                      `json:"attempts" yaml:"attempts"`
}

// Summary is the immutable outcome of a session. Lists follow registration order.
type Summary struct {
	SessionID   string                     `json:"session_id" yaml:"session_id"`
	StartedAt   time.Time                  `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time                  `json:"finished_at" yaml:"finished_at"`
	Total       int                        `json:"total" yaml:"total"`
	Completed   int                        `json:"completed" yaml:"completed"`
	Skipped     int                        `json:"skipped" yaml:"skipped"`
	Failed      []Failure                  `json:"failed" yaml:"failed"`
	Cancelled   []Failure                  `json:"cancelled" yaml:"cancelled"`
	Retries     int                        `json:"retries" yaml:"retries"`
	TotalBytes  int64                      `json:"total_bytes" yaml:"total_bytes"`
	Files       []string                   `json:"files,omitempty" yaml:"files,omitempty"`
	Calibration []models.CalibrationRecord `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	// Aborted carries the session-level cause when the session stopped early.
	Aborted string `json:"aborted,omitempty" yaml:"aborted,omitempty"`
}

// ExitCode is 0 only when nothing failed and the session ran to completion.
func (s Summary) ExitCode() int {
	if len(s.Failed) > 0 || len(s.Cancelled) > 0 || s.Aborted != "" {
		return 1
	}
	return 0
}

// Snapshot is a live view of a running session.
type Snapshot struct {
	SessionID  string                  `json:"session_id"`
	Total      int                     `json:"total"`
	States     map[models.JobState]int `json:"states"`
	Retries    int                     `json:"retries"`
	TotalBytes int64                   `json:"total_bytes"`
	Finished   bool                    `json:"finished"`
}

// Builder is an events.Sink that accumulates the report.
type Builder struct {
	mu        sync.Mutex
	sessionID string
	startedAt time.Time
	order     []string
	latest    map[string]models.JobRecord
	states    map[models.JobState]int
	retries   int
	finished  bool
	aborted   error
}

var _ events.Sink = (*Builder)(nil)

func NewBuilder(sessionID string) *Builder {
	return &Builder{
		sessionID: sessionID,
		startedAt: time.Now().UTC(),
		latest:    make(map[string]models.JobRecord),
		states:    make(map[models.JobState]int),
	}
}

func (b *Builder) Emit(e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := e.Record.Key
	switch e.Type {
	case events.Registered:
		if _, ok := b.latest[key]; ok {
			return
		}
		b.order = append(b.order, key)
		b.latest[key] = e.Record
		b.states[e.Record.State]++
	case events.Transition:
		if _, ok := b.latest[key]; !ok {
			return
		}
		b.states[e.From]--
		b.states[e.To]++
		b.latest[key] = e.Record
	case events.Retry:
		b.retries++
		if _, ok := b.latest[key]; ok {
			b.latest[key] = e.Record
		}
	case events.Finished:
		b.finished = true
	}
}

// Abort records a session-level failure such as an authentication error or cancellation.
func (b *Builder) Abort(cause error) {
	if cause == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.aborted = cause
}

func (b *Builder) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		SessionID: b.sessionID,
		Total:     len(b.order),
		States:    make(map[models.JobState]int, len(b.states)),
		Retries:   b.retries,
		Finished:  b.finished,
	}
	for state, n := range b.states {
		if n > 0 {
			s.States[state] = n
		}
	}
	for _, r := range b.latest {
		s.TotalBytes += r.BytesDownloaded
	}
	return s
}

// Finalize builds the summary from everything observed so far. Records that never reached a
// terminal state are reported as cancelled.
func (b *Builder) Finalize() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Summary{
		SessionID:  b.sessionID,
		StartedAt:  b.startedAt,
		FinishedAt: time.Now().UTC(),
		Total:      len(b.order),
		Retries:    b.retries,
		Failed:     []Failure{},
		Cancelled:  []Failure{},
	}
	if b.aborted != nil {
		s.Aborted = b.aborted.Error()
	}
	for _, key := range b.order {
		r := b.latest[key]
		s.TotalBytes += r.BytesDownloaded
		switch r.State {
		case models.StateCompleted:
			s.Completed++
			s.Files = append(s.Files, r.Files...)
			s.Calibration = append(s.Calibration, r.Calibration...)
		case models.StateSkipped:
			s.Skipped++
			s.Calibration = append(s.Calibration, r.Calibration...)
		case models.StateFailed:
			f := failure(r)
			if f.Kind == errkind.Cancelled {
				s.Cancelled = append(s.Cancelled, f)
			} else {
				s.Failed = append(s.Failed, f)
			}
		default:
			f := failure(r)
			f.Kind = errkind.Cancelled
			s.Cancelled = append(s.Cancelled, f)
		}
	}
	return s
}

func failure(r models.JobRecord) Failure {
	f := Failure{Descriptor: r.Descriptor, Attempts: r.Attempts, Kind: errkind.Unknown}
	if r.LastError != nil {
		f.Kind = r.LastError.Kind
		f.LastError = r.LastError.Message
	}
	return f
}

// WriteYAML encodes the summary for the session report file.
func (s Summary) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return enc.Close()
}

// WriteText prints a short human-readable summary.
func (s Summary) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "session %s: %d requests, %d completed, %d skipped, %d failed, %d cancelled, %d retries, %s downloaded\n",
		s.SessionID, s.Total, s.Completed, s.Skipped, len(s.Failed), len(s.Cancelled), s.Retries, humanBytes(s.TotalBytes))
	if err != nil {
		return err
	}
	for _, f := range s.Failed {
		if _, err := fmt.Fprintf(w, "  failed %s (%s after %d attempts): %s\n", f.Descriptor, f.Kind, f.Attempts, f.LastError); err != nil {
			return err
		}
	}
	if s.Aborted != "" {
		if _, err := fmt.Fprintf(w, "  session aborted: %s\n", s.Aborted); err != nil {
			return err
		}
	}
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
