package models

import (
	"maps"
	"slices"
	"time"

	"hydrophone-downloader/internal/errkind"
)

// JobState enumerates the lifecycle states of a JobRecord.
type JobState string

const (
	StatePending     JobState = "pending"
	StateSubmitted   JobState = "submitted"
	StatePolling     JobState = "polling"
	StateReady       JobState = "ready"
	StateDownloading JobState = "downloading"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateSkipped     JobState = "skipped"
)

// Terminal reports whether no further transitions can occur.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSkipped
}

// Active reports whether the state counts against the concurrency cap.
func (s JobState) Active() bool {
	return s == StateSubmitted || s == StatePolling || s == StateDownloading
}

var transitions = map[JobState][]JobState{
	StatePending:     {StateSubmitted, StateSkipped, StateFailed},
	StateSubmitted:   {StatePolling, StatePending, StateFailed},
	StatePolling:     {StatePolling, StateReady, StatePending, StateFailed},
	StateReady:       {StateDownloading, StatePending, StateFailed},
	StateDownloading: {StateCompleted, StateReady, StateFailed},
}

// CanTransition reports whether from → to is a legal edge of the job state machine.
func CanTransition(from, to JobState) bool {
	return slices.Contains(transitions[from], to)
}

// JobHandle identifies a submitted remote job.
type JobHandle struct {
	Descriptor  RequestDescriptor `json:"descriptor" yaml:"descriptor"`
	RemoteJobID string            `json:"remote_job_id" yaml:"remote_job_id"`
	SubmittedAt time.Time         `json:"submitted_at" yaml:"submitted_at"`
}

// StatusState is the remote view of a job.
type StatusState string

const (
	StatusQueued  StatusState = "queued"
	StatusRunning StatusState = "running"
	StatusReady   StatusState = "ready"
	StatusFailed  StatusState = "failed"
)

// JobStatus is the result of polling a remote job.
type JobStatus struct {
	State  StatusState
	Reason string
}

// JobError is the last failure recorded on a job.
type JobError struct {
	Kind    errkind.Kind `json:"kind" yaml:"kind"`
	Message string       `json:"message" yaml:"message"`
}

// NewJobError captures err's classification and message.
func NewJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	return &JobError{Kind: errkind.KindOf(err), Message: err.Error()}
}

// JobRecord is the tracker's view of one job. Only the goroutine that owns a record mutates it.
type JobRecord struct {
	Key        string            `json:"key" yaml:"key"`
	Descriptor RequestDescriptor `json:"descriptor" yaml:"descriptor"`
	Handle     *JobHandle        `json:"handle,omitempty" yaml:"handle,omitempty"`
	State      JobState          `json:"state" yaml:"state"`
	// Attempts counts submission and re-fetch attempts; it is 0 until the first submission.
	Attempts  int             `json:"attempts" yaml:"attempts"`
	LastError *JobError       `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Manifest  *ResultManifest `json:"manifest,omitempty" yaml:"manifest,omitempty"`
	// Budget is the retry budget consumed per error class.
	Budget          map[errkind.Class]float64 `json:"budget,omitempty" yaml:"budget,omitempty"`
	BytesDownloaded int64                     `json:"bytes_downloaded" yaml:"bytes_downloaded"`
	Files           []string                  `json:"files,omitempty" yaml:"files,omitempty"`
	Calibration     []CalibrationRecord       `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at" yaml:"updated_at"`
}

// NewJobRecord creates a Pending record for d.
func NewJobRecord(d RequestDescriptor) *JobRecord {
	return &JobRecord{
		Key:        d.Key(),
		Descriptor: d,
		State:      StatePending,
		Budget:     make(map[errkind.Class]float64),
		UpdatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *JobRecord) Clone() JobRecord {
	out := *r
	out.Descriptor = r.Descriptor.WithRange(r.Descriptor.Range)
	if r.Handle != nil {
		h := *r.Handle
		out.Handle = &h
	}
	if r.LastError != nil {
		e := *r.LastError
		out.LastError = &e
	}
	if r.Manifest != nil {
		m := ResultManifest{Entries: slices.Clone(r.Manifest.Entries)}
		out.Manifest = &m
	}
	out.Budget = maps.Clone(r.Budget)
	out.Files = slices.Clone(r.Files)
	out.Calibration = slices.Clone(r.Calibration)
	return out
}
