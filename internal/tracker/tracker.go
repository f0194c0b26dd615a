// Package tracker drives every job record through its lifecycle, from submission to a terminal
// state, under a bounded worker pool.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/retry"
)

// Workflow performs the remote and local work for one product type.
type Workflow interface {
	Submit(ctx context.Context, d models.RequestDescriptor) (models.JobHandle, error)
	Poll(ctx context.Context, h models.JobHandle) (models.JobStatus, error)
	Fetch(ctx context.Context, h models.JobHandle) (models.ResultManifest, error)
	// Deliver materializes rec's manifest locally, filling in rec's files and calibration records.
	// It returns the number of bytes transferred.
	Deliver(ctx context.Context, rec *models.JobRecord) (int64, error)
	// Verified reports whether the output for d is already present and verified.
	Verified(d models.RequestDescriptor) bool
}

// Reloader is implemented by workflows that can restore a skipped record's results from disk.
type Reloader interface {
	Reload(rec *models.JobRecord)
}

// Checkpointer persists record snapshots so an interrupted session can resume.
type Checkpointer interface {
	Checkpoint(ctx context.Context, rec models.JobRecord) error
}

// Options tune the tracker. Zero values fall back to defaults.
type Options struct {
	MaxConcurrentJobs int
	Poll              retry.PollBounds
	// RateLimitWeight is the budget a RateLimit retry consumes.
	RateLimitWeight float64
	Checkpointer    Checkpointer
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	DefaultMaxConcurrentJobs = 4
	DefaultRateLimitWeight   = 0.25
)

// Tracker owns the record registry of one session.
type Tracker struct {
	scope     events.Scope
	policy    *retry.Policy
	opts      Options
	workflows map[models.ProductType]Workflow
	sem       *semaphore.Weighted

	mu       sync.Mutex
	records  []*models.JobRecord
	byKey    map[string]*models.JobRecord
	snaps    map[string]models.JobRecord
	restored map[string]models.JobRecord
}

func New(scope events.Scope, policy *retry.Policy, opts Options) *Tracker {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if opts.Poll.Min <= 0 {
		opts.Poll.Min = 2 * time.Second
	}
	if opts.Poll.Max < opts.Poll.Min {
		opts.Poll.Max = max(time.Minute, opts.Poll.Min)
	}
	if opts.RateLimitWeight <= 0 {
		opts.RateLimitWeight = DefaultRateLimitWeight
	}
	if opts.Sleep == nil {
		opts.Sleep = sleep
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	return &Tracker{
		scope:     scope,
		policy:    policy,
		opts:      opts,
		workflows: make(map[models.ProductType]Workflow),
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		byKey:     make(map[string]*models.JobRecord),
		snaps:     make(map[string]models.JobRecord),
		restored:  make(map[string]models.JobRecord),
	}
}

// RegisterWorkflow binds a workflow to a product type.
func (t *Tracker) RegisterWorkflow(p models.ProductType, w Workflow) {
	if w == nil {
		return
	}
	t.workflows[p] = w
}

// Restore provides persisted records from an earlier run. Records that had reached a remote
// handle resume polling that job instead of resubmitting. Call before Register.
func (t *Tracker) Restore(recs []models.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range recs {
		if r.State.Terminal() || r.Handle == nil {
			continue
		}
		t.restored[r.Key] = r
	}
}

// Register adds records for ds in order. Duplicate descriptors are ignored.
func (t *Tracker) Register(ds ...models.RequestDescriptor) {
	t.mu.Lock()
	var added []*models.JobRecord
	for _, d := range ds {
		rec := models.NewJobRecord(d)
		if _, dup := t.byKey[rec.Key]; dup {
			continue
		}
		if r, ok := t.restored[rec.Key]; ok {
			h := *r.Handle
			rec.Handle = &h
			rec.Attempts = r.Attempts
			for class, used := range r.Budget {
				rec.Budget[class] = used
			}
		}
		t.records = append(t.records, rec)
		t.byKey[rec.Key] = rec
		t.snaps[rec.Key] = rec.Clone()
		added = append(added, rec)
	}
	t.mu.Unlock()

	for _, rec := range added {
		t.scope.Emit(events.Event{Type: events.Registered, Record: rec.Clone()})
	}
}

// Records returns copies of every record in registration order.
func (t *Tracker) Records() []models.JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.JobRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, t.snaps[r.Key])
	}
	return out
}

// Run drives every registered record to a terminal state. It returns the cause when the session
// was aborted by an authentication failure or cancelled, and nil otherwise.
func (t *Tracker) Run(ctx context.Context) error {
	ctx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	t.mu.Lock()
	records := append([]*models.JobRecord(nil), t.records...)
	t.mu.Unlock()

	var wg sync.WaitGroup
	for i, rec := range records {
		if rec.State.Terminal() {
			continue
		}
		if ctx.Err() != nil {
			t.failUndispatched(ctx, records[i:])
			break
		}
		wf, ok := t.workflows[rec.Descriptor.ProductType]
		if !ok {
			t.fail(ctx, rec, errkind.Errorf(errkind.Validation, "dispatch", "no workflow for product type %q", rec.Descriptor.ProductType))
			continue
		}
		if wf.Verified(rec.Descriptor) {
			if rl, ok := wf.(Reloader); ok {
				rl.Reload(rec)
			}
			t.transition(ctx, rec, models.StateSkipped)
			continue
		}
		if err := t.sem.Acquire(ctx, 1); err != nil {
			t.failUndispatched(ctx, records[i:])
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.runRecord(ctx, abort, wf, rec)
		}()
	}
	wg.Wait()

	t.scope.Emit(events.Event{Type: events.Finished})
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

func (t *Tracker) failUndispatched(ctx context.Context, recs []*models.JobRecord) {
	err := abortError(ctx)
	for _, rec := range recs {
		if !rec.State.Terminal() {
			t.fail(ctx, rec, err)
		}
	}
}

// runRecord is the per-record goroutine. It is entered holding a pool slot and gives the slot up
// while the record waits outside an active state.
func (t *Tracker) runRecord(ctx context.Context, abort context.CancelCauseFunc, wf Workflow, rec *models.JobRecord) {
	held := true
	defer func() {
		if held {
			t.sem.Release(1)
		}
	}()

	r := &run{t: t, wf: wf, rec: rec, abort: abort}
	for !rec.State.Terminal() {
		if ctx.Err() != nil {
			t.fail(ctx, rec, abortError(ctx))
			return
		}
		delay := r.step(ctx)
		if rec.State.Terminal() {
			return
		}
		if delay > 0 {
			if held && !rec.State.Active() {
				t.sem.Release(1)
				held = false
			}
			if err := t.opts.Sleep(ctx, delay); err != nil {
				t.fail(ctx, rec, abortError(ctx))
				return
			}
		}
		if !held {
			if err := t.sem.Acquire(ctx, 1); err != nil {
				t.fail(ctx, rec, abortError(ctx))
				return
			}
			held = true
		}
	}
}

// transition moves rec to state `to`, checkpoints it and emits the transition.
func (t *Tracker) transition(ctx context.Context, rec *models.JobRecord, to models.JobState) {
	from := rec.State
	if !models.CanTransition(from, to) {
		rec.LastError = &models.JobError{Kind: errkind.Unknown, Message: fmt.Sprintf("illegal transition %s -> %s", from, to)}
		t.scope.Log().Error("illegal job transition", slog.String("key", rec.Key),
			slog.String("from", string(from)), slog.String("to", string(to)))
		to = models.StateFailed
	}
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	snap := t.publish(ctx, rec)
	t.scope.Emit(events.Event{Type: events.Transition, Record: snap, From: from, To: to})
}

func (t *Tracker) fail(ctx context.Context, rec *models.JobRecord, err error) {
	rec.LastError = models.NewJobError(err)
	t.transition(ctx, rec, models.StateFailed)
}

// publish refreshes the shared snapshot of rec and persists it.
func (t *Tracker) publish(ctx context.Context, rec *models.JobRecord) models.JobRecord {
	snap := rec.Clone()
	t.mu.Lock()
	t.snaps[rec.Key] = snap
	t.mu.Unlock()

	if t.opts.Checkpointer != nil {
		if err := t.opts.Checkpointer.Checkpoint(context.WithoutCancel(ctx), snap); err != nil {
			t.scope.Log().Warn("checkpoint failed", slog.String("key", rec.Key), slog.Any("error", err))
		}
	}
	return rec.Clone()
}

// abortError is the failure recorded on records stopped by session cancellation.
func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	if errkind.Is(cause, errkind.Auth) {
		return cause
	}
	return errkind.New(errkind.Cancelled, "session", cause)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
