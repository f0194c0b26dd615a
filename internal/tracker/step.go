package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/models"
)

// run is the state owned by one record's goroutine.
type run struct {
	t     *Tracker
	wf    Workflow
	rec   *models.JobRecord
	abort context.CancelCauseFunc

	lastStatus models.StatusState
	pollDelay  time.Duration
	// waited is the poll wait spent on the current remote job.
	waited time.Duration
	// resumed is set while the handle comes from an earlier session.
	resumed bool
}

// step performs the work of the record's current state and returns how long to wait before the
// next step.
func (r *run) step(ctx context.Context) time.Duration {
	rec := r.rec
	switch rec.State {
	case models.StatePending:
		return r.submit(ctx)
	case models.StateSubmitted, models.StatePolling:
		return r.poll(ctx)
	case models.StateReady:
		if rec.Manifest == nil {
			m, err := r.wf.Fetch(ctx, *rec.Handle)
			if err != nil {
				if r.stale(err) {
					return r.resubmit(ctx, errkind.New(errkind.RemoteJobFailed, "fetch", err))
				}
				return r.retryOrFail(ctx, err, models.StateReady, nil)
			}
			rec.Manifest = &m
		}
		r.t.transition(ctx, rec, models.StateDownloading)
		return 0
	case models.StateDownloading:
		n, err := r.wf.Deliver(ctx, rec)
		rec.BytesDownloaded += n
		if err != nil {
			return r.retryOrFail(ctx, err, models.StateReady, func() {
				// the next attempt re-fetches the manifest
				rec.Manifest = nil
				rec.Attempts++
			})
		}
		rec.LastError = nil
		r.t.transition(ctx, rec, models.StateCompleted)
		return 0
	default:
		return 0
	}
}

func (r *run) submit(ctx context.Context) time.Duration {
	rec := r.rec
	r.lastStatus, r.pollDelay, r.waited = "", 0, 0
	if rec.Handle != nil {
		r.resumed = true
		r.t.scope.Log().Debug("resuming remote job", slog.String("key", rec.Key), slog.String("remote_job", rec.Handle.RemoteJobID))
		r.t.transition(ctx, rec, models.StateSubmitted)
		return 0
	}
	rec.Attempts++
	h, err := r.wf.Submit(ctx, rec.Descriptor)
	if err != nil {
		return r.retryOrFail(ctx, err, models.StatePending, nil)
	}
	rec.Handle = &h
	r.t.transition(ctx, rec, models.StateSubmitted)
	return 0
}

func (r *run) poll(ctx context.Context) time.Duration {
	rec := r.rec
	st, err := r.wf.Poll(ctx, *rec.Handle)
	if err != nil {
		if r.stale(err) {
			return r.resubmit(ctx, errkind.New(errkind.RemoteJobFailed, "poll", fmt.Errorf("resumed remote job %s: %w", rec.Handle.RemoteJobID, err)))
		}
		return r.retryOrFail(ctx, err, rec.State, nil)
	}

	changed := st.State != r.lastStatus
	r.lastStatus = st.State
	switch st.State {
	case models.StatusReady:
		if rec.State == models.StateSubmitted {
			r.t.transition(ctx, rec, models.StatePolling)
		}
		r.t.transition(ctx, rec, models.StateReady)
		return 0
	case models.StatusFailed:
		if rec.State == models.StateSubmitted {
			r.t.transition(ctx, rec, models.StatePolling)
		}
		return r.resubmit(ctx, errkind.Errorf(errkind.RemoteJobFailed, "poll", "remote job failed: %s", st.Reason))
	default:
		r.t.transition(ctx, rec, models.StatePolling)
		if limit := r.t.opts.Poll.Timeout; limit > 0 && r.waited >= limit {
			return r.resubmit(ctx, errkind.Errorf(errkind.RemoteJobFailed, "poll",
				"remote job %s still %s after %s", rec.Handle.RemoteJobID, st.State, r.waited))
		}
		r.pollDelay = r.t.opts.Poll.Next(r.pollDelay, changed)
		r.waited += r.pollDelay
		return r.pollDelay
	}
}

// stale reports whether err means a handle persisted by an earlier session no longer names a
// remote job the server knows.
func (r *run) stale(err error) bool {
	if !r.resumed {
		return false
	}
	kind := errkind.KindOf(err)
	return kind == errkind.NotFound || kind == errkind.Validation
}

// resubmit abandons the current remote job and sends the record back to Pending under the remote
// budget. A dropped handle cannot be polled again.
func (r *run) resubmit(ctx context.Context, err error) time.Duration {
	rec := r.rec
	return r.retryOrFail(ctx, err, models.StatePending, func() {
		rec.Handle = nil
		rec.Manifest = nil
		r.resumed = false
	})
}

// retryOrFail records err and either schedules a retry, moving the record to `to`, or fails it.
// onRetry runs only when a retry is scheduled. Authentication failures abort the whole session.
func (r *run) retryOrFail(ctx context.Context, err error, to models.JobState, onRetry func()) time.Duration {
	rec := r.rec
	rec.LastError = models.NewJobError(err)
	kind := errkind.KindOf(err)

	if ctx.Err() != nil || kind == errkind.Cancelled {
		r.t.fail(ctx, rec, abortError(ctx))
		return 0
	}
	if kind == errkind.Auth {
		r.abort(err)
		r.t.fail(ctx, rec, err)
		return 0
	}

	class := kind.Class()
	delay, ok := r.t.policy.NextDelay(kind, int(rec.Budget[class]))
	if !ok {
		r.t.fail(ctx, rec, err)
		return 0
	}
	weight := 1.0
	if class == errkind.ClassRateLimit {
		weight = r.t.opts.RateLimitWeight
		delay = max(delay, errkind.RetryAfter(err))
	}
	rec.Budget[class] += weight
	if onRetry != nil {
		onRetry()
	}

	if to != rec.State {
		r.t.transition(ctx, rec, to)
	} else {
		r.t.publish(ctx, rec)
	}
	r.t.scope.Emit(events.Event{Type: events.Retry, Record: rec.Clone(), Kind: kind, Err: err, Delay: delay})
	return delay
}
