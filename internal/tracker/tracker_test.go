package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/retry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeWorkflow succeeds at every step unless a hook overrides it.
type fakeWorkflow struct {
	submit   func(n int, d models.RequestDescriptor) (models.JobHandle, error)
	poll     func(n int, h models.JobHandle) (models.JobStatus, error)
	fetch    func(n int, h models.JobHandle) (models.ResultManifest, error)
	deliver  func(n int, rec *models.JobRecord) (int64, error)
	verified func(d models.RequestDescriptor) bool

	submits  atomic.Int32
	polls    atomic.Int32
	fetches  atomic.Int32
	delivers atomic.Int32
}

func (f *fakeWorkflow) Submit(_ context.Context, d models.RequestDescriptor) (models.JobHandle, error) {
	n := int(f.submits.Add(1))
	if f.submit != nil {
		return f.submit(n, d)
	}
	return models.JobHandle{Descriptor: d, RemoteJobID: fmt.Sprintf("job-%d", n)}, nil
}

func (f *fakeWorkflow) Poll(_ context.Context, h models.JobHandle) (models.JobStatus, error) {
	n := int(f.polls.Add(1))
	if f.poll != nil {
		return f.poll(n, h)
	}
	return models.JobStatus{State: models.StatusReady}, nil
}

func (f *fakeWorkflow) Fetch(_ context.Context, h models.JobHandle) (models.ResultManifest, error) {
	n := int(f.fetches.Add(1))
	if f.fetch != nil {
		return f.fetch(n, h)
	}
	return models.ResultManifest{Entries: []models.ManifestEntry{{RemoteName: h.RemoteJobID + ".wav", ByteSize: 10}}}, nil
}

func (f *fakeWorkflow) Deliver(_ context.Context, rec *models.JobRecord) (int64, error) {
	n := int(f.delivers.Add(1))
	if f.deliver != nil {
		return f.deliver(n, rec)
	}
	rec.Files = []string{rec.Manifest.Entries[0].RemoteName}
	return rec.Manifest.TotalBytes(), nil
}

func (f *fakeWorkflow) Verified(d models.RequestDescriptor) bool {
	return f.verified != nil && f.verified(d)
}

// recorder collects events.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) transitions(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == events.Transition && e.Record.Key == key {
			out = append(out, fmt.Sprintf("%s->%s", e.From, e.To))
		}
	}
	return out
}

type sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func descriptors(n int) []models.RequestDescriptor {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.RequestDescriptor, n)
	for i := range out {
		from := start.Add(time.Duration(i) * 2 * time.Hour)
		out[i] = models.RequestDescriptor{
			Range:       models.NewTimeRange(from, from.Add(2*time.Hour)),
			ProductType: models.DataProduct,
			Format:      models.WAV,
			DeviceID:    "H1",
		}
	}
	return out
}

func newTracker(t *testing.T, wf Workflow, opts Options) (*Tracker, *recorder, *sleeper) {
	t.Helper()
	rec := &recorder{}
	sl := &sleeper{}
	if opts.Sleep == nil {
		opts.Sleep = sl.Sleep
	}
	if opts.Poll.Min == 0 {
		opts.Poll = retry.PollBounds{Min: 2 * time.Second, Max: time.Minute}
	}
	policy := retry.New(retry.Config{Jitter: func() float64 { return 1 }})
	tr := New(events.Scope{SessionID: "test", Sink: rec}, policy, opts)
	tr.RegisterWorkflow(models.DataProduct, wf)
	return tr, rec, sl
}

func states(recs []models.JobRecord) map[models.JobState]int {
	out := make(map[models.JobState]int)
	for _, r := range recs {
		out[r.State]++
	}
	return out
}

func TestRunCompletesEveryRecord(t *testing.T) {
	wf := &fakeWorkflow{}
	tr, rec, _ := newTracker(t, wf, Options{})
	tr.Register(descriptors(3)...)

	require.NoError(t, tr.Run(context.Background()))

	recs := tr.Records()
	assert.Equal(t, map[models.JobState]int{models.StateCompleted: 3}, states(recs))
	for _, r := range recs {
		assert.Equal(t, 1, r.Attempts)
		assert.Equal(t, int64(10), r.BytesDownloaded)
		assert.Nil(t, r.LastError)
	}
	last := rec.events[len(rec.events)-1]
	assert.Equal(t, events.Finished, last.Type)
	assert.Equal(t, "test", last.SessionID)
}

func TestRegisterIgnoresDuplicates(t *testing.T) {
	tr, rec, _ := newTracker(t, &fakeWorkflow{}, Options{})
	ds := descriptors(2)
	tr.Register(ds...)
	tr.Register(ds[0])

	assert.Len(t, tr.Records(), 2)
	assert.Len(t, rec.events, 2)
}

func TestPollingUntilReady(t *testing.T) {
	wf := &fakeWorkflow{poll: func(n int, _ models.JobHandle) (models.JobStatus, error) {
		if n <= 3 {
			return models.JobStatus{State: models.StatusRunning}, nil
		}
		return models.JobStatus{State: models.StatusReady}, nil
	}}
	tr, rec, sl := newTracker(t, wf, Options{})
	d := descriptors(1)[0]
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, []string{
		"pending->submitted",
		"submitted->polling",
		"polling->polling",
		"polling->polling",
		"polling->ready",
		"ready->downloading",
		"downloading->completed",
	}, rec.transitions(d.Key()))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, sl.delays)
	assert.Equal(t, 1, tr.Records()[0].Attempts)
}

func TestPollIntervalResetsOnStatusChange(t *testing.T) {
	wf := &fakeWorkflow{poll: func(n int, _ models.JobHandle) (models.JobStatus, error) {
		switch {
		case n <= 2:
			return models.JobStatus{State: models.StatusQueued}, nil
		case n <= 3:
			return models.JobStatus{State: models.StatusRunning}, nil
		}
		return models.JobStatus{State: models.StatusReady}, nil
	}}
	tr, _, sl := newTracker(t, wf, Options{})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 2 * time.Second}, sl.delays)
}

func TestIntegrityFailureRefetches(t *testing.T) {
	wf := &fakeWorkflow{deliver: func(n int, rec *models.JobRecord) (int64, error) {
		if n == 1 {
			return 0, errkind.Errorf(errkind.ChecksumMismatch, "download", "size 5, want 10")
		}
		rec.Files = []string{"a.wav"}
		return 10, nil
	}}
	tr, rec, _ := newTracker(t, wf, Options{})
	d := descriptors(1)[0]
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, float64(1), r.Budget[errkind.ClassIntegrity])
	assert.Equal(t, int32(2), wf.fetches.Load())
	assert.Contains(t, rec.transitions(d.Key()), "downloading->ready")
}

func TestAuthFailureAbortsSession(t *testing.T) {
	wf := &fakeWorkflow{submit: func(n int, d models.RequestDescriptor) (models.JobHandle, error) {
		return models.JobHandle{}, errkind.Errorf(errkind.Auth, "submit", "status 401")
	}}
	tr, _, _ := newTracker(t, wf, Options{MaxConcurrentJobs: 1})
	tr.Register(descriptors(5)...)

	err := tr.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Auth))

	recs := tr.Records()
	assert.Equal(t, map[models.JobState]int{models.StateFailed: 5}, states(recs))
	for _, r := range recs {
		require.NotNil(t, r.LastError)
		assert.Equal(t, errkind.Auth, r.LastError.Kind)
	}
	assert.Equal(t, int32(1), wf.submits.Load())
}

func TestConcurrencyCap(t *testing.T) {
	const limit = 3
	var active, peak atomic.Int32
	track := func() func() {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return func() { active.Add(-1) }
	}
	wf := &fakeWorkflow{
		submit: func(n int, d models.RequestDescriptor) (models.JobHandle, error) {
			defer track()()
			time.Sleep(2 * time.Millisecond)
			return models.JobHandle{Descriptor: d, RemoteJobID: fmt.Sprint(n)}, nil
		},
		deliver: func(_ int, rec *models.JobRecord) (int64, error) {
			defer track()()
			time.Sleep(2 * time.Millisecond)
			return 1, nil
		},
	}

	var mu sync.Mutex
	inState, maxInState := 0, 0
	counter := events.SinkFunc(func(e events.Event) {
		if e.Type != events.Transition {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if e.To.Active() && !e.From.Active() {
			inState++
		}
		if e.From.Active() && !e.To.Active() {
			inState--
		}
		maxInState = max(maxInState, inState)
	})

	tr := New(events.Scope{Sink: counter}, retry.New(retry.Config{}), Options{
		MaxConcurrentJobs: limit,
		Sleep:             func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	tr.RegisterWorkflow(models.DataProduct, wf)
	tr.Register(descriptors(12)...)

	require.NoError(t, tr.Run(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.LessOrEqual(t, maxInState, limit)
	assert.Equal(t, map[models.JobState]int{models.StateCompleted: 12}, states(tr.Records()))
}

func TestTransientBudgetIsBounded(t *testing.T) {
	wf := &fakeWorkflow{submit: func(int, models.RequestDescriptor) (models.JobHandle, error) {
		return models.JobHandle{}, errkind.Errorf(errkind.TransientNetwork, "submit", "connection reset")
	}}
	tr, _, sl := newTracker(t, wf, Options{})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateFailed, r.State)
	assert.Equal(t, errkind.TransientNetwork, r.LastError.Kind)
	budget := retry.DefaultMaxAttempts[errkind.ClassTransient]
	assert.Equal(t, float64(budget), r.Budget[errkind.ClassTransient])
	assert.Equal(t, int32(budget+1), wf.submits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sl.delays)
}

func TestRateLimitHonoursHintAndWeight(t *testing.T) {
	wf := &fakeWorkflow{submit: func(n int, d models.RequestDescriptor) (models.JobHandle, error) {
		if n <= 2 {
			return models.JobHandle{}, errkind.RateLimited("submit", 30*time.Second, errors.New("status 429"))
		}
		return models.JobHandle{Descriptor: d, RemoteJobID: "ok"}, nil
	}}
	tr, _, sl := newTracker(t, wf, Options{})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, 0.5, r.Budget[errkind.ClassRateLimit])
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, sl.delays)
}

func TestValidationIsNotRetried(t *testing.T) {
	wf := &fakeWorkflow{submit: func(int, models.RequestDescriptor) (models.JobHandle, error) {
		return models.JobHandle{}, errkind.Errorf(errkind.Validation, "submit", "bad dateFrom")
	}}
	tr, _, _ := newTracker(t, wf, Options{})
	tr.Register(descriptors(2)...)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, map[models.JobState]int{models.StateFailed: 2}, states(tr.Records()))
	assert.Equal(t, int32(2), wf.submits.Load())
}

func TestRemoteFailureResubmits(t *testing.T) {
	wf := &fakeWorkflow{poll: func(_ int, h models.JobHandle) (models.JobStatus, error) {
		if h.RemoteJobID == "job-1" {
			return models.JobStatus{State: models.StatusFailed, Reason: "no data"}, nil
		}
		return models.JobStatus{State: models.StatusReady}, nil
	}}
	tr, rec, _ := newTracker(t, wf, Options{})
	d := descriptors(1)[0]
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, 2, r.Attempts)
	assert.Equal(t, "job-2", r.Handle.RemoteJobID)
	assert.Contains(t, rec.transitions(d.Key()), "polling->pending")
}

func TestVerifiedRecordsAreSkipped(t *testing.T) {
	wf := &fakeWorkflow{verified: func(models.RequestDescriptor) bool { return true }}
	tr, _, _ := newTracker(t, wf, Options{})
	tr.Register(descriptors(3)...)

	require.NoError(t, tr.Run(context.Background()))
	assert.Equal(t, map[models.JobState]int{models.StateSkipped: 3}, states(tr.Records()))
	assert.Zero(t, wf.submits.Load())
}

type reloadingWorkflow struct {
	fakeWorkflow
}

func (w *reloadingWorkflow) Reload(rec *models.JobRecord) {
	rec.Files = []string{"H1-hydrophoneCalibration.txt"}
}

func TestSkippedRecordsAreReloaded(t *testing.T) {
	wf := &reloadingWorkflow{fakeWorkflow{verified: func(models.RequestDescriptor) bool { return true }}}
	tr, _, _ := newTracker(t, wf, Options{})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))
	r := tr.Records()[0]
	assert.Equal(t, models.StateSkipped, r.State)
	assert.Equal(t, []string{"H1-hydrophoneCalibration.txt"}, r.Files)
}

func TestResumeUsesPersistedHandle(t *testing.T) {
	wf := &fakeWorkflow{}
	tr, rec, _ := newTracker(t, wf, Options{})
	d := descriptors(1)[0]

	persisted := models.NewJobRecord(d)
	persisted.State = models.StatePolling
	persisted.Handle = &models.JobHandle{Descriptor: d, RemoteJobID: "remote-7"}
	persisted.Attempts = 1
	tr.Restore([]models.JobRecord{*persisted})
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	assert.Zero(t, wf.submits.Load())
	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, "remote-7", r.Handle.RemoteJobID)
	assert.Equal(t, "pending->submitted", rec.transitions(d.Key())[0])
}

func restoredRecord(d models.RequestDescriptor, remoteJob string) models.JobRecord {
	persisted := models.NewJobRecord(d)
	persisted.State = models.StatePolling
	persisted.Handle = &models.JobHandle{Descriptor: d, RemoteJobID: remoteJob}
	persisted.Attempts = 1
	return *persisted
}

func TestResumeResubmitsExpiredHandle(t *testing.T) {
	wf := &fakeWorkflow{poll: func(_ int, h models.JobHandle) (models.JobStatus, error) {
		if h.RemoteJobID == "expired" {
			return models.JobStatus{}, errkind.Errorf(errkind.NotFound, "poll", "unknown dpRunId")
		}
		return models.JobStatus{State: models.StatusReady}, nil
	}}
	tr, rec, _ := newTracker(t, wf, Options{})
	d := descriptors(1)[0]
	tr.Restore([]models.JobRecord{restoredRecord(d, "expired")})
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, int32(1), wf.submits.Load())
	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, "job-1", r.Handle.RemoteJobID)
	assert.Equal(t, float64(1), r.Budget[errkind.ClassRemote])
	assert.Equal(t, []string{
		"pending->submitted", "submitted->pending", "pending->submitted",
		"submitted->polling", "polling->ready", "ready->downloading", "downloading->completed",
	}, rec.transitions(d.Key()))
}

func TestResumeResubmitsWhenManifestIsGone(t *testing.T) {
	wf := &fakeWorkflow{fetch: func(_ int, h models.JobHandle) (models.ResultManifest, error) {
		if h.RemoteJobID == "expired" {
			return models.ResultManifest{}, errkind.Errorf(errkind.NotFound, "fetch", "run has no files")
		}
		return models.ResultManifest{Entries: []models.ManifestEntry{{RemoteName: "a.wav", ByteSize: 10}}}, nil
	}}
	tr, rec, _ := newTracker(t, wf, Options{})
	d := descriptors(1)[0]
	tr.Restore([]models.JobRecord{restoredRecord(d, "expired")})
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, int32(1), wf.submits.Load())
	assert.Equal(t, models.StateCompleted, tr.Records()[0].State)
	assert.Contains(t, rec.transitions(d.Key()), "ready->pending")
}

func TestNotFoundOnFreshHandleFails(t *testing.T) {
	wf := &fakeWorkflow{poll: func(int, models.JobHandle) (models.JobStatus, error) {
		return models.JobStatus{}, errkind.Errorf(errkind.NotFound, "poll", "unknown dpRunId")
	}}
	tr, _, _ := newTracker(t, wf, Options{})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))

	assert.Equal(t, int32(1), wf.submits.Load())
	r := tr.Records()[0]
	assert.Equal(t, models.StateFailed, r.State)
	assert.Equal(t, errkind.NotFound, r.LastError.Kind)
}

func TestPollTimeoutResubmits(t *testing.T) {
	wf := &fakeWorkflow{poll: func(_ int, h models.JobHandle) (models.JobStatus, error) {
		if h.RemoteJobID == "job-1" {
			return models.JobStatus{State: models.StatusRunning}, nil
		}
		return models.JobStatus{State: models.StatusReady}, nil
	}}
	tr, rec, _ := newTracker(t, wf, Options{Poll: retry.PollBounds{Min: 2 * time.Second, Max: time.Minute, Timeout: 10 * time.Minute}})
	d := descriptors(1)[0]
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateCompleted, r.State)
	assert.Equal(t, int32(2), wf.submits.Load())
	assert.Equal(t, "job-2", r.Handle.RemoteJobID)
	assert.Contains(t, rec.transitions(d.Key()), "polling->pending")
}

func TestPollTimeoutIsBounded(t *testing.T) {
	wf := &fakeWorkflow{poll: func(int, models.JobHandle) (models.JobStatus, error) {
		return models.JobStatus{State: models.StatusQueued}, nil
	}}
	tr, _, sl := newTracker(t, wf, Options{Poll: retry.PollBounds{Min: 2 * time.Second, Max: time.Minute, Timeout: 10 * time.Minute}})
	tr.Register(descriptors(1)...)

	require.NoError(t, tr.Run(context.Background()))

	r := tr.Records()[0]
	assert.Equal(t, models.StateFailed, r.State)
	assert.Equal(t, errkind.RemoteJobFailed, r.LastError.Kind)
	// the initial submission plus the remote budget
	assert.Equal(t, int32(1+retry.DefaultMaxAttempts[errkind.ClassRemote]), wf.submits.Load())
	assert.Less(t, wf.polls.Load(), int32(100))

	var waited time.Duration
	for _, d := range sl.delays {
		waited += d
	}
	assert.Less(t, waited, time.Hour)
}

func TestCancelledSessionFailsRemainingRecords(t *testing.T) {
	tr, _, _ := newTracker(t, &fakeWorkflow{}, Options{})
	tr.Register(descriptors(3)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tr.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	for _, r := range tr.Records() {
		assert.Equal(t, models.StateFailed, r.State)
		assert.Equal(t, errkind.Cancelled, r.LastError.Kind)
	}
}

func TestCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wf := &fakeWorkflow{submit: func(int, models.RequestDescriptor) (models.JobHandle, error) {
		return models.JobHandle{}, errkind.Errorf(errkind.TransientNetwork, "submit", "timeout")
	}}
	tr, _, _ := newTracker(t, wf, Options{Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}})
	tr.Register(descriptors(1)...)

	require.Error(t, tr.Run(ctx))
	r := tr.Records()[0]
	assert.Equal(t, models.StateFailed, r.State)
	assert.Equal(t, errkind.Cancelled, r.LastError.Kind)
}

func TestMissingWorkflowFailsRecord(t *testing.T) {
	tr, _, _ := newTracker(t, &fakeWorkflow{}, Options{})
	d := descriptors(1)[0]
	d.ProductType = models.Archive
	tr.Register(d)

	require.NoError(t, tr.Run(context.Background()))
	r := tr.Records()[0]
	assert.Equal(t, models.StateFailed, r.State)
	assert.Equal(t, errkind.Validation, r.LastError.Kind)
}

type memCheckpointer struct {
	mu   sync.Mutex
	last map[string]models.JobRecord
}

func (m *memCheckpointer) Checkpoint(_ context.Context, rec models.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[rec.Key] = rec
	return nil
}

func TestCheckpointsEveryTransition(t *testing.T) {
	cp := &memCheckpointer{last: map[string]models.JobRecord{}}
	tr, _, _ := newTracker(t, &fakeWorkflow{}, Options{Checkpointer: cp})
	tr.Register(descriptors(2)...)

	require.NoError(t, tr.Run(context.Background()))
	require.Len(t, cp.last, 2)
	for _, r := range cp.last {
		assert.Equal(t, models.StateCompleted, r.State)
	}
}
