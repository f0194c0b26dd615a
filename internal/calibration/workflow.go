package calibration

import (
	"context"
	"log/slog"
	"time"

	"hydrophone-downloader/internal/download"
	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/gateway"
	"hydrophone-downloader/internal/models"
)

// Workflow fulfils Calibration records. The remote side has no job to wait for, so submission and
// polling resolve immediately; all the work happens in Deliver.
type Workflow struct {
	gw      gateway.Gateway
	m       *download.Manager
	sidecar bool
	logger  *slog.Logger
	now     func() time.Time
}

// NewWorkflow builds the calibration workflow. When sidecar is set, the selected records are also
// written to SidecarName(device) in the manager's root.
func NewWorkflow(gw gateway.Gateway, m *download.Manager, sidecar bool, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Workflow{gw: gw, m: m, sidecar: sidecar, logger: logger, now: time.Now}
}

// Descriptor builds the calibration request for one device over the session window.
func Descriptor(deviceID, locationID string, window models.TimeRange) models.RequestDescriptor {
	return models.RequestDescriptor{
		Range:       window,
		ProductType: models.Calibration,
		DeviceID:    deviceID,
		LocationID:  locationID,
	}
}

func (w *Workflow) Submit(ctx context.Context, d models.RequestDescriptor) (models.JobHandle, error) {
	return w.gw.SubmitJob(ctx, d)
}

func (w *Workflow) Poll(ctx context.Context, h models.JobHandle) (models.JobStatus, error) {
	return w.gw.PollJob(ctx, h)
}

func (w *Workflow) Fetch(context.Context, models.JobHandle) (models.ResultManifest, error) {
	return models.ResultManifest{}, nil
}

func (w *Workflow) Deliver(ctx context.Context, rec *models.JobRecord) (int64, error) {
	d := rec.Descriptor
	recs, err := w.gw.FetchCalibration(ctx, d.DeviceID, d.Range)
	if err != nil {
		return 0, err
	}
	selected := Select(recs, d.Range)
	if len(selected) == 0 {
		return 0, errkind.Errorf(errkind.NotFound, "calibration", "no calibration for %s in %s", d.DeviceID, d.Range)
	}
	for i := range selected {
		if rec.Handle != nil {
			selected[i].SourceJob = rec.Handle.RemoteJobID
		}
		if !selected[i].HasFrequencies() {
			w.logger.InfoContext(ctx, "calibration has no frequency bins", "device", d.DeviceID,
				"points", len(selected[i].Sensitivity))
		}
	}
	rec.Calibration = selected

	if !w.sidecar {
		return 0, nil
	}
	f, err := w.m.WriteArtifact(d, SidecarName(d.DeviceID), Format(d.DeviceID, selected, w.now()), selected)
	if err != nil {
		return 0, err
	}
	rec.Files = []string{f.Path}
	return f.Size, nil
}

// Verified is true once the sidecar for d has been written and still matches its receipt.
// Without a sidecar there is nothing on disk to reuse.
func (w *Workflow) Verified(d models.RequestDescriptor) bool {
	return w.sidecar && w.m.Verified(d)
}

// Reload fills a skipped record with the sidecar and the records kept in its receipt.
func (w *Workflow) Reload(rec *models.JobRecord) {
	r, ok := w.m.ReadReceipt(rec.Descriptor)
	if !ok {
		return
	}
	rec.Files = r.Paths(w.m.Root())
	rec.Calibration = r.Calibration
}
