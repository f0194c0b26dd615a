package download

import (
	"context"

	"hydrophone-downloader/internal/gateway"
	"hydrophone-downloader/internal/models"
)

// Workflow fulfils data product and archive records: the gateway runs the remote job and the
// manager delivers its files.
type Workflow struct {
	gw gateway.Gateway
	m  *Manager
}

func NewWorkflow(gw gateway.Gateway, m *Manager) *Workflow {
	return &Workflow{gw: gw, m: m}
}

func (w *Workflow) Submit(ctx context.Context, d models.RequestDescriptor) (models.JobHandle, error) {
	return w.gw.SubmitJob(ctx, d)
}

func (w *Workflow) Poll(ctx context.Context, h models.JobHandle) (models.JobStatus, error) {
	return w.gw.PollJob(ctx, h)
}

func (w *Workflow) Fetch(ctx context.Context, h models.JobHandle) (models.ResultManifest, error) {
	return w.gw.FetchResult(ctx, h)
}

func (w *Workflow) Deliver(ctx context.Context, rec *models.JobRecord) (int64, error) {
	var manifest models.ResultManifest
	if rec.Manifest != nil {
		manifest = *rec.Manifest
	}
	files, n, err := w.m.Deliver(ctx, rec.Descriptor, manifest)
	rec.Files = rec.Files[:0]
	for _, f := range files {
		rec.Files = append(rec.Files, f.Path)
	}
	return n, err
}

func (w *Workflow) Verified(d models.RequestDescriptor) bool {
	return w.m.Verified(d)
}
