// Package gateway adapts the remote archive's asynchronous job API for the download core.
//
// The adapter performs no retries. Every failure it returns is an *errkind.Error so callers can
// decide on retries without knowing about HTTP.
package gateway

import (
	"context"
	"io"

	"hydrophone-downloader/internal/models"
)

// Gateway is the capability set the core needs from the remote service.
type Gateway interface {
	SubmitJob(ctx context.Context, d models.RequestDescriptor) (models.JobHandle, error)
	PollJob(ctx context.Context, h models.JobHandle) (models.JobStatus, error)
	FetchResult(ctx context.Context, h models.JobHandle) (models.ResultManifest, error)
	ListCatalog(ctx context.Context, q models.CatalogQuery) ([]models.CatalogEntry, error)
	FetchCalibration(ctx context.Context, deviceID string, window models.TimeRange) ([]models.CalibrationRecord, error)
	// Open streams the bytes behind a manifest entry's download URL.
	Open(ctx context.Context, downloadURL string) (io.ReadCloser, error)
}
