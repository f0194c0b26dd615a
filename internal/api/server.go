package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/report"
	"hydrophone-downloader/internal/telemetry"
)

// SnapshotSource yields the live session summary.
type SnapshotSource interface {
	Snapshot() report.Snapshot
}

// RecordSource yields the current job records.
type RecordSource interface {
	Records() []models.JobRecord
}

// Server wires HTTP handlers for the session status endpoints.
type Server struct {
	snapshots SnapshotSource
	records   RecordSource
}

// New constructs the status server. records may be nil.
func New(snapshots SnapshotSource, records RecordSource) *Server {
	return &Server{snapshots: snapshots, records: records}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/session", s.handleSession)
	r.Get("/session/jobs", s.handleJobs)
	return r
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshots.Snapshot())
}

type jobView struct {
	Key       string           `json:"key"`
	State     models.JobState  `json:"state"`
	RemoteJob string           `json:"remote_job,omitempty"`
	Attempts  int              `json:"attempts"`
	Bytes     int64            `json:"bytes_downloaded"`
	LastError *models.JobError `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// handleJobs lists job records, optionally narrowed by ?state=.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		http.Error(w, "job records unavailable", http.StatusNotFound)
		return
	}
	state := models.JobState(r.URL.Query().Get("state"))
	out := make([]jobView, 0)
	for _, rec := range s.records.Records() {
		if state != "" && rec.State != state {
			continue
		}
		v := jobView{
			Key:       rec.Key,
			State:     rec.State,
			Attempts:  rec.Attempts,
			Bytes:     rec.BytesDownloaded,
			LastError: rec.LastError,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.Handle != nil {
			v.RemoteJob = rec.Handle.RemoteJobID
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// Serve runs the status server on addr until ctx is done.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("status server listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
