// Package session assembles one download run: it resolves devices, partitions the window into
// requests, drives them through the tracker and writes the session report.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"hydrophone-downloader/internal/calibration"
	"hydrophone-downloader/internal/config"
	"hydrophone-downloader/internal/download"
	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/events"
	"hydrophone-downloader/internal/gateway"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/partition"
	"hydrophone-downloader/internal/preview"
	"hydrophone-downloader/internal/publish"
	"hydrophone-downloader/internal/ratelimit"
	"hydrophone-downloader/internal/report"
	"hydrophone-downloader/internal/retry"
	"hydrophone-downloader/internal/store"
	"hydrophone-downloader/internal/telemetry"
	"hydrophone-downloader/internal/tracker"
)

// ReportName is the file the summary is written to inside the destination directory.
const ReportName = "session-report.yaml"

// Option overrides a collaborator, mostly for tests.
type Option func(*Session)

// WithGateway replaces the HTTP gateway.
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Session) { s.gw = gw }
}

// WithStore replaces the configured state store.
func WithStore(st store.StateStore) Option {
	return func(s *Session) { s.store = st }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSleep replaces the tracker's backoff and poll waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Session) { s.sleep = fn }
}

// WithPostProcessors adds processors to the configured ones.
func WithPostProcessors(p ...download.PostProcessor) Option {
	return func(s *Session) { s.post = append(s.post, p...) }
}

// Session is one configured download run.
type Session struct {
	ID  string
	cfg config.Config

	logger  *slog.Logger
	gw      gateway.Gateway
	store   store.StateStore
	sleep   func(ctx context.Context, d time.Duration) error
	post    []download.PostProcessor
	closers []io.Closer

	report  *report.Builder
	tracker *tracker.Tracker
}

// New wires the gateway, state store, download manager and tracker for cfg.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Session, error) {
	s := &Session{ID: uuid.NewString(), cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	// LogSink stamps the session on every event itself
	eventLog := events.NewLogSink(s.logger)
	s.logger = s.logger.With(slog.String("session", s.ID))

	if err := s.init(ctx, eventLog); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) init(ctx context.Context, eventLog events.Sink) error {
	if s.gw == nil {
		gw, err := s.newGateway()
		if err != nil {
			return err
		}
		s.gw = gw
	}
	if s.store == nil {
		st, err := store.Open(ctx, s.cfg.StoreConfig())
		if err != nil {
			return fmt.Errorf("open state store: %w", err)
		}
		s.store = st
	}
	s.closers = append(s.closers, s.store)

	post := s.post
	if s.cfg.Publish.Enabled() {
		pub, err := publish.NewS3Publisher(ctx, s.cfg.Publish, s.logger)
		if err != nil {
			return err
		}
		post = append(post, pub)
	}
	if s.cfg.Previews.Enabled {
		post = append(post, preview.NewGenerator(s.cfg.Previews.Width))
	}
	m := download.NewManager(s.gw, s.cfg.DestinationDir,
		download.WithLogger(s.logger),
		download.WithByteObserver(telemetry.ObserveBytes),
		download.WithPostProcessors(post...),
	)

	s.report = report.NewBuilder(s.ID)
	scope := events.Scope{
		SessionID: s.ID,
		Logger:    s.logger,
		Sink:      events.Multi{eventLog, telemetry.Sink{}, s.report},
	}
	s.tracker = tracker.New(scope, retry.New(s.cfg.RetryPolicy()), tracker.Options{
		MaxConcurrentJobs: s.cfg.MaxConcurrentJobs,
		Poll:              s.cfg.PollBounds(),
		RateLimitWeight:   s.cfg.RateLimitWeight,
		Checkpointer:      s.store,
		Sleep:             s.sleep,
	})
	data := download.NewWorkflow(s.gw, m)
	s.tracker.RegisterWorkflow(models.DataProduct, data)
	s.tracker.RegisterWorkflow(models.Archive, data)
	s.tracker.RegisterWorkflow(models.Calibration, calibration.NewWorkflow(s.gw, m, true, s.logger))
	return nil
}

func (s *Session) newGateway() (*gateway.Client, error) {
	gcfg := gateway.DefaultConfig()
	gcfg.BaseURL = s.cfg.BaseURL
	gcfg.Token = s.cfg.Token
	gcfg.Timeout = s.cfg.RequestTimeout
	gcfg.CalibrationType = s.cfg.CalibrationType
	gcfg.Logger = s.logger
	gcfg.OnRequest = telemetry.ObserveRequest
	gcfg.Limiter = s.newLimiter()
	return gateway.NewClient(gcfg)
}

// newLimiter throttles API calls. A Redis address shares the bucket with every process using the
// same token.
func (s *Session) newLimiter() ratelimit.Limiter {
	rl := s.cfg.RateLimit
	if rl.RequestsPerSecond <= 0 {
		return ratelimit.Unlimited{}
	}
	burst := max(rl.Burst, 1)
	if rl.RedisAddr == "" {
		return ratelimit.NewLocal(rl.RequestsPerSecond, burst)
	}
	client := redis.NewClient(&redis.Options{Addr: rl.RedisAddr})
	s.closers = append(s.closers, client)
	sum := sha256.Sum256([]byte(s.cfg.Token))
	key := "hydrodl:ratelimit:" + hex.EncodeToString(sum[:8])
	return ratelimit.NewTokenBucket(client, key, burst, rl.RequestsPerSecond, time.Hour)
}

// Plan resolves the session's devices and returns every request in dispatch order: for each
// device, the partitioned data requests per format, then its calibration request.
func (s *Session) Plan(ctx context.Context) ([]models.RequestDescriptor, error) {
	window, err := s.cfg.Window()
	if err != nil {
		return nil, err
	}
	product, err := s.cfg.ProductType()
	if err != nil {
		return nil, errkind.New(errkind.Validation, "plan", err)
	}
	formats, err := s.cfg.FormatList()
	if err != nil {
		return nil, err
	}
	devices, err := s.devices(ctx, window)
	if err != nil {
		return nil, err
	}

	spans := s.cfg.Spans()
	var out []models.RequestDescriptor
	for _, dev := range devices {
		for _, f := range formats {
			base := models.RequestDescriptor{
				ProductType: product,
				Format:      f,
				DeviceID:    dev,
				LocationID:  s.cfg.Location,
			}
			ds, err := partition.Partition(window, spans.For(product), base)
			if err != nil {
				return nil, err
			}
			out = append(out, ds...)
		}
		if s.cfg.FetchCalibration {
			out = append(out, calibration.Descriptor(dev, s.cfg.Location, window))
		}
	}
	return out, nil
}

// devices returns the configured devices, or those deployed at the location during window.
func (s *Session) devices(ctx context.Context, window models.TimeRange) ([]string, error) {
	if len(s.cfg.Devices) > 0 {
		return s.cfg.Devices, nil
	}
	if s.cfg.Location == "" {
		return nil, errkind.Errorf(errkind.Validation, "plan", "either a location or at least one device is required")
	}
	entries, err := s.gw.ListCatalog(ctx, models.CatalogQuery{LocationID: s.cfg.Location, Window: window})
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	ids := gateway.DeployedDevices(entries, s.cfg.Location)
	if len(ids) == 0 {
		return nil, errkind.Errorf(errkind.NotFound, "plan", "no hydrophones deployed at %s during %s", s.cfg.Location, window)
	}
	s.logger.Info("discovered devices", slog.String("location", s.cfg.Location), slog.Any("devices", ids))
	return ids, nil
}

// Run plans, restores persisted state and drives every request to a terminal state. The summary
// is written to the destination directory even when the run was aborted. The returned error is
// non-nil when planning failed or the session was cancelled or aborted.
func (s *Session) Run(ctx context.Context) (report.Summary, error) {
	ds, err := s.Plan(ctx)
	if err != nil {
		s.report.Abort(err)
		return s.finish(), err
	}

	persisted, err := s.store.Load(ctx)
	if err != nil {
		s.logger.Warn("state store load failed; starting fresh", slog.Any("error", err))
	} else if len(persisted) > 0 {
		s.logger.Info("restoring session state", slog.Int("records", len(persisted)))
		s.tracker.Restore(persisted)
	}
	s.tracker.Register(ds...)
	s.logger.Info("session started", slog.Int("jobs", len(ds)), slog.Int("max_concurrent", s.cfg.MaxConcurrentJobs))

	runErr := s.tracker.Run(ctx)
	if runErr != nil {
		s.report.Abort(runErr)
	}
	return s.finish(), runErr
}

func (s *Session) finish() report.Summary {
	summary := s.report.Finalize()
	if err := s.writeReport(summary); err != nil {
		s.logger.Error("write session report", slog.Any("error", err))
	}
	return summary
}

func (s *Session) writeReport(summary report.Summary) error {
	if err := os.MkdirAll(s.cfg.DestinationDir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(s.cfg.DestinationDir, ReportName))
	if err != nil {
		return err
	}
	if err := summary.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Snapshot is the live report view.
func (s *Session) Snapshot() report.Snapshot {
	return s.report.Snapshot()
}

// Records returns the tracker's current records.
func (s *Session) Records() []models.JobRecord {
	return s.tracker.Records()
}

// Close releases the state store and any Redis connections.
func (s *Session) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
