package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hydrophone-downloader/internal/api"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/session"
)

func newDownloadCommand(a *app) *cobra.Command {
	var archive bool
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download data products or archived files for a time window",
		Example: `  hydrodl download --location BACAX --start "2024-01-01 00:00" --end "2024-01-01 06:00" --format flac
  hydrodl download --device ICLISTENHF1353 --start 2024-01-01 --end 2024-01-02 --archive --calibration`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if archive {
				a.v.Set("mode", string(models.Archive))
				if err := a.load(); err != nil {
					return err
				}
			}
			return runDownload(cmd.Context(), a)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("device", nil, "Device code; repeat for several (default: devices deployed at --location)")
	flags.StringSlice("format", nil, "Formats to fetch: wav, flac, png, txt")
	flags.BoolVar(&archive, "archive", false, "Download archived files instead of generating data products")
	flags.StringP("output", "o", "", "Destination directory")
	flags.Bool("calibration", false, "Also fetch calibration records and write sidecar files")
	flags.String("calibration-type", "", "Calibration attribute family")
	flags.String("status-addr", "", "Serve /healthz, /metrics and /session on this address")
	flags.Int("max-concurrent", 0, "Maximum number of jobs in flight")
	flags.String("state-backend", "", "Resume state backend: none, file, redis, postgres")
	flags.String("state-path", "", "State file for the file backend")
	flags.String("state-redis", "", "Redis address for the redis backend")
	flags.String("state-dsn", "", "Postgres DSN for the postgres backend")
	flags.String("publish-bucket", "", "Mirror verified files to this S3 bucket")
	flags.Bool("previews", false, "Write JPEG previews next to PNG spectrograms")
	mustBind(a.v, flags, map[string]string{
		"devices":           "device",
		"formats":           "format",
		"destinationDir":    "output",
		"fetchCalibration":  "calibration",
		"calibrationType":   "calibration-type",
		"statusAddr":        "status-addr",
		"maxConcurrentJobs": "max-concurrent",
		"state.backend":     "state-backend",
		"state.path":        "state-path",
		"state.redisAddr":   "state-redis",
		"state.dsn":         "state-dsn",
		"publish.bucket":    "publish-bucket",
		"previews.enabled":  "previews",
	})
	return cmd
}

func runDownload(ctx context.Context, a *app) error {
	sess, err := session.New(ctx, a.cfg, session.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer sess.Close()

	if a.cfg.StatusAddr != "" {
		statusCtx, stopStatus := context.WithCancel(context.WithoutCancel(ctx))
		defer stopStatus()
		go func() {
			if err := api.Serve(statusCtx, a.cfg.StatusAddr, api.New(sess, sess).Router(), a.logger); err != nil {
				a.logger.Error("status server stopped", slog.Any("error", err))
			}
		}()
	}

	summary, err := sess.Run(ctx)
	if werr := summary.WriteText(os.Stdout); werr != nil {
		a.logger.Error("print summary", slog.Any("error", werr))
	}
	if err != nil {
		a.logger.Error("session aborted", slog.Any("error", err))
		return errSessionFailed
	}
	if summary.ExitCode() != 0 {
		return errSessionFailed
	}
	return nil
}
