package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hydrophone-downloader/internal/config"
)

// errSessionFailed signals a non-zero exit after the summary was already printed.
var errSessionFailed = errors.New("session finished with failures")

// app carries state shared by the subcommands once the configuration is loaded.
type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
	logger     *slog.Logger
}

func newApp(v *viper.Viper) *app {
	return &app{v: v}
}

func newRootCommand(a *app) *cobra.Command {
	v := a.v
	root := &cobra.Command{
		Use:           "hydrodl",
		Short:         "Download hydrophone data and calibration from an ONC-style archive",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML config file")
	flags.String("token", "", "API token (or HYDRO_TOKEN)")
	flags.String("base-url", "", "API base URL")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("tz", "", "IANA time zone for --start/--end")
	flags.String("location", "", "Location code")
	flags.String("start", "", "Window start, local time in --tz")
	flags.String("end", "", "Window end, local time in --tz")
	mustBind(v, flags, map[string]string{
		"token":    "token",
		"baseURL":  "base-url",
		"debug":    "debug",
		"timezone": "tz",
		"location": "location",
		"start":    "start",
		"end":      "end",
	})

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.load()
	}
	root.AddCommand(newDownloadCommand(a), newCatalogCommand(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return nil
}

// mustBind binds flags to viper keys so flags override file and environment values.
func mustBind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}
