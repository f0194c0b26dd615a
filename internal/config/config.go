// Package config loads session settings from defaults, an optional YAML file, HYDRO_* environment
// variables and bound command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"hydrophone-downloader/internal/errkind"
	"hydrophone-downloader/internal/models"
	"hydrophone-downloader/internal/partition"
	"hydrophone-downloader/internal/publish"
	"hydrophone-downloader/internal/retry"
	"hydrophone-downloader/internal/store"
)

const EnvPrefix = "HYDRO"

// Config holds the settings of one download session.
type Config struct {
	Token            string   `mapstructure:"token" validate:"required"`
	BaseURL          string   `mapstructure:"baseURL" validate:"required,url"`
	Start            string   `mapstructure:"start"`
	End              string   `mapstructure:"end"`
	Timezone         string   `mapstructure:"timezone" validate:"required"`
	Location         string   `mapstructure:"location"`
	Devices          []string `mapstructure:"devices"`
	Formats          []string `mapstructure:"formats" validate:"min=1,dive,oneof=wav flac png txt"`
	Mode             string   `mapstructure:"mode" validate:"oneof=dataProduct archive"`
	DestinationDir   string   `mapstructure:"destinationDir" validate:"required"`
	FetchCalibration bool     `mapstructure:"fetchCalibration"`
	CalibrationType  string   `mapstructure:"calibrationType"`

	MaxConcurrentJobs int            `mapstructure:"maxConcurrentJobs" validate:"min=1,max=64"`
	RateLimitWeight   float64        `mapstructure:"rateLimitWeight" validate:"gt=0,lte=1"`
	RequestTimeout    time.Duration  `mapstructure:"requestTimeout" validate:"gt=0"`
	Retry             RetryConfig    `mapstructure:"retry"`
	Poll              PollConfig     `mapstructure:"poll"`
	MaxSpan           SpanConfig     `mapstructure:"maxSpan"`
	RateLimit         RateConfig     `mapstructure:"rateLimit"`
	State             StateConfig    `mapstructure:"state"`
	StatusAddr        string         `mapstructure:"statusAddr"`
	Publish           publish.Config `mapstructure:"publish"`
	Previews          PreviewConfig  `mapstructure:"previews"`
	Debug             bool           `mapstructure:"debug"`
}

type RetryConfig struct {
	Base        time.Duration  `mapstructure:"base" validate:"gt=0"`
	MinDelay    time.Duration  `mapstructure:"min" validate:"gt=0"`
	MaxDelay    time.Duration  `mapstructure:"max" validate:"gtfield=MinDelay"`
	Cap         int            `mapstructure:"cap" validate:"min=1,max=30"`
	MaxAttempts map[string]int `mapstructure:"maxAttempts" validate:"dive,min=0"`
}

type PollConfig struct {
	Min     time.Duration `mapstructure:"min" validate:"gt=0"`
	Max     time.Duration `mapstructure:"max" validate:"gtefield=Min"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type SpanConfig struct {
	DataProduct time.Duration `mapstructure:"dataProduct" validate:"gt=0"`
	Archive     time.Duration `mapstructure:"archive" validate:"gt=0"`
}

// RateConfig throttles outgoing API calls. RequestsPerSecond 0 disables throttling; a RedisAddr
// shares one bucket between processes using the same token.
type RateConfig struct {
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
	RedisAddr         string  `mapstructure:"redisAddr"`
}

type StateConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=none file redis postgres"`
	Path      string `mapstructure:"path" validate:"required_if=Backend file"`
	RedisAddr string `mapstructure:"redisAddr" validate:"required_if=Backend redis"`
	DSN       string `mapstructure:"dsn" validate:"required_if=Backend postgres"`
	Namespace string `mapstructure:"namespace"`
}

type PreviewConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Width   int  `mapstructure:"width" validate:"gte=0"`
}

// SetDefaults registers every option so environment variables can override it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("token", "")
	v.SetDefault("baseURL", "https://data.oceannetworks.ca/")
	v.SetDefault("start", "")
	v.SetDefault("end", "")
	v.SetDefault("timezone", "America/Vancouver")
	v.SetDefault("location", "")
	v.SetDefault("devices", []string{})
	v.SetDefault("formats", []string{"wav"})
	v.SetDefault("mode", string(models.DataProduct))
	v.SetDefault("destinationDir", "downloads")
	v.SetDefault("fetchCalibration", false)
	v.SetDefault("calibrationType", "")
	v.SetDefault("maxConcurrentJobs", 4)
	v.SetDefault("rateLimitWeight", 0.25)
	v.SetDefault("requestTimeout", 60*time.Second)

	v.SetDefault("retry.base", time.Second)
	v.SetDefault("retry.min", 500*time.Millisecond)
	v.SetDefault("retry.max", 2*time.Minute)
	v.SetDefault("retry.cap", 6)
	attempts := make(map[string]any, len(retry.DefaultMaxAttempts))
	for class, n := range retry.DefaultMaxAttempts {
		attempts[string(class)] = n
	}
	v.SetDefault("retry.maxAttempts", attempts)

	v.SetDefault("poll.min", 2*time.Second)
	v.SetDefault("poll.max", time.Minute)
	v.SetDefault("poll.timeout", 2*time.Hour)
	v.SetDefault("maxSpan.dataProduct", models.DataProduct.DefaultMaxSpan())
	v.SetDefault("maxSpan.archive", models.Archive.DefaultMaxSpan())

	v.SetDefault("rateLimit.requestsPerSecond", 0)
	v.SetDefault("rateLimit.burst", 1)
	v.SetDefault("rateLimit.redisAddr", "")

	v.SetDefault("state.backend", string(store.BackendNone))
	v.SetDefault("state.path", "")
	v.SetDefault("state.redisAddr", "")
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.namespace", "")

	v.SetDefault("statusAddr", "")
	v.SetDefault("publish.bucket", "")
	v.SetDefault("publish.region", "")
	v.SetDefault("publish.endpoint", "")
	v.SetDefault("publish.pathStyle", false)
	v.SetDefault("publish.prefix", "")
	v.SetDefault("previews.enabled", false)
	v.SetDefault("previews.width", 320)
	v.SetDefault("debug", false)
}

// Load reads configuration into a Config and validates it. configFile may be empty.
func Load(v *viper.Viper, configFile string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints. Failures are Validation errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		return errkind.New(errkind.Validation, "config", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errkind.New(errkind.Validation, "config", fmt.Errorf("timezone: %w", err))
	}
	for k := range c.Retry.MaxAttempts {
		if !slices.Contains(errkind.Classes, errkind.Class(strings.ToLower(k))) {
			return errkind.Errorf(errkind.Validation, "config", "retry.maxAttempts: unknown class %q, want one of %v", k, errkind.Classes)
		}
	}
	return nil
}

// TimeLocation loads the configured IANA zone.
func (c Config) TimeLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errkind.New(errkind.Validation, "config", fmt.Errorf("timezone: %w", err))
	}
	return loc, nil
}

// Window parses Start and End in the configured time zone.
func (c Config) Window() (models.TimeRange, error) {
	loc, err := c.TimeLocation()
	if err != nil {
		return models.TimeRange{}, err
	}
	if c.Start == "" || c.End == "" {
		return models.TimeRange{}, errkind.New(errkind.Validation, "config", errors.New("start and end are required"))
	}
	start, err := ParseTime(c.Start, loc)
	if err != nil {
		return models.TimeRange{}, errkind.New(errkind.Validation, "config", fmt.Errorf("start: %w", err))
	}
	end, err := ParseTime(c.End, loc)
	if err != nil {
		return models.TimeRange{}, errkind.New(errkind.Validation, "config", fmt.Errorf("end: %w", err))
	}
	r := models.NewTimeRange(start, end)
	if !r.Valid() {
		return models.TimeRange{}, errkind.New(errkind.Validation, "config", fmt.Errorf("start %s is not before end %s", c.Start, c.End))
	}
	return r, nil
}

var timeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime accepts RFC 3339 or a local time in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// ProductType is the session mode.
func (c Config) ProductType() (models.ProductType, error) {
	return models.ParseProductType(c.Mode)
}

// FormatList parses Formats, dropping duplicates.
func (c Config) FormatList() ([]models.Format, error) {
	seen := make(map[models.Format]bool, len(c.Formats))
	out := make([]models.Format, 0, len(c.Formats))
	for _, s := range c.Formats {
		f, err := models.ParseFormat(s)
		if err != nil {
			return nil, errkind.New(errkind.Validation, "config", err)
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out, nil
}

// RetryPolicy converts the retry section for retry.New.
func (c Config) RetryPolicy() retry.Config {
	attempts := make(map[errkind.Class]int, len(c.Retry.MaxAttempts))
	for k, n := range c.Retry.MaxAttempts {
		attempts[errkind.Class(strings.ToLower(k))] = n
	}
	return retry.Config{
		Base:        c.Retry.Base,
		MinDelay:    c.Retry.MinDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Cap:         c.Retry.Cap,
		MaxAttempts: attempts,
	}
}

func (c Config) PollBounds() retry.PollBounds {
	return retry.PollBounds{Min: c.Poll.Min, Max: c.Poll.Max, Timeout: c.Poll.Timeout}
}

func (c Config) Spans() partition.Spans {
	return partition.Spans{
		models.DataProduct: c.MaxSpan.DataProduct,
		models.Archive:     c.MaxSpan.Archive,
	}
}

// StoreConfig builds the state store settings. The namespace defaults to the destination
// directory so separate download trees never share resume state.
func (c Config) StoreConfig() store.Config {
	ns := c.State.Namespace
	if ns == "" {
		ns = c.DestinationDir
	}
	return store.Config{
		Backend:   store.Backend(c.State.Backend),
		Namespace: ns,
		Path:      c.State.Path,
		RedisAddr: c.State.RedisAddr,
		DSN:       c.State.DSN,
	}
}
