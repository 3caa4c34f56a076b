// Package config handles TOML configuration for tally.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure.
type Config struct {
	Discovery  DiscoveryConfig  `toml:"discovery"`
	Store      StoreConfig      `toml:"store"`
	Filter     FilterConfig     `toml:"filter"`
	Classifier ClassifierConfig `toml:"classifier"`
	Daemon     DaemonConfig     `toml:"daemon"`
	OTEL       OTELConfig       `toml:"otel"`
	Log        LogConfig        `toml:"log"`
}

// DiscoveryConfig selects what a run collects.
type DiscoveryConfig struct {
	Regions     []string `toml:"regions" validate:"min=1,dive,required"`
	Methods     []string `toml:"methods" validate:"dive,required"`
	SourceDir   string   `toml:"source_dir"`
	Concurrency int      `toml:"concurrency" validate:"gte=1,lte=256"`
	Account     string   `toml:"account" validate:"omitempty,max=128,excludesall=/\\"`
}

// StoreConfig holds snapshot store settings.
type StoreConfig struct {
	Backend              string          `toml:"backend" validate:"oneof=file bolt"`
	Path                 string          `toml:"path" validate:"required"`
	JournalDir           string          `toml:"journal_dir"`
	JournalRetentionDays int             `toml:"journal_retention_days" validate:"gte=0"`
	Retention            RetentionConfig `toml:"retention"`
}

// RetentionConfig bounds stored snapshots. Zero disables a limit.
type RetentionConfig struct {
	MaxAgeStr string        `toml:"max_age"`
	MaxAge    time.Duration `toml:"-" validate:"gte=0"`
	MaxCount  int           `toml:"max_count" validate:"gte=0"`
}

// FilterConfig narrows the reconciled inventory.
type FilterConfig struct {
	ExcludeServices []string          `toml:"exclude_services"`
	ExcludeTypes    []string          `toml:"exclude_types"`
	IncludeTags     map[string]string `toml:"include_tags"`
	ExcludeTags     map[string]string `toml:"exclude_tags"`
}

// ClassifierConfig holds managed-resource classification settings.
type ClassifierConfig struct {
	PolicyFile string `toml:"policy_file"`
	// KeepManaged keeps provider-managed resources in the inventory.
	KeepManaged bool `toml:"keep_managed"`
}

// DaemonConfig holds scheduled-run settings.
type DaemonConfig struct {
	Schedule    string `toml:"schedule" validate:"required"`
	MetricsAddr string `toml:"metrics_addr"`
	RunOnStart  bool   `toml:"run_on_start"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn error"`
}

// Defaults used when the file leaves a field empty.
const (
	DefaultSchedule    = "@every 15m"
	DefaultConcurrency = 8
	DefaultStorePath   = "./snapshots"
	DefaultMaxAge      = 30 * 24 * time.Hour
	DefaultMaxCount    = 50
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg, toml.MetaData{})
	cfg.Store.Retention.MaxAge = DefaultMaxAge
	return cfg
}

// Load reads and parses a TOML config file. An empty path yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(string(data))
}

// Parse decodes a TOML document, applies defaults and validates.
func Parse(data string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}

	applyDefaults(cfg, md)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config, md toml.MetaData) {
	if len(cfg.Discovery.Regions) == 0 {
		cfg.Discovery.Regions = []string{"us-east-1"}
	}
	if cfg.Discovery.Concurrency == 0 {
		cfg.Discovery.Concurrency = DefaultConcurrency
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if cfg.Store.Retention.MaxAgeStr == "" && !md.IsDefined("store", "retention", "max_age") {
		cfg.Store.Retention.MaxAgeStr = DefaultMaxAge.String()
	}
	if !md.IsDefined("store", "retention", "max_count") {
		cfg.Store.Retention.MaxCount = DefaultMaxCount
	}
	if !md.IsDefined("store", "journal_retention_days") {
		cfg.Store.JournalRetentionDays = 30
	}
	if cfg.Daemon.Schedule == "" {
		cfg.Daemon.Schedule = DefaultSchedule
	}
	if cfg.Daemon.MetricsAddr == "" {
		cfg.Daemon.MetricsAddr = ":9090"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "tally"
	}
	if !md.IsDefined("otel", "traces", "sample_rate") {
		cfg.OTEL.Traces.SampleRate = 1.0
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func parseDurations(cfg *Config) error {
	if cfg.Store.Retention.MaxAgeStr == "" {
		cfg.Store.Retention.MaxAge = 0
		return nil
	}
	d, err := time.ParseDuration(cfg.Store.Retention.MaxAgeStr)
	if err != nil {
		return fmt.Errorf("parse store.retention.max_age %q: %w", cfg.Store.Retention.MaxAgeStr, err)
	}
	cfg.Store.Retention.MaxAge = d
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if _, err := cron.ParseStandard(c.Daemon.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("daemon.schedule: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// fieldPath turns "Config.store.retention.max_count" into "store.retention.max_count".
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}
	return rest
}

// Scope returns the account scope snapshots are stored under.
func (c *Config) Scope() string {
	if c.Discovery.Account == "" {
		return "default"
	}
	return c.Discovery.Account
}
