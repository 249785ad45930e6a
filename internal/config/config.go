// Package config provides configuration management for dvbstreamerd using
// Viper: a top-level Config struct of mapstructure-tagged sub-configs,
// loaded from file, environment, and flags, with defaults set up front.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultAdapterNumber   = 0
	defaultDeliverySystem  = "DVB-T"
	defaultReadTimeout     = 100 * time.Millisecond
	defaultHistorySize     = 500
	defaultMaxOpenConns    = 6
	defaultMaxIdleConns    = 3
	defaultConnMaxIdleTime = 30 * time.Minute
)

// Exported defaults for the table-processing cadence knobs: how often the
// deferred-processing worker polls its queue, and how often a bound output
// re-mints its synthesised PAT/PMT (spec.md §4.5 "at the cadence required
// to keep downstream decoders happy"). Callers that build a Config by hand
// rather than through Load (tests, mainly) can fall back to these rather
// than running with a zero-valued, busy-looping duration.
const (
	DefaultWorkerPollInterval = 200 * time.Millisecond
	DefaultPATRepeatInterval  = 400 * time.Millisecond
	DefaultPMTRepeatInterval  = 400 * time.Millisecond
)

// Config holds all configuration for dvbstreamerd.
type Config struct {
	Adapter AdapterConfig `mapstructure:"adapter"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	Shell   ShellConfig   `mapstructure:"shell"`
	Outputs OutputsConfig `mapstructure:"outputs"`
	Engine  EngineConfig  `mapstructure:"engine"`
}

// EngineConfig controls the engine's own internal scheduling, as opposed to
// any one collaborator's behavior.
type EngineConfig struct {
	// WorkerPollInterval bounds how long the deferred-processing worker
	// blocks between queue checks (spec.md §5: table decoders off-load
	// heavy work off the reader's dispatch goroutine onto this worker).
	WorkerPollInterval time.Duration `mapstructure:"worker_poll_interval"`
}

// AdapterConfig names the DVB adapter to open and its tuning defaults.
type AdapterConfig struct {
	Number         int           `mapstructure:"number"`
	FrontendPath   string        `mapstructure:"frontend_path"`
	DemuxPath      string        `mapstructure:"demux_path"`
	DVRPath        string        `mapstructure:"dvr_path"`
	DeliverySystem string        `mapstructure:"delivery_system"` // DVB-S, DVB-C, DVB-T, ATSC
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
}

// StoreConfig controls the per-adapter SQLite database.
type StoreConfig struct {
	DataDir         string        `mapstructure:"data_dir"`
	DSN             string        `mapstructure:"dsn"` // empty = {data_dir}/adapter{N}.db
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration, mirrored on the teacher's
// internal/observability.LoggingConfig shape.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ShellConfig controls the line-oriented operator command loop.
type ShellConfig struct {
	HistoryFile   string `mapstructure:"history_file"`
	HistorySize   int    `mapstructure:"history_size"`
	StartupScript string `mapstructure:"startup_script"`
}

// StaticOutput names one output configured at startup: an MRL and,
// optionally, the service it should filter to.
type StaticOutput struct {
	Name      string `mapstructure:"name"`
	MRL       string `mapstructure:"mrl"`
	Service   string `mapstructure:"service"` // service name or numeric service_id; empty = manual output
	AVSOnly   bool   `mapstructure:"avs_only"`
}

// OutputsConfig lists outputs created automatically at startup and the
// cadence every output re-sends its synthesised PAT/PMT on.
type OutputsConfig struct {
	Static []StaticOutput `mapstructure:"static"`

	// PATRepeatInterval/PMTRepeatInterval set how often a bound output
	// re-sends its synthesised PAT/PMT even when nothing has changed, per
	// spec.md §4.5. Real multiplexers commonly run these on distinct
	// cycle times, hence two knobs rather than one.
	PATRepeatInterval time.Duration `mapstructure:"pat_repeat_interval"`
	PMTRepeatInterval time.Duration `mapstructure:"pmt_repeat_interval"`
}

// Load reads configuration from defaults, the config file, and environment
// variables (prefixed DVBSTREAMER_), in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/dvbstreamerd")
		v.AddConfigPath("$HOME/.dvbstreamerd")
	}

	v.SetEnvPrefix("DVBSTREAMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for every configuration option.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("adapter.number", defaultAdapterNumber)
	v.SetDefault("adapter.frontend_path", "/dev/dvb/adapter0/frontend0")
	v.SetDefault("adapter.demux_path", "/dev/dvb/adapter0/demux0")
	v.SetDefault("adapter.dvr_path", "/dev/dvb/adapter0/dvr0")
	v.SetDefault("adapter.delivery_system", defaultDeliverySystem)
	v.SetDefault("adapter.read_timeout", defaultReadTimeout)

	v.SetDefault("store.data_dir", "./data")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("store.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("store.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("store.log_level", "warn")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("shell.history_file", "$HOME/.dvbstreamerd_history")
	v.SetDefault("shell.history_size", defaultHistorySize)
	v.SetDefault("shell.startup_script", "")

	v.SetDefault("outputs.pat_repeat_interval", DefaultPATRepeatInterval)
	v.SetDefault("outputs.pmt_repeat_interval", DefaultPMTRepeatInterval)

	v.SetDefault("engine.worker_poll_interval", DefaultWorkerPollInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	validSystems := map[string]bool{"DVB-S": true, "DVB-C": true, "DVB-T": true, "ATSC": true}
	if !validSystems[c.Adapter.DeliverySystem] {
		return fmt.Errorf("adapter.delivery_system must be one of: DVB-S, DVB-C, DVB-T, ATSC")
	}
	return nil
}

// DatabasePath returns the SQLite DSN to use for this adapter: the
// explicit DSN if set, otherwise {data_dir}/adapter{N}.db.
func (c *Config) DatabasePath() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return fmt.Sprintf("%s/adapter%d.db", c.Store.DataDir, c.Adapter.Number)
}
