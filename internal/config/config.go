// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `canlens:` root key in YAML.
type GlobalConfig struct {
	Transport TransportConfig `mapstructure:"transport"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Transmit  TransmitConfig  `mapstructure:"transmit"`
	Sinks     []SinkConfig    `mapstructure:"sinks"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// ─── Transport ───

// TransportConfig selects and parameterizes the bus driver.
type TransportConfig struct {
	Type    string         `mapstructure:"type"`    // virtual | slcan | socketcan
	Channel string         `mapstructure:"channel"` // serial device path or CAN interface name
	Bitrate int            `mapstructure:"bitrate"` // bit/s
	Options map[string]any `mapstructure:"options"` // driver specific
}

// ─── Catalog ───

// CatalogConfig points at the DBC signal dictionary.
type CatalogConfig struct {
	Path   string `mapstructure:"path"`
	Strict bool   `mapstructure:"strict"` // overlapping signals fail the load
}

// ─── Pipeline ───

// PipelineConfig tunes the producer/consumer session pipeline.
type PipelineConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"` // 0 = unbounded
	DropPolicy    string        `mapstructure:"drop_policy"`    // block | head
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	ConsumerWait  time.Duration `mapstructure:"consumer_wait"`
}

// ─── Trace ───

// TraceConfig controls trace recording during live sessions.
type TraceConfig struct {
	Record bool   `mapstructure:"record"`
	Dir    string `mapstructure:"dir"`
}

// ReplayConfig controls trace replay.
type ReplayConfig struct {
	Speed        float64       `mapstructure:"speed"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// TransmitConfig points at the periodic transmit plan.
type TransmitConfig struct {
	Plan string `mapstructure:"plan"`
}

// ─── Sinks ───

// SinkConfig configures one event sink. Config is decoded by the sink itself.
type SinkConfig struct {
	Type   string         `mapstructure:"type"`
	Config map[string]any `mapstructure:"config"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level      string           `mapstructure:"level"`       // trace / debug / info / warn / error
	Pattern    string           `mapstructure:"pattern"`     // %time %level %caller %msg %field %n
	TimeFormat string           `mapstructure:"time_format"` // Go reference layout
	Outputs    LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations.
type LogOutputsConfig struct {
	Console ConsoleOutputConfig `mapstructure:"console"`
	File    FileOutputConfig    `mapstructure:"file"`
}

// ConsoleOutputConfig configures stderr log output.
type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `canlens: ...`.
type configRoot struct {
	Canlens GlobalConfig `mapstructure:"canlens"`
}

// Load loads configuration from file. An empty path yields the defaults.
// Env vars use the CANLENS_ prefix (e.g. CANLENS_TRANSPORT_TYPE).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "canlens.log.level" → env "CANLENS_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Canlens

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "canlens." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Transport defaults
	v.SetDefault("canlens.transport.type", "virtual")
	v.SetDefault("canlens.transport.channel", "vcan0")
	v.SetDefault("canlens.transport.bitrate", 500000)

	// Catalog defaults
	v.SetDefault("canlens.catalog.strict", false)

	// Pipeline defaults
	v.SetDefault("canlens.pipeline.queue_capacity", 0)
	v.SetDefault("canlens.pipeline.drop_policy", "block")
	v.SetDefault("canlens.pipeline.read_timeout", "100ms")
	v.SetDefault("canlens.pipeline.consumer_wait", "1s")

	// Trace defaults
	v.SetDefault("canlens.trace.record", false)
	v.SetDefault("canlens.trace.dir", "./traces")

	// Replay defaults
	v.SetDefault("canlens.replay.speed", 1.0)
	v.SetDefault("canlens.replay.poll_interval", "500us")

	// Metrics defaults
	v.SetDefault("canlens.metrics.enabled", false)
	v.SetDefault("canlens.metrics.listen", ":9108")
	v.SetDefault("canlens.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("canlens.log.level", "info")
	v.SetDefault("canlens.log.pattern", "%time [%level] %caller: %msg %field%n")
	v.SetDefault("canlens.log.time_format", "2006-01-02 15:04:05.000")
	v.SetDefault("canlens.log.outputs.console.enabled", true)
	v.SetDefault("canlens.log.outputs.file.enabled", false)
	v.SetDefault("canlens.log.outputs.file.path", "./logs/canlens.log")
	v.SetDefault("canlens.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("canlens.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("canlens.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("canlens.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled")
	}

	// ── Transport validation ──
	switch cfg.Transport.Type {
	case "virtual", "slcan", "socketcan":
	default:
		return fmt.Errorf("unsupported transport.type: %q (must be virtual/slcan/socketcan)", cfg.Transport.Type)
	}
	if cfg.Transport.Type != "virtual" && cfg.Transport.Channel == "" {
		return fmt.Errorf("transport.channel is required for %s transport", cfg.Transport.Type)
	}
	if cfg.Transport.Bitrate <= 0 {
		return fmt.Errorf("invalid transport.bitrate: %d", cfg.Transport.Bitrate)
	}

	// ── Pipeline validation ──
	if cfg.Pipeline.QueueCapacity < 0 {
		return fmt.Errorf("invalid pipeline.queue_capacity: %d (must be >= 0)", cfg.Pipeline.QueueCapacity)
	}
	if cfg.Pipeline.DropPolicy != "block" && cfg.Pipeline.DropPolicy != "head" {
		return fmt.Errorf("invalid pipeline.drop_policy: %q (must be block/head)", cfg.Pipeline.DropPolicy)
	}
	if cfg.Pipeline.ReadTimeout <= 0 {
		return fmt.Errorf("pipeline.read_timeout must be positive")
	}
	if cfg.Pipeline.ConsumerWait <= 0 {
		return fmt.Errorf("pipeline.consumer_wait must be positive")
	}

	// ── Replay validation ──
	if cfg.Replay.Speed <= 0 {
		return fmt.Errorf("invalid replay.speed: %v (must be > 0)", cfg.Replay.Speed)
	}
	if cfg.Replay.PollInterval <= 0 {
		cfg.Replay.PollInterval = 500 * time.Microsecond
	}

	// ── Sinks ──
	for i, s := range cfg.Sinks {
		if s.Type == "" {
			return fmt.Errorf("sinks[%d].type is required", i)
		}
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}
