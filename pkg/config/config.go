// Package config loads the settings object described in the external
// interfaces table: tile geometry, cache budget, swap directory/codec,
// swap queue budget, and worker pool size.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (GEGL_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// No setting is bound to a CLI flag; cmd/tilestorectl only passes the
// config file path through to Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gegl-go/tilestore/internal/bytesize"
)

// Settings is the tunable configuration for a tile storage context: tile
// geometry, cache budget, swap backend, and worker pool size, plus the
// ambient logging and metrics knobs every long-running process needs.
type Settings struct {
	// TileWidth is the tile grid's horizontal step, in pixels.
	TileWidth int `mapstructure:"tile_width" yaml:"tile_width" validate:"required,gt=0"`

	// TileHeight is the tile grid's vertical step, in pixels.
	TileHeight int `mapstructure:"tile_height" yaml:"tile_height" validate:"required,gt=0"`

	// TileCacheSize is the process-wide cache budget across every cache
	// handler sharing this Settings' Context.
	TileCacheSize bytesize.ByteSize `mapstructure:"tile_cache_size" yaml:"tile_cache_size"`

	// Swap is the swap directory. Empty disables swap entirely, in which
	// case the backend behaves as in-memory-only and never persists a
	// tile that's never been explicitly saved.
	Swap string `mapstructure:"swap" yaml:"swap,omitempty"`

	// SwapCompression names the codec applied to swap blocks: "fast" or
	// "none". Validate rejects any other name.
	SwapCompression string `mapstructure:"swap_compression" yaml:"swap_compression" validate:"omitempty,oneof=fast none"`

	// QueueSize is the maximum in-flight swap write queue, in bytes.
	// Load derives it as 10% of TileCacheSize when the cache size is
	// configured and queue_size is not; Reconfigure always recomputes it
	// as 10% of the new cache size.
	QueueSize bytesize.ByteSize `mapstructure:"queue_size" yaml:"queue_size"`

	// Threads is the worker pool size. 0 means "use a detected default"
	// (runtime.NumCPU()).
	Threads int `mapstructure:"threads" yaml:"threads" validate:"omitempty,min=1"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics controls the Prometheus metrics HTTP server.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Tracing controls OpenTelemetry span export for the tile command
	// chain. Disabled by default; every Dispatch call still pays the cost
	// of a no-op span when it is.
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`

	// Profiling controls continuous profiling export.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server. When
// Enabled is false, no metrics are collected and the sink is a no-op.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// TracingConfig configures OpenTelemetry span export for the tile command
// chain (see internal/telemetry).
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint       string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure       bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate     float64 `mapstructure:"sample_rate" validate:"omitempty,min=0,max=1" yaml:"sample_rate"`
	ServiceVersion string  `mapstructure:"service_version" yaml:"service_version"`
}

// ProfilingConfig configures continuous profiling export (see
// internal/telemetry.InitProfiling).
type ProfilingConfig struct {
	Enabled      bool     `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string   `mapstructure:"endpoint" yaml:"endpoint"`
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

var validate = validator.New()

// Load loads settings from the given config file path (empty uses the
// default location), environment variables, and defaults: environment
// variables override the file, and the file overrides the defaults.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	if err := v.Unmarshal(settings, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if v.IsSet("tile_cache_size") && !v.IsSet("queue_size") {
		settings.QueueSize = settings.TileCacheSize / 10
	}

	ApplyDefaults(settings)

	if err := Validate(settings); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// DefaultSettings returns this module's documented default settings table.
func DefaultSettings() *Settings {
	return &Settings{
		TileWidth:       128,
		TileHeight:      128,
		TileCacheSize:   512 * bytesize.MiB,
		SwapCompression: "fast",
		QueueSize:       50 * bytesize.MiB,
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Port: 9090,
		},
		Tracing: TracingConfig{
			Endpoint:       "localhost:4317",
			Insecure:       true,
			SampleRate:     1.0,
			ServiceVersion: "dev",
		},
		Profiling: ProfilingConfig{
			Endpoint:     "http://localhost:4040",
			ProfileTypes: []string{"cpu", "alloc_space"},
		},
	}
}

// ApplyDefaults fills in any zero-valued fields left unset after loading,
// including a thread count detected from the runtime. It leaves Swap as
// it is: an empty Swap stays empty (swap disabled), and DefaultSwapDir is
// not applied.
func ApplyDefaults(s *Settings) {
	if s.TileWidth == 0 {
		s.TileWidth = 128
	}
	if s.TileHeight == 0 {
		s.TileHeight = 128
	}
	if s.TileCacheSize == 0 {
		s.TileCacheSize = 512 * bytesize.MiB
	}
	if s.SwapCompression == "" {
		s.SwapCompression = "fast"
	}
	if s.QueueSize == 0 {
		s.QueueSize = s.TileCacheSize / 10
	}
	if s.Threads == 0 {
		s.Threads = runtime.NumCPU()
	}
	if s.Logging.Level == "" {
		s.Logging.Level = "INFO"
	}
	s.Logging.Level = strings.ToUpper(s.Logging.Level)
	if s.Logging.Format == "" {
		s.Logging.Format = "text"
	}
	if s.Logging.Output == "" {
		s.Logging.Output = "stdout"
	}
	if s.Metrics.Port == 0 {
		s.Metrics.Port = 9090
	}
}

// Validate checks settings against their struct tags and any
// cross-field rules not expressible as a tag.
func Validate(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if s.Swap != "" {
		if _, err := os.Stat(filepath.Dir(s.Swap)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("swap directory %q: %w", s.Swap, err)
		}
	}
	return nil
}

// Reconfigure recomputes QueueSize from the new cache size: queue_max is
// always 10% of cache_size. Callers broadcasting the change to a live
// swap backend do so separately; Reconfigure only updates the settings
// value.
func Reconfigure(s *Settings, newCacheSize bytesize.ByteSize) {
	s.TileCacheSize = newCacheSize
	s.QueueSize = newCacheSize / 10
}

// SaveConfig writes settings to path in YAML format.
func SaveConfig(s *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("GEGL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnvAliases(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindLegacyEnvAliases binds the single-purpose environment variable
// names this module documents (GEGL_CACHE_SIZE, GEGL_TILE_SIZE, GEGL_SWAP,
// GEGL_SWAP_COMPRESSION, GEGL_THREADS) to their Settings keys, since
// viper's automatic env binding would otherwise only recognize
// GEGL_TILE_CACHE_SIZE etc.
func bindLegacyEnvAliases(v *viper.Viper) {
	_ = v.BindEnv("tile_cache_size", "GEGL_CACHE_SIZE")
	_ = v.BindEnv("swap", "GEGL_SWAP")
	_ = v.BindEnv("swap_compression", "GEGL_SWAP_COMPRESSION")
	_ = v.BindEnv("threads", "GEGL_THREADS")

	if wh := os.Getenv("GEGL_TILE_SIZE"); wh != "" {
		if w, h, ok := parseTileSize(wh); ok {
			v.Set("tile_width", w)
			v.Set("tile_height", h)
		}
	}

	if mib := os.Getenv("GEGL_CACHE_SIZE"); mib != "" {
		v.Set("tile_cache_size", mib+"Mi")
	}
}

// parseTileSize parses the "WxH" format GEGL_TILE_SIZE uses.
func parseTileSize(s string) (w, h int, ok bool) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	var err error
	if w, err = atoiStrict(parts[0]); err != nil {
		return 0, 0, false
	}
	if h, err = atoiStrict(parts[1]); err != nil {
		return 0, 0, false
	}
	return w, h, true
}

func atoiStrict(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gegl-tilestore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "gegl-tilestore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultSwapDir returns a swap directory under the user's cache
// directory. Nothing in this package assigns it to Settings.Swap.
func DefaultSwapDir() string {
	if cacheDir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(cacheDir, "gegl-tilestore", "swap")
	}
	return filepath.Join(getConfigDir(), "swap")
}
