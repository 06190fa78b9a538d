// Package config loads linesort settings from a YAML file, LINESORT_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tamirms/groupsort"
	sorterrors "github.com/tamirms/groupsort/errors"
)

// EnvPrefix prefixes every environment override, e.g. LINESORT_BUFFERSIZE
// or LINESORT_LOG_LEVEL.
const EnvPrefix = "LINESORT"

// Config is the effective configuration of a linesort invocation.
type Config struct {
	BufferSize           int    `mapstructure:"bufferSize" yaml:"bufferSize"`
	MaxMemoryForLines    int64  `mapstructure:"maxMemoryForLines" yaml:"maxMemoryForLines"`
	MaxRunningTasksCount int    `mapstructure:"maxRunningTasksCount" yaml:"maxRunningTasksCount"`
	GrouperEnginesCount  int    `mapstructure:"grouperEnginesCount" yaml:"grouperEnginesCount"`
	SortingSegment       string `mapstructure:"sortingSegment" yaml:"sortingSegment"`
	TempDir              string `mapstructure:"tempDir" yaml:"tempDir"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables the endpoint
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"buffer-size":          "bufferSize",
	"max-memory-for-lines": "maxMemoryForLines",
	"max-running-tasks":    "maxRunningTasksCount",
	"grouper-engines":      "grouperEnginesCount",
	"sorting-segment":      "sortingSegment",
	"temp-dir":             "tempDir",
	"log-level":            "log.level",
	"log-format":           "log.format",
	"metrics-addr":         "metrics.addr",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BufferSize:           groupsort.DefaultBufferSize,
		MaxMemoryForLines:    groupsort.DefaultMaxMemoryForLines,
		MaxRunningTasksCount: runtime.NumCPU(),
		GrouperEnginesCount:  runtime.NumCPU(),
		SortingSegment:       groupsort.SegmentUint64.String(),
		Log:                  LogConfig{Level: "info", Format: "console"},
	}
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("buffer-size", d.BufferSize, "size in bytes of every pooled line buffer")
	fs.Int64("max-memory-for-lines", d.MaxMemoryForLines, "ceiling in bytes on line data held in memory")
	fs.Int("max-running-tasks", d.MaxRunningTasksCount, "buckets sorted in parallel")
	fs.Int("grouper-engines", d.GrouperEnginesCount, "input shards grouped in parallel")
	fs.String("sorting-segment", d.SortingSegment, "packed key width: byte, uint32 or uint64")
	fs.String("temp-dir", d.TempDir, "directory for the intermediate group file")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "log format: console or json")
	fs.String("metrics-addr", d.Metrics.Addr, "serve Prometheus metrics on this address, e.g. :9090")
}

// Load reads configPath (if not empty), the environment and the flags in fs
// registered by RegisterFlags. fs may be nil.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	d := Default()
	v.SetDefault("bufferSize", d.BufferSize)
	v.SetDefault("maxMemoryForLines", d.MaxMemoryForLines)
	v.SetDefault("maxRunningTasksCount", d.MaxRunningTasksCount)
	v.SetDefault("grouperEnginesCount", d.GrouperEnginesCount)
	v.SetDefault("sortingSegment", d.SortingSegment)
	v.SetDefault("tempDir", d.TempDir)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// YAML returns the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Logger builds the zerolog logger described by c.Log.
func (c *Config) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("%w: log level %q", sorterrors.ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("%w: log format %q", sorterrors.ErrInvalidConfig, c.Log.Format)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Options converts c into sort options. reg may be nil.
func (c *Config) Options(logger zerolog.Logger, reg prometheus.Registerer) ([]groupsort.SortOption, error) {
	seg, err := groupsort.ParseSortingSegment(c.SortingSegment)
	if err != nil {
		return nil, err
	}
	if c.BufferSize <= 0 || c.MaxMemoryForLines <= 0 {
		return nil, errors.Join(sorterrors.ErrInvalidConfig,
			fmt.Errorf("bufferSize %d and maxMemoryForLines %d must be positive", c.BufferSize, c.MaxMemoryForLines))
	}
	opts := []groupsort.SortOption{
		groupsort.WithBufferSize(c.BufferSize),
		groupsort.WithMaxMemoryForLines(c.MaxMemoryForLines),
		groupsort.WithMaxRunningTasks(c.MaxRunningTasksCount),
		groupsort.WithGrouperEngines(c.GrouperEnginesCount),
		groupsort.WithSortingSegment(seg),
		groupsort.WithLogger(logger),
	}
	if c.TempDir != "" {
		opts = append(opts, groupsort.TempDir(c.TempDir))
	}
	if reg != nil {
		opts = append(opts, groupsort.WithRegisterer(reg))
	}
	return opts, nil
}
