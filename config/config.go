// Package config loads spanz service configuration from flags, SPANZ_*
// environment variables and an optional configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zoobzio/spanz"
)

// ApplicationName is used for the standard config search paths and the
// default config file name.
const ApplicationName = "spanz"

// EnvPrefix prefixes environment overrides, e.g. SPANZ_SAMPLER_RATIO.
const EnvPrefix = "SPANZ"

// Flag names registered by Flags.
const (
	FileFlag     = "config-file"
	NameFlag     = "config-name"
	AddressFlag  = "address"
	LogLevelFlag = "log-level"
)

// Sampler types.
const (
	SamplerAlwaysOn  = "always_on"
	SamplerAlwaysOff = "always_off"
	SamplerRatio     = "ratio"
)

// Exporter types.
const (
	ExporterNone = "none"
	ExporterLog  = "log"
	ExporterOTLP = "otlp"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full service configuration.
type Config struct {
	Service   Service   `mapstructure:"service"`
	Log       Log       `mapstructure:"log"`
	Sampler   Sampler   `mapstructure:"sampler"`
	Exporter  Exporter  `mapstructure:"exporter"`
	Collector Collector `mapstructure:"collector"`
	Handler   Handler   `mapstructure:"handler"`
	Server    Server    `mapstructure:"server"`
}

// Service identifies the running service.
type Service struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// Log configures the logger.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Sampler selects the sampling strategy.
type Sampler struct {
	Type        string  `mapstructure:"type"`
	Ratio       float64 `mapstructure:"ratio"`
	ParentBased bool    `mapstructure:"parent_based"`
}

// Exporter selects where spans go.
type Exporter struct {
	Type     string            `mapstructure:"type"`
	Endpoint string            `mapstructure:"endpoint"`
	URLPath  string            `mapstructure:"url_path"`
	Headers  map[string]string `mapstructure:"headers"`
	Insecure bool              `mapstructure:"insecure"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// Collector configures batching in front of the exporter.
type Collector struct {
	Enabled       bool          `mapstructure:"enabled"`
	BatchSize     int           `mapstructure:"batch_size"`
	QueueSize     int           `mapstructure:"queue_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Handler configures the demo handler.
type Handler struct {
	URL          string        `mapstructure:"url"`
	Route        string        `mapstructure:"route"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Policy       string        `mapstructure:"policy"`
	IncludeStack bool          `mapstructure:"include_stack"`
	Divisor      int           `mapstructure:"divisor"`
}

// Server configures the local invocation server.
type Server struct {
	Address string `mapstructure:"address"`
}

// Flags registers the configuration flags on fs.
func Flags(fs *pflag.FlagSet) {
	fs.String(FileFlag, "", "path to a configuration file")
	fs.String(NameFlag, "", "configuration file name searched in the standard paths")
	fs.String(AddressFlag, ":8080", "listen address of the invocation server")
	fs.String(LogLevelFlag, "info", "log level: debug, info, warning or error")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "hello")
	v.SetDefault("service.environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("sampler.type", SamplerAlwaysOn)
	v.SetDefault("sampler.ratio", 1.0)
	v.SetDefault("sampler.parent_based", true)
	v.SetDefault("exporter.type", ExporterLog)
	v.SetDefault("exporter.endpoint", "")
	v.SetDefault("exporter.url_path", "")
	v.SetDefault("exporter.insecure", false)
	v.SetDefault("exporter.timeout", spanz.DefaultExportTimeout)
	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.batch_size", spanz.DefaultBatchSize)
	v.SetDefault("collector.queue_size", spanz.DefaultQueueSize)
	v.SetDefault("collector.flush_interval", spanz.DefaultFlushInterval)
	v.SetDefault("handler.url", "https://aws.amazon.com/")
	v.SetDefault("handler.route", "some_route")
	v.SetDefault("handler.timeout", time.Second)
	v.SetDefault("handler.policy", "structured")
	v.SetDefault("handler.include_stack", false)
	v.SetDefault("handler.divisor", 0)
	v.SetDefault("server.address", ":8080")
}

// Load reads the configuration. fs may be nil; when given it must already
// be parsed and is expected to carry the flags from Flags.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := readConfigFile(v, fs); err != nil {
			return Config{}, err
		}
		if err := bindFlag(v, fs, "server.address", AddressFlag); err != nil {
			return Config{}, err
		}
		if err := bindFlag(v, fs, "log.level", LogLevelFlag); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readConfigFile prefers an explicit file, then a name searched in the
// standard paths. Without either flag no file is read.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	if f := fs.Lookup(FileFlag); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		return nil
	}

	if f := fs.Lookup(NameFlag); f != nil && f.Value.String() != "" {
		v.SetConfigName(f.Value.String())
		v.AddConfigPath("/etc/" + ApplicationName)
		v.AddConfigPath("$HOME/" + ApplicationName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// bindFlag binds a flag only when it was set explicitly, so that file and
// environment values are not shadowed by flag defaults.
func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) error {
	f := fs.Lookup(name)
	if f == nil || !f.Changed {
		return nil
	}
	return v.BindPFlag(key, f)
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.Sampler.Type {
	case SamplerAlwaysOn, SamplerAlwaysOff:
	case SamplerRatio:
		if c.Sampler.Ratio < 0 || c.Sampler.Ratio > 1 {
			return fmt.Errorf("%w: sampler.ratio %v outside [0, 1]", ErrInvalid, c.Sampler.Ratio)
		}
	default:
		return fmt.Errorf("%w: unknown sampler.type %q", ErrInvalid, c.Sampler.Type)
	}

	switch c.Exporter.Type {
	case ExporterNone, ExporterLog, ExporterOTLP:
	default:
		return fmt.Errorf("%w: unknown exporter.type %q", ErrInvalid, c.Exporter.Type)
	}

	if c.Collector.Enabled && (c.Collector.BatchSize <= 0 || c.Collector.QueueSize <= 0) {
		return fmt.Errorf("%w: collector sizes must be positive", ErrInvalid)
	}
	if c.Handler.Timeout <= 0 {
		return fmt.Errorf("%w: handler.timeout must be positive", ErrInvalid)
	}
	return nil
}

// NewSampler builds the configured sampler.
func (s Sampler) NewSampler() spanz.Sampler {
	var root spanz.Sampler
	switch s.Type {
	case SamplerAlwaysOff:
		root = spanz.AlwaysOff()
	case SamplerRatio:
		root = spanz.Ratio(s.Ratio)
	default:
		root = spanz.AlwaysOn()
	}
	if s.ParentBased {
		return spanz.ParentBased(root)
	}
	return root
}
