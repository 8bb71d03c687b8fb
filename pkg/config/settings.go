package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	toml2 "github.com/pelletier/go-toml/v2"

	"github.com/dodos-os/dodos/pkg/source"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nested keys: DODOS_LOG__LEVEL sets log.level.
const EnvPrefix = "DODOS_"

// Settings configure the builder itself, as opposed to the system being
// built. They are layered: defaults, then the settings file, then the
// environment.
type Settings struct {
	// CacheDir holds the content-addressed artifact cache.
	CacheDir string `koanf:"cache_dir" toml:"cache_dir" validate:"required"`

	// StateDB is the SQLite database of build history. Empty disables it.
	StateDB string `koanf:"state_db" toml:"state_db"`

	// Workers is the number of parallel downloads.
	Workers int `koanf:"workers" toml:"workers" validate:"gte=1,lte=64"`

	// MaxAttempts bounds the tries per artifact.
	MaxAttempts int `koanf:"max_attempts" toml:"max_attempts" validate:"gte=1"`

	// StepLimit bounds the resolver search.
	StepLimit int `koanf:"step_limit" toml:"step_limit" validate:"gte=1"`

	// ScriptTimeout bounds each customisation script.
	ScriptTimeout time.Duration `koanf:"script_timeout" toml:"script_timeout" validate:"gt=0"`

	Log     LogSettings     `koanf:"log" toml:"log"`
	Metrics MetricsSettings `koanf:"metrics" toml:"metrics"`
	Tracing TracingSettings `koanf:"tracing" toml:"tracing"`

	// Source tunes repository transports.
	Source source.Options `koanf:"source" toml:"source"`
}

// LogSettings select the log output.
type LogSettings struct {
	Level  string `koanf:"level" toml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" toml:"format" validate:"oneof=console json"`
}

// MetricsSettings select where metrics go.
type MetricsSettings struct {
	// Textfile receives the metrics of a finished build in the node
	// exporter textfile format.
	Textfile string `koanf:"textfile" toml:"textfile"`

	// Listen serves /metrics while watching.
	Listen string `koanf:"listen" toml:"listen"`
}

// TracingSettings configure OpenTelemetry export.
type TracingSettings struct {
	Exporter     string  `koanf:"exporter" toml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `koanf:"endpoint" toml:"endpoint"`
	SamplingRate float64 `koanf:"sampling_rate" toml:"sampling_rate" validate:"gte=0,lte=1"`
}

// DefaultSettingsPath is the settings file read when none is given.
func DefaultSettingsPath() string {
	return filepath.Join(xdg.ConfigHome, "dodos", "builder.toml")
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"cache_dir":              filepath.Join(xdg.CacheHome, "dodos", "artifacts"),
		"state_db":               filepath.Join(xdg.DataHome, "dodos", "state.db"),
		"workers":                4,
		"max_attempts":           3,
		"step_limit":             100000,
		"script_timeout":         "30s",
		"log.level":              "info",
		"log.format":             "console",
		"metrics.textfile":       "",
		"metrics.listen":         "",
		"tracing.exporter":       "none",
		"tracing.endpoint":       "",
		"tracing.sampling_rate":  1.0,
		"source.timeout":         source.DefaultTimeout.String(),
		"source.user_agent":      "dodos-builder",
		"source.ssh.known_hosts": "",
	}
}

// LoadSettings reads the layered settings. An empty path reads the default
// settings file if it exists; an explicit path must exist.
func LoadSettings(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load default settings: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultSettingsPath()
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load settings from %s: %w", path, err)
		}
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var s Settings
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &s,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}
	if err := k.UnmarshalWithConf("", &s, unmarshalConf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}

// TOML renders the settings in the settings file format.
func (s *Settings) TOML() ([]byte, error) {
	return toml2.Marshal(s)
}
