package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"txn-enricher/internal/common"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration defaults
const (
	DefaultRequestTimeout  = 10 * time.Second
	DefaultFetchTimeout    = 10 * time.Second
	DefaultFetchMaxElapsed = 30 * time.Second
)

// Settings is the resolved configuration shared by both binaries.
type Settings struct {
	BundlePath string `env:"BUNDLE_PATH"`
	InputPath  string `env:"INPUT_PATH"`
	OutputPath string `env:"OUTPUT_PATH"`
	ReportPath string `env:"REPORT_PATH"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	HourPolicy        string   `env:"HOUR_POLICY"`
	HourSeed          uint64   `env:"HOUR_SEED"`
	HighRiskMerchants []string `env:"HIGH_RISK_MERCHANTS" envSeparator:","`

	ListenPort        int           `env:"LISTEN_PORT"`
	RequestsPerSecond float64       `env:"REQUESTS_PER_SECOND"`
	RequestBurst      int           `env:"REQUEST_BURST"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"`

	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT"`
	FetchMaxElapsed time.Duration `env:"FETCH_MAX_ELAPSED"`

	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME"`
}

// ConfigFile is the YAML layout accepted through CONFIG_FILE.
type ConfigFile struct {
	Model struct {
		BundlePath        string   `yaml:"bundlePath"`
		HourPolicy        string   `yaml:"hourPolicy"`
		HourSeed          *uint64  `yaml:"hourSeed"`
		HighRiskMerchants []string `yaml:"highRiskMerchants"`
	} `yaml:"model"`

	IO struct {
		InputPath       string `yaml:"inputPath"`
		OutputPath      string `yaml:"outputPath"`
		ReportPath      string `yaml:"reportPath"`
		FetchTimeout    string `yaml:"fetchTimeout"`
		FetchMaxElapsed string `yaml:"fetchMaxElapsed"`
	} `yaml:"io"`

	Server struct {
		ListenPort        int     `yaml:"listenPort"`
		RequestsPerSecond float64 `yaml:"requestsPerSecond"`
		RequestBurst      int     `yaml:"requestBurst"`
		RequestTimeout    string  `yaml:"requestTimeout"`
	} `yaml:"server"`

	System struct {
		LogLevel     string `yaml:"logLevel"`
		LogFormat    string `yaml:"logFormat"`
		OTELEndpoint string `yaml:"otelEndpoint"`
		ServiceName  string `yaml:"serviceName"`
	} `yaml:"system"`
}

// Defaults returns the settings used when nothing overrides them.
func Defaults() Settings {
	return Settings{
		BundlePath:        common.DefaultBundlePath,
		InputPath:         common.DefaultInputPath,
		OutputPath:        common.DefaultOutputPath,
		LogLevel:          common.DefaultLogLevel,
		LogFormat:         common.DefaultLogFormat,
		HourPolicy:        common.DefaultHourPolicy,
		HighRiskMerchants: append([]string(nil), common.DefaultHighRiskMerchants...),
		ListenPort:        common.DefaultListenPort,
		RequestsPerSecond: common.DefaultRequestsPerSecond,
		RequestBurst:      common.DefaultRequestBurst,
		RequestTimeout:    DefaultRequestTimeout,
		FetchTimeout:      DefaultFetchTimeout,
		FetchMaxElapsed:   DefaultFetchMaxElapsed,
		ServiceName:       common.DefaultServiceName,
	}
}

// Load resolves settings in order: defaults, .env file, YAML file named by
// CONFIG_FILE, then environment variables. The result is validated.
func Load() (Settings, error) {
	if err := loadDotenv(".env"); err != nil {
		return Settings{}, err
	}

	settings := Defaults()
	if configPath := os.Getenv(common.EnvConfigFile); configPath != "" {
		if err := applyYAML(&settings, configPath); err != nil {
			return Settings{}, err
		}
	}

	if err := env.Parse(&settings); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	settings.HighRiskMerchants = trimAll(settings.HighRiskMerchants)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// loadDotenv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotenv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyYAML(settings *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&settings.BundlePath, config.Model.BundlePath)
	setString(&settings.HourPolicy, config.Model.HourPolicy)
	if config.Model.HourSeed != nil {
		settings.HourSeed = *config.Model.HourSeed
	}
	if config.Model.HighRiskMerchants != nil {
		settings.HighRiskMerchants = trimAll(config.Model.HighRiskMerchants)
	}

	setString(&settings.InputPath, config.IO.InputPath)
	setString(&settings.OutputPath, config.IO.OutputPath)
	setString(&settings.ReportPath, config.IO.ReportPath)

	if config.Server.ListenPort != 0 {
		settings.ListenPort = config.Server.ListenPort
	}
	if config.Server.RequestsPerSecond != 0 {
		settings.RequestsPerSecond = config.Server.RequestsPerSecond
	}
	if config.Server.RequestBurst != 0 {
		settings.RequestBurst = config.Server.RequestBurst
	}

	setString(&settings.LogLevel, config.System.LogLevel)
	setString(&settings.LogFormat, config.System.LogFormat)
	setString(&settings.OTELEndpoint, config.System.OTELEndpoint)
	setString(&settings.ServiceName, config.System.ServiceName)

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"requestTimeout", config.Server.RequestTimeout, &settings.RequestTimeout},
		{"fetchTimeout", config.IO.FetchTimeout, &settings.FetchTimeout},
		{"fetchMaxElapsed", config.IO.FetchMaxElapsed, &settings.FetchMaxElapsed},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: invalid %s %q: %w", path, d.name, d.raw, err)
		}
		*d.target = v
	}
	return nil
}

func setString(target *string, v string) {
	if v != "" {
		*target = v
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// validateSettings checks every value against its allowed range.
func validateSettings(settings *Settings) error {
	if strings.TrimSpace(settings.BundlePath) == "" {
		return fmt.Errorf("bundle path cannot be empty")
	}

	if _, err := zerolog.ParseLevel(settings.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", settings.LogLevel)
	}
	if settings.LogFormat != "console" && settings.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json, got %q", settings.LogFormat)
	}

	if settings.HourPolicy != common.HourPolicyImpute && settings.HourPolicy != common.HourPolicyRandom {
		return fmt.Errorf("hour policy must be %s or %s, got %q",
			common.HourPolicyImpute, common.HourPolicyRandom, settings.HourPolicy)
	}

	if settings.ListenPort < common.MinListenPort || settings.ListenPort > common.MaxListenPort {
		return fmt.Errorf("listen port must be between %d and %d, got %d",
			common.MinListenPort, common.MaxListenPort, settings.ListenPort)
	}
	if settings.RequestsPerSecond <= 0 || settings.RequestsPerSecond > common.MaxRequestsPerSecond {
		return fmt.Errorf("requests per second must be between 0 and %.0f, got %f",
			common.MaxRequestsPerSecond, settings.RequestsPerSecond)
	}
	if settings.RequestBurst < 1 || settings.RequestBurst > common.MaxRequestBurst {
		return fmt.Errorf("request burst must be between 1 and %d, got %d", common.MaxRequestBurst, settings.RequestBurst)
	}

	if settings.RequestTimeout < 100*time.Millisecond || settings.RequestTimeout > 5*time.Minute {
		return fmt.Errorf("request timeout must be between 100ms and 5m, got %v", settings.RequestTimeout)
	}
	if settings.FetchTimeout < time.Second || settings.FetchTimeout > 5*time.Minute {
		return fmt.Errorf("fetch timeout must be between 1s and 5m, got %v", settings.FetchTimeout)
	}
	if settings.FetchMaxElapsed < time.Second || settings.FetchMaxElapsed > 30*time.Minute {
		return fmt.Errorf("fetch retry budget must be between 1s and 30m, got %v", settings.FetchMaxElapsed)
	}

	if settings.OTELEndpoint != "" && !strings.HasPrefix(settings.OTELEndpoint, "http://") &&
		!strings.HasPrefix(settings.OTELEndpoint, "https://") {
		return fmt.Errorf("OTEL endpoint must be an http(s) URL, got %q", settings.OTELEndpoint)
	}
	if strings.TrimSpace(settings.ServiceName) == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	return nil
}
