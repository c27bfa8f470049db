// Package config loads and validates httpinstrd configuration.
// Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ierrors "github.com/vnykmshr/httpinstr/pkg/common/errors"
	"github.com/vnykmshr/httpinstr/pkg/common/validation"
)

// ManagementEnv is the process-wide switch for instrumentation.
const ManagementEnv = "HTTPINSTR_MANAGEMENT"

// Config holds all configuration for an httpinstrd process.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Threads    ThreadsConfig    `yaml:"threads"`
	Management ManagementConfig `yaml:"management"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	ServiceName      string        `yaml:"serviceName"`
	MultipleServices bool          `yaml:"multipleServices"`
	ReadTimeout      time.Duration `yaml:"readTimeout"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
	AsyncTimeout     time.Duration `yaml:"asyncTimeout"`
}

type ThreadsConfig struct {
	Min         int           `yaml:"min"`
	Max         int           `yaml:"max"`
	IdleTimeout time.Duration `yaml:"idleTimeout"`
	QueueSize   int           `yaml:"queueSize"`
}

type ManagementConfig struct {
	Enabled           bool              `yaml:"enabled"`
	Prefix            string            `yaml:"prefix"`
	Namespace         string            `yaml:"namespace"`
	Labels            map[string]string `yaml:"labels"`
	MetricsAddr       string            `yaml:"metricsAddr"`
	ReportSchedule    string            `yaml:"reportSchedule"`
	RuntimeCollectors bool              `yaml:"runtimeCollectors"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			AsyncTimeout: 30 * time.Second,
		},
		Threads: ThreadsConfig{
			Min:         8,
			Max:         200,
			IdleTimeout: 60 * time.Second,
			QueueSize:   1024,
		},
		Management: ManagementConfig{
			Prefix:            "http",
			MetricsAddr:       ":9090",
			RuntimeCollectors: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads an optional .env file, the YAML file at path (skipped when
// path is empty) and environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, ierrors.NewOperationError("config", "Load", err).WithContext(".env")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, ierrors.NewOperationError("config", "Load", err).WithContext(path)
		}
		if err := cfg.Parse(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse overlays YAML data on c.
func (c *Config) Parse(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return ierrors.NewOperationError("config", "Parse", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment as seen through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	enabled, err := ManagementEnabled(lookup)
	if err != nil {
		return err
	}
	if enabled != nil {
		c.Management.Enabled = *enabled
	}

	strs := []struct {
		key string
		dst *string
	}{
		{"HTTPINSTR_ADDR", &c.Server.Addr},
		{"HTTPINSTR_SERVICE_NAME", &c.Server.ServiceName},
		{"HTTPINSTR_METRICS_ADDR", &c.Management.MetricsAddr},
		{"HTTPINSTR_REPORT_SCHEDULE", &c.Management.ReportSchedule},
		{"HTTPINSTR_LOG_LEVEL", &c.Logging.Level},
		{"HTTPINSTR_LOG_FORMAT", &c.Logging.Format},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	if v, ok := lookup("HTTPINSTR_MAX_THREADS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return ierrors.NewValidationError("config", "HTTPINSTR_MAX_THREADS", v, "not an integer")
		}
		c.Threads.Max = n
	}
	return nil
}

// ManagementEnabled interprets HTTPINSTR_MANAGEMENT. It returns nil when the
// variable is unset. An empty value or 1/true/yes/on enables management,
// 0/false/no/off disables it and anything else is an error.
func ManagementEnabled(lookup func(string) (string, bool)) (*bool, error) {
	v, ok := lookup(ManagementEnv)
	if !ok {
		return nil, nil
	}
	var enabled bool
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "1", "true", "yes", "on":
		enabled = true
	case "0", "false", "no", "off":
		enabled = false
	default:
		return nil, ierrors.NewValidationError("config", ManagementEnv, v, "not a boolean").
			WithHint("use true or false")
	}
	return &enabled, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, field string, value interface{}, reason string) {
		if !ok {
			errs = append(errs, ierrors.NewValidationError("config", field, value, reason))
		}
	}

	if err := validation.ValidateNotEmpty("config", "server.addr", c.Server.Addr); err != nil {
		errs = append(errs, err)
	}
	check(c.Server.AsyncTimeout >= 0, "server.asyncTimeout", c.Server.AsyncTimeout, "cannot be negative")
	check(c.Server.ReadTimeout >= 0, "server.readTimeout", c.Server.ReadTimeout, "cannot be negative")
	check(c.Server.WriteTimeout >= 0, "server.writeTimeout", c.Server.WriteTimeout, "cannot be negative")
	check(c.Threads.Min >= 0, "threads.min", c.Threads.Min, "cannot be negative")
	check(c.Threads.Max > 0, "threads.max", c.Threads.Max, "must be positive")
	check(c.Threads.Min <= c.Threads.Max, "threads.min", c.Threads.Min, "cannot exceed threads.max")
	check(c.Threads.IdleTimeout >= 0, "threads.idleTimeout", c.Threads.IdleTimeout, "cannot be negative")
	check(c.Threads.QueueSize > 0, "threads.queueSize", c.Threads.QueueSize, "must be positive")
	if c.Management.Enabled && c.Server.MultipleServices {
		check(c.Server.ServiceName != "", "server.serviceName", c.Server.ServiceName,
			"required when multipleServices is set")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, ierrors.NewValidationError("config", "logging.format", c.Logging.Format, "unknown format").
			WithHint("use json or text"))
	}

	return errors.Join(errs...)
}
