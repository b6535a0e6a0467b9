package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepd/internal/history"
	"github.com/srg/blepd/internal/peripheral"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	DeviceName   string `yaml:"device_name" default:"blepd"`
	LogLevel     string `yaml:"log_level" default:"info"`
	HCIDevice    int    `yaml:"hci_device" default:"-1"` // linux only, -1 picks the first adapter
	PreferredMTU int    `yaml:"preferred_mtu" default:"512"`

	Delivery    Delivery    `yaml:"delivery"`
	Advertising Advertising `yaml:"advertising"`
	Services    []Service   `yaml:"services,omitempty"`

	LuaScript  string `yaml:"lua_script,omitempty"`
	EventsAddr string `yaml:"events_addr,omitempty"`
}

// Delivery tunes the outbound notification pipeline.
type Delivery struct {
	DefaultRetries          int           `yaml:"default_retries" default:"3"`
	RequeueBackoff          time.Duration `yaml:"requeue_backoff" default:"500ms"`
	ChunkSize               int           `yaml:"chunk_size" default:"20"`
	ChunkPacing             time.Duration `yaml:"chunk_pacing" default:"10ms"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout" default:"100ms"`
	ReportDroppedOnShutdown bool          `yaml:"report_dropped_on_shutdown" default:"false"`
	HistorySize             uint32        `yaml:"history_size" default:"256"`
}

type Advertising struct {
	ReadvertiseOnDisconnect bool `yaml:"readvertise_on_disconnect" default:"true"`
}

// Service is one GATT service built by `serve`.
type Service struct {
	UUID            string           `yaml:"uuid"`
	Characteristics []Characteristic `yaml:"characteristics"`
}

// Characteristic declares a characteristic with its properties ("read,notify") and
// an optional initial value.
type Characteristic struct {
	UUID       string `yaml:"uuid"`
	Properties string `yaml:"properties,omitempty"`
	Value      string `yaml:"value,omitempty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks ranges and parses every UUID and property list.
func (c *Config) Validate() error {
	var errs []error
	if c.DeviceName == "" {
		errs = append(errs, errors.New("device_name cannot be empty"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.PreferredMTU < peripheral.MinMTU || c.PreferredMTU > peripheral.MaxMTU {
		errs = append(errs, fmt.Errorf("preferred_mtu %d outside [%d, %d]", c.PreferredMTU, peripheral.MinMTU, peripheral.MaxMTU))
	}

	d := c.Delivery
	if d.DefaultRetries < 0 {
		errs = append(errs, fmt.Errorf("delivery.default_retries must be >= 0, got %d", d.DefaultRetries))
	}
	if d.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("delivery.chunk_size must be > 0, got %d", d.ChunkSize))
	}
	if d.RequeueBackoff <= 0 || d.ShutdownTimeout <= 0 || d.ChunkPacing < 0 {
		errs = append(errs, errors.New("delivery durations must be positive"))
	}
	if d.HistorySize > history.MaxSize {
		errs = append(errs, fmt.Errorf("delivery.history_size %d exceeds %d", d.HistorySize, history.MaxSize))
	}

	for i, svc := range c.Services {
		if _, err := peripheral.ValidateUUID(svc.UUID); err != nil {
			errs = append(errs, fmt.Errorf("services[%d]: %w", i, err))
		}
		for j, ch := range svc.Characteristics {
			if _, err := peripheral.ValidateUUID(ch.UUID); err != nil {
				errs = append(errs, fmt.Errorf("services[%d].characteristics[%d]: %w", i, j, err))
			}
			if _, err := peripheral.ParseCapabilities(ch.Properties); err != nil {
				errs = append(errs, fmt.Errorf("services[%d].characteristics[%d]: %w", i, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// Options converts the config into manager options.
func (c *Config) Options() peripheral.Options {
	opts := c.Delivery.ToOptions()
	opts.PreferredMTU = c.PreferredMTU
	opts.ReadvertiseOnDisconnect = c.Advertising.ReadvertiseOnDisconnect
	return opts
}

// ToOptions maps the delivery section onto peripheral.Options; fields it does not
// cover keep their defaults.
func (d Delivery) ToOptions() peripheral.Options {
	opts := peripheral.DefaultOptions()
	opts.DefaultRetries = d.DefaultRetries
	opts.RequeueBackoff = d.RequeueBackoff
	opts.ChunkSize = d.ChunkSize
	opts.ChunkPacing = d.ChunkPacing
	opts.ShutdownTimeout = d.ShutdownTimeout
	opts.ReportDroppedOnShutdown = d.ReportDroppedOnShutdown
	opts.HistorySize = d.HistorySize
	return opts
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
