package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/dispatch"
	"github.com/srg/sensorlink/internal/emulator"
	"github.com/srg/sensorlink/internal/osc"
	"github.com/srg/sensorlink/internal/ptyio"
	"github.com/srg/sensorlink/internal/radio/antusb"
	"github.com/srg/sensorlink/internal/radio/sim"
	"github.com/srg/sensorlink/internal/sensor"
	"gopkg.in/yaml.v3"
)

// Radio backends.
const (
	RadioUSB = "usb"
	RadioSim = "sim"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`
	Radio    string `yaml:"radio" default:"usb"`

	USB      antusb.Options   `yaml:"usb"`
	Sim      sim.Options      `yaml:"sim"`
	Sensor   sensor.Options   `yaml:"sensor"`
	OSC      osc.Options      `yaml:"osc"`
	Dispatch dispatch.Options `yaml:"dispatch"`
	Emulator emulator.Options `yaml:"emulator"`
	PTY      ptyio.Options    `yaml:"pty"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	defaults.SetDefaults(&cfg.USB)
	defaults.SetDefaults(&cfg.Sim)
	defaults.SetDefaults(&cfg.Sensor)
	defaults.SetDefaults(&cfg.OSC)
	defaults.SetDefaults(&cfg.Dispatch)
	defaults.SetDefaults(&cfg.Emulator)
	defaults.SetDefaults(&cfg.PTY)
	return cfg
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Radio {
	case RadioUSB, RadioSim:
	default:
		return fmt.Errorf("unknown radio %q (want %s or %s)", c.Radio, RadioUSB, RadioSim)
	}
	if c.OSC.Port < 0 || c.OSC.Port > 65535 {
		return fmt.Errorf("osc port %d out of range", c.OSC.Port)
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
