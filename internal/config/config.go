// Package config loads the program configuration: run settings, the
// time-series database, the trigger, the sequence and every device.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/sequencer"
	"github.com/banshee-data/labdaq/internal/trigger"
	"github.com/banshee-data/labdaq/internal/tsdb"
)

// ExampleConfigPath is the example configuration shipped with the repo.
const ExampleConfigPath = "config/labdaq.example.json"

const maxFileSize = 1 * 1024 * 1024

// Config is the root configuration. Optional fields are pointers; the Get*
// methods supply defaults for anything omitted.
type Config struct {
	// RunLabel is appended to the run name.
	RunLabel        *string           `json:"run_label,omitempty"`
	StorePath       *string           `json:"store_path,omitempty"`
	WriterInterval  *string           `json:"writer_interval,omitempty"`  // duration string like "100ms"
	MonitorInterval *string           `json:"monitor_interval,omitempty"` // duration string like "500ms"
	Listen          *string           `json:"listen,omitempty"`
	SequenceDir     *string           `json:"sequence_dir,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`

	InfluxDB *InfluxConfig   `json:"influxdb,omitempty"`
	Trigger  *TriggerConfig  `json:"trigger,omitempty"`
	Sequence *SequenceConfig `json:"sequence,omitempty"`
	Devices  []DeviceConfig  `json:"devices"`
}

// InfluxConfig enables the time-series sink.
type InfluxConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	tsdb.InfluxConfig
}

// TriggerConfig selects the edge source that advances the sequence.
type TriggerConfig struct {
	// Detector is "modem" (a serial port's status lines) or "manual".
	Detector string `json:"detector"`
	Port     string `json:"port,omitempty"`
	// Channel is the modem line (CTS, DSR, RI, DCD) or manual channel name.
	Channel      string  `json:"channel"`
	Edge         string  `json:"edge,omitempty"`
	PollInterval *string `json:"poll_interval,omitempty"`
}

// SequenceConfig describes the sequence to run.
type SequenceConfig struct {
	Axes    []sequencer.Axis `json:"axes"`
	Repeat  int              `json:"repeat,omitempty"`
	Shuffle bool             `json:"shuffle,omitempty"`
	// SendTo is an optional host:port the plan is transmitted to.
	SendTo string `json:"send_to,omitempty"`
}

// Load reads and parses a configuration file. It does not check device
// drivers; call Validate with the driver registry for that.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a configuration from JSON.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration against the registered drivers. Every
// command and scan parameter a device or sequence refers to must exist.
func (c *Config) Validate(reg *driver.Registry) error {
	for name, s := range map[string]*string{
		"writer_interval":  c.WriterInterval,
		"monitor_interval": c.MonitorInterval,
	} {
		if s != nil && *s != "" {
			if _, err := time.ParseDuration(*s); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
			}
		}
	}

	byName := make(map[string]*DeviceConfig, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("device %q configured twice", d.Name)
		}
		if err := d.Validate(reg); err != nil {
			return err
		}
		byName[d.Name] = d
	}

	if c.InfluxDB != nil && c.InfluxDB.GetEnabled() && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb: url and bucket are required when enabled")
	}

	if t := c.Trigger; t != nil {
		if _, err := trigger.ParseEdge(t.Edge); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
		switch t.Detector {
		case "modem":
			if t.Port == "" {
				return fmt.Errorf("trigger: modem detector needs a port")
			}
		case "manual":
		default:
			return fmt.Errorf("trigger: unknown detector %q", t.Detector)
		}
		if t.PollInterval != nil {
			if _, err := time.ParseDuration(*t.PollInterval); err != nil {
				return fmt.Errorf("trigger: invalid poll_interval '%s': %w", *t.PollInterval, err)
			}
		}
	}

	if s := c.Sequence; s != nil {
		if c.Trigger == nil {
			return fmt.Errorf("sequence: a trigger is required")
		}
		if s.Repeat < 0 {
			return fmt.Errorf("sequence: repeat must be non-negative, got %d", s.Repeat)
		}
		var check func(a sequencer.Axis) error
		check = func(a sequencer.Axis) error {
			d, ok := byName[a.Device]
			if !ok {
				return fmt.Errorf("sequence: axis refers to unknown device %q", a.Device)
			}
			if err := reg.ValidateCommand(d.Driver, driver.ScanCmd(a.Param, 0)); err != nil {
				return fmt.Errorf("sequence: device %s: %w", a.Device, err)
			}
			for _, child := range a.Children {
				if err := check(child); err != nil {
					return err
				}
			}
			return nil
		}
		for _, a := range s.Axes {
			if err := check(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// Device returns the named device configuration.
func (c *Config) Device(name string) (*DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].Name == name {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// GetRunLabel returns the run label or "".
func (c *Config) GetRunLabel() string {
	if c.RunLabel == nil {
		return ""
	}
	return *c.RunLabel
}

// GetStorePath returns the store file path.
func (c *Config) GetStorePath() string {
	if c.StorePath == nil || *c.StorePath == "" {
		return "labdaq.db"
	}
	return *c.StorePath
}

// GetWriterInterval returns the persistence writer's cycle delay.
func (c *Config) GetWriterInterval() time.Duration {
	return parseDuration(c.WriterInterval, 100*time.Millisecond)
}

// GetMonitorInterval returns the health monitor's cycle delay.
func (c *Config) GetMonitorInterval() time.Duration {
	return parseDuration(c.MonitorInterval, 500*time.Millisecond)
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8090"
	}
	return *c.Listen
}

// GetSequenceDir returns where plan files are saved.
func (c *Config) GetSequenceDir() string {
	if c.SequenceDir == nil || *c.SequenceDir == "" {
		return "sequences"
	}
	return *c.SequenceDir
}

// GetEnabled reports whether the sink is switched on.
func (c *InfluxConfig) GetEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// GetPollInterval returns the modem detector's sampling period.
func (t *TriggerConfig) GetPollInterval() time.Duration {
	return parseDuration(t.PollInterval, trigger.DefaultPollInterval)
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
