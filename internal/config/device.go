package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/labdaq/internal/device"
	"github.com/banshee-data/labdaq/internal/driver"
	"github.com/banshee-data/labdaq/internal/health"
	"github.com/banshee-data/labdaq/internal/store"
)

// DeviceConfig describes one instrument.
type DeviceConfig struct {
	Name string `json:"name"`
	// Group is the store group the device's datasets are written to.
	Group  *string  `json:"group,omitempty"`
	Driver string   `json:"driver"`
	Params []string `json:"params,omitempty"`
	// Columns names the fields of a slow device's rows, time first.
	Columns []string `json:"columns,omitempty"`
	Units   []string `json:"units,omitempty"`
	// DTypes gives one type per column for compound devices and a single
	// type for all columns otherwise.
	DTypes []string `json:"dtypes,omitempty"`
	Shape  []int    `json:"shape,omitempty"`

	Enabled           *int    `json:"enabled,omitempty"`
	PollInterval      *string `json:"poll_interval,omitempty"` // duration string like "1s"
	CommandQueueDepth *int    `json:"command_queue_depth,omitempty"`
	LiveBufferLen     *int    `json:"live_buffer_len,omitempty"`
	MaxNaNCount       *int    `json:"max_nan_count,omitempty"`

	Slow          *bool `json:"slow,omitempty"`
	Compound      *bool `json:"compound,omitempty"`
	Persist       *bool `json:"persist,omitempty"`
	TimeSeries    *bool `json:"timeseries,omitempty"`
	HardwareGated *bool `json:"hardware_gated,omitempty"`

	Indicators []health.IndicatorConfig `json:"indicators,omitempty"`
	Attributes map[string]string        `json:"attributes,omitempty"`
}

// Validate checks the device against the driver registry.
func (d *DeviceConfig) Validate(reg *driver.Registry) error {
	if d.Name == "" {
		return fmt.Errorf("device has no name")
	}
	_, info, err := reg.Lookup(d.Driver)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.Name, err)
	}
	if lvl := d.GetEnabled(); lvl < device.Disabled || lvl > device.Reading {
		return fmt.Errorf("device %s: enabled must be 0, 1 or 2, got %d", d.Name, lvl)
	}
	if d.PollInterval != nil && *d.PollInterval != "" {
		if _, err := time.ParseDuration(*d.PollInterval); err != nil {
			return fmt.Errorf("device %s: invalid poll_interval '%s': %w", d.Name, *d.PollInterval, err)
		}
	}
	for name, v := range map[string]*int{
		"command_queue_depth": d.CommandQueueDepth,
		"live_buffer_len":     d.LiveBufferLen,
		"max_nan_count":       d.MaxNaNCount,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("device %s: %s must be non-negative, got %d", d.Name, name, *v)
		}
	}
	if d.GetSlow() {
		if len(d.Columns) < 2 {
			return fmt.Errorf("device %s: slow devices need a time column and at least one value column", d.Name)
		}
		if d.GetCompound() && len(d.DTypes) != len(d.Columns) {
			return fmt.Errorf("device %s: compound devices need one dtype per column", d.Name)
		}
		if len(d.Units) > 0 && len(d.Units) != len(d.Columns) {
			return fmt.Errorf("device %s: %d units for %d columns", d.Name, len(d.Units), len(d.Columns))
		}
		for _, f := range d.Fields(info) {
			switch f.Type {
			case store.TypeFloat, store.TypeInt, store.TypeString, "float", "float32", "int", "int32", "str":
			default:
				return fmt.Errorf("device %s: unsupported dtype %q", d.Name, f.Type)
			}
		}
	}
	for _, ind := range d.Indicators {
		if err := ind.Validate(); err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		if err := reg.ValidateCommand(d.Driver, driver.MustParseCommand(ind.Command)); err != nil {
			return fmt.Errorf("device %s indicator %s: %w", d.Name, ind.Name, err)
		}
	}
	return nil
}

// Fields lays out a slow device's rows for the store.
func (d *DeviceConfig) Fields(info driver.Info) []store.Field {
	out := make([]store.Field, len(d.Columns))
	for i, c := range d.Columns {
		typ := info.DType
		switch {
		case d.GetCompound() && i < len(d.DTypes):
			typ = d.DTypes[i]
		case !d.GetCompound() && len(d.DTypes) > 0:
			typ = d.DTypes[0]
		}
		if typ == "" {
			typ = store.TypeFloat
		}
		out[i] = store.Field{Name: c, Type: typ}
	}
	return out
}

// DatasetAttrs is the metadata written alongside the device's datasets.
func (d *DeviceConfig) DatasetAttrs() map[string]string {
	attrs := make(map[string]string, len(d.Attributes)+3)
	for k, v := range d.Attributes {
		attrs[k] = v
	}
	attrs["driver"] = d.Driver
	if len(d.Columns) > 0 {
		attrs["column_names"] = strings.Join(d.Columns, ", ")
	}
	if len(d.Units) > 0 {
		attrs["units"] = strings.Join(d.Units, ", ")
	}
	return attrs
}

// LoopConfig is the device loop's part of the configuration.
func (d *DeviceConfig) LoopConfig() device.Config {
	return device.Config{
		Name:          d.Name,
		Params:        d.Params,
		Enabled:       d.GetEnabled(),
		PollInterval:  d.GetPollInterval(),
		QueueDepth:    intOr(d.CommandQueueDepth, 0),
		LiveBufferLen: intOr(d.LiveBufferLen, 0),
		MaxNaNCount:   intOr(d.MaxNaNCount, 0),
		HardwareGated: d.GetHardwareGated(),
	}
}

// GetGroup returns the store group, defaulting to the device name.
func (d *DeviceConfig) GetGroup() string {
	if d.Group == nil || *d.Group == "" {
		return d.Name
	}
	return *d.Group
}

// GetEnabled returns the initial enable level; devices default to reading.
func (d *DeviceConfig) GetEnabled() int { return intOr(d.Enabled, device.Reading) }

// GetPollInterval returns the periodic read interval.
func (d *DeviceConfig) GetPollInterval() time.Duration {
	return parseDuration(d.PollInterval, time.Second)
}

func (d *DeviceConfig) GetSlow() bool          { return boolOr(d.Slow, true) }
func (d *DeviceConfig) GetCompound() bool      { return boolOr(d.Compound, false) }
func (d *DeviceConfig) GetPersist() bool       { return boolOr(d.Persist, true) }
func (d *DeviceConfig) GetTimeSeries() bool    { return boolOr(d.TimeSeries, true) }
func (d *DeviceConfig) GetHardwareGated() bool { return boolOr(d.HardwareGated, true) }

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
