package health

import (
	"fmt"
	"slices"

	"github.com/banshee-data/labdaq/internal/driver"
)

// IndicatorKind selects how a monitoring result is displayed.
type IndicatorKind string

const (
	// Indicator shows the reading's text and a state from States.
	Indicator IndicatorKind = "indicator"
	// Button maps the result onto one of ReturnValues and shows the
	// matching entry of Texts, Checked and States.
	Button IndicatorKind = "indicator_button"
	// LineEdit shows the result as free text.
	LineEdit IndicatorKind = "indicator_lineedit"
)

// IndicatorConfig binds a monitoring command to a displayed indicator.
type IndicatorConfig struct {
	Name         string        `json:"name"`
	Kind         IndicatorKind `json:"type"`
	Command      string        `json:"monitoring_command"`
	States       []string      `json:"states,omitempty"`
	ReturnValues []string      `json:"return_values,omitempty"`
	Texts        []string      `json:"texts,omitempty"`
	Checked      []bool        `json:"checked,omitempty"`
}

// Validate checks the binding is internally consistent.
func (c IndicatorConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("indicator has no name")
	}
	if _, err := driver.ParseCommand(c.Command); err != nil {
		return fmt.Errorf("indicator %s: %w", c.Name, err)
	}
	switch c.Kind {
	case Indicator:
		if len(c.States) == 0 {
			return fmt.Errorf("indicator %s: no states declared", c.Name)
		}
	case Button:
		n := len(c.ReturnValues)
		if n == 0 || len(c.Texts) != n || len(c.States) != n || len(c.Checked) != n {
			return fmt.Errorf("indicator %s: return_values, texts, states and checked must have the same non-zero length", c.Name)
		}
	case LineEdit:
	default:
		return fmt.Errorf("indicator %s: unknown type %q", c.Name, c.Kind)
	}
	return nil
}

// IndicatorState is what an indicator currently shows.
type IndicatorState struct {
	Name    string        `json:"name"`
	Kind    IndicatorKind `json:"type"`
	Text    string        `json:"text"`
	State   string        `json:"state,omitempty"`
	Checked bool          `json:"checked,omitempty"`
	Updated float64       `json:"updated"`
}

// apply updates s from a monitoring result. Results outside the declared
// state set leave s unchanged and are reported as an error.
func (c IndicatorConfig) apply(s *IndicatorState, ev driver.MonitoringEvent) error {
	if ev.Err != nil {
		return fmt.Errorf("%s failed: %w", ev.Command, ev.Err)
	}
	switch c.Kind {
	case Indicator:
		r, ok := ev.Value.(driver.Reading)
		if !ok {
			return fmt.Errorf("indicator %s: %s returned %T, want a reading", c.Name, ev.Command, ev.Value)
		}
		if !slices.Contains(c.States, r.State) {
			return fmt.Errorf("indicator %s doesn't have state %q", c.Name, r.State)
		}
		s.Text, s.State = r.Text, r.State
	case Button:
		v := driver.FormatResult(ev.Value, nil)
		idx := slices.Index(c.ReturnValues, v)
		if idx < 0 {
			return fmt.Errorf("indicator %s: unexpected return value %q", c.Name, v)
		}
		s.Text, s.State, s.Checked = c.Texts[idx], c.States[idx], c.Checked[idx]
	case LineEdit:
		s.Text = driver.FormatResult(ev.Value, nil)
	}
	s.Updated = ev.Time
	return nil
}
