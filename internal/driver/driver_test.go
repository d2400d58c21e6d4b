package driver

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordIsNaN(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want bool
	}{
		{"marker", NaN(), true},
		{"values", Record{Row: []any{1.0, 2.0}}, false},
		{"all nan fields", Record{Row: []any{1.0, math.NaN(), math.NaN()}}, true},
		{"partial nan", Record{Row: []any{1.0, math.NaN(), 3.0}}, false},
		{"text only", Record{Row: []any{1.0, "ok"}}, false},
		{"block", Record{Block: &Block{Shape: []int{1, 1, 2}, Data: []float64{1, 2}}}, false},
		{"empty block", Record{Block: &Block{}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.rec.IsNaN())
		})
	}
}

func TestRecordIsMarker(t *testing.T) {
	assert.True(t, NaN().IsMarker())
	assert.True(t, Record{Block: &Block{}}.IsMarker())
	assert.False(t, Record{Row: []any{1.0, math.NaN()}}.IsMarker(), "a row of NaN values is still data")
	assert.False(t, Record{Block: &Block{Shape: []int{1}, Data: []float64{math.NaN()}}}.IsMarker())
}

func TestBlockValidate(t *testing.T) {
	b := &Block{Shape: []int{1, 2, 3}, Data: make([]float64, 6)}
	assert.NoError(t, b.Validate())
	b.Data = b.Data[:5]
	assert.Error(t, b.Validate())
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		want Command
	}{
		{"ReadValue()", Command{Name: "ReadValue"}},
		{"beep", Command{Name: "beep"}},
		{"set_voltage(3.2)", Command{Name: "set_voltage", Arg: "3.2"}},
		{" takeinput('hello world') ", Command{Name: "takeinput", Arg: "'hello world'"}},
		{"scan('offset', 1.5)", Command{Name: "scan", Arg: "'offset', 1.5"}},
	}
	for _, tc := range cases {
		got, err := ParseCommand(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "9lives", "open(", "a b()"} {
		_, err := ParseCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "beep()", Command{Name: "beep"}.String())
	assert.Equal(t, "scan('x', 0.25)", ScanCmd("x", 0.25).String())
	assert.True(t, MustParseCommand("ReadValue").IsRead())
}

type stubDriver struct {
	scanned map[string]float64
}

func (s *stubDriver) ReadValue(context.Context) (Record, error) {
	return Record{Row: []any{0.0, 1.0}}, nil
}
func (s *stubDriver) GetWarnings() []Warning { return nil }
func (s *stubDriver) Close() error           { return nil }
func (s *stubDriver) Commands() CommandSet {
	return CommandSet{
		"echo": func(_ context.Context, arg string) (any, error) { return arg, nil },
		"fail": func(context.Context, string) (any, error) { return nil, errors.New("relay stuck") },
	}
}
func (s *stubDriver) Scan(_ context.Context, p string, v float64) error {
	s.scanned[p] = v
	return nil
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	d := &stubDriver{scanned: map[string]float64{}}

	v, err := Execute(ctx, d, MustParseCommand("echo('hi')"))
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	v, err = Execute(ctx, d, MustParseCommand("ReadValue()"))
	require.NoError(t, err)
	assert.Equal(t, Record{Row: []any{0.0, 1.0}}, v)

	_, err = Execute(ctx, d, ScanCmd("gain", 4))
	require.NoError(t, err)
	assert.Equal(t, 4.0, d.scanned["gain"])

	_, err = Execute(ctx, d, MustParseCommand("nope"))
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, err = Execute(ctx, d, MustParseCommand("fail"))
	assert.EqualError(t, err, "relay stuck")
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "None", FormatResult(nil, nil))
	assert.Equal(t, "None", FormatResult("", nil))
	assert.Equal(t, "boom", FormatResult("x", errors.New("boom")))
	assert.Equal(t, "[1, 2]", FormatResult(Record{Row: []any{1, 2}}, nil))
	assert.Equal(t, "on (on)", FormatResult(Reading{Text: "on", State: "on"}, nil))
	assert.Equal(t, "42", FormatResult(42, nil))
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	f := func(time.Time, []string) (Driver, *InitFault) { return &stubDriver{}, nil }
	require.NoError(t, reg.Register(Info{Name: "stub", Commands: []string{"echo"}, ScanParams: []string{"gain"}}, f))
	assert.Error(t, reg.Register(Info{Name: "stub"}, f))
	assert.Error(t, reg.Register(Info{Name: "nofactory"}, nil))

	_, _, err := reg.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownDriver)
	assert.Equal(t, []string{"stub"}, reg.Names())

	assert.NoError(t, reg.ValidateCommand("stub", MustParseCommand("echo(1)")))
	assert.NoError(t, reg.ValidateCommand("stub", MustParseCommand("ReadValue")))
	assert.NoError(t, reg.ValidateCommand("stub", ScanCmd("gain", 1)))
	assert.Error(t, reg.ValidateCommand("stub", ScanCmd("phase", 1)))
	assert.ErrorIs(t, reg.ValidateCommand("stub", MustParseCommand("reboot")), ErrUnknownCommand)
}
