package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Built-in command names every loop understands.
const (
	ReadValueCommand = "ReadValue"
	ScanCommand      = "scan"
)

// Command is a parsed command: a method name plus an optional literal
// argument, written as name(arg).
type Command struct {
	Name string
	Arg  string
}

// ParseCommand parses text of the form "name", "name()" or "name(arg)".
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	open := strings.IndexByte(text, '(')
	if open < 0 {
		if !isIdent(text) {
			return Command{}, fmt.Errorf("invalid command name %q", text)
		}
		return Command{Name: text}, nil
	}
	if !strings.HasSuffix(text, ")") {
		return Command{}, fmt.Errorf("command %q: missing closing parenthesis", text)
	}
	name := strings.TrimSpace(text[:open])
	if !isIdent(name) {
		return Command{}, fmt.Errorf("invalid command name %q", name)
	}
	return Command{Name: name, Arg: strings.TrimSpace(text[open+1 : len(text)-1])}, nil
}

// MustParseCommand is ParseCommand for literals known to be valid.
func MustParseCommand(text string) Command {
	c, err := ParseCommand(text)
	if err != nil {
		panic(err)
	}
	return c
}

// ScanCmd builds the command a sequencer issues to apply one parameter.
func ScanCmd(param string, value float64) Command {
	return Command{Name: ScanCommand, Arg: fmt.Sprintf("'%s', %s", param, strconv.FormatFloat(value, 'g', -1, 64))}
}

func (c Command) String() string {
	return c.Name + "(" + c.Arg + ")"
}

// IsRead reports whether c is the periodic-read command.
func (c Command) IsRead() bool { return c.Name == ReadValueCommand }

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Unquote strips one layer of matching single or double quotes.
func Unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// parseScanArg splits "'param', value".
func parseScanArg(arg string) (string, float64, error) {
	i := strings.LastIndexByte(arg, ',')
	if i < 0 {
		return "", 0, fmt.Errorf("scan argument %q: want 'param', value", arg)
	}
	param := Unquote(arg[:i])
	v, err := strconv.ParseFloat(strings.TrimSpace(arg[i+1:]), 64)
	if err != nil {
		return "", 0, fmt.Errorf("scan value: %w", err)
	}
	return param, v, nil
}

// Execute runs c against d. ReadValue and scan are dispatched to the
// interface methods; everything else goes through the driver's CommandSet.
func Execute(ctx context.Context, d Driver, c Command) (any, error) {
	switch c.Name {
	case ReadValueCommand:
		return d.ReadValue(ctx)
	case ScanCommand:
		s, ok := d.(Scanner)
		if !ok {
			return nil, ErrNotScannable
		}
		param, v, err := parseScanArg(c.Arg)
		if err != nil {
			return nil, err
		}
		return nil, s.Scan(ctx, param, v)
	}
	fn, ok := d.Commands()[c.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, c.Name)
	}
	return fn(ctx, Unquote(c.Arg))
}

// FormatResult stringifies a command outcome for an Event.
func FormatResult(v any, err error) string {
	if err != nil {
		return err.Error()
	}
	switch x := v.(type) {
	case nil:
		return "None"
	case Record:
		return x.String()
	case Reading:
		return x.Text + " (" + x.State + ")"
	case string:
		if x == "" {
			return "None"
		}
		return x
	}
	return fmt.Sprint(v)
}
