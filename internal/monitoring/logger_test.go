package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(nil)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("hello %d", 1)
	if len(got) != 1 || got[0] != "hello 1" {
		t.Fatalf("got %q", got)
	}

	SetLogger(nil)
	Logf("dropped")
	if len(got) != 1 {
		t.Errorf("muted logger still delivered: %q", got)
	}
}

func TestDevicef(t *testing.T) {
	defer SetLogger(nil)

	var line string
	SetLogger(func(format string, v ...interface{}) {
		line = fmt.Sprintf(format, v...)
	})
	Devicef("thermo", "read %s failed: %v", "ReadValue()", "timeout")
	if !strings.HasPrefix(line, "[thermo] ") {
		t.Errorf("missing device prefix: %q", line)
	}
	if !strings.Contains(line, "ReadValue() failed: timeout") {
		t.Errorf("unexpected body: %q", line)
	}
}
