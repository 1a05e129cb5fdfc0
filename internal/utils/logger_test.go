package utils

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger := GetLogger()
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetVerbose(false)
		logger.SetOutput(os.Stderr)
	})
	return &buf
}

func TestDebugOnlyWhenVerbose(t *testing.T) {
	buf := captureLogs(t)

	SetVerboseMode(false)
	Debugf("hidden %d", 1)
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug message logged while not verbose: %q", buf.String())
	}

	SetVerboseMode(true)
	if !GetLogger().IsVerbose() {
		t.Fatal("IsVerbose() = false after SetVerboseMode(true)")
	}
	Debugf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("debug message missing in verbose mode: %q", buf.String())
	}
}

func TestLevelsAndFields(t *testing.T) {
	buf := captureLogs(t)

	Infof("info %s", "a")
	Warnf("warn %s", "b")
	Errorf("error %s", "c")
	WithFields(map[string]any{"queue": "tasks"}).Warn("dropped entry")

	out := buf.String()
	for _, want := range []string{"info a", "warn b", "error c", "queue=tasks", "dropped entry"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

func TestLogOperation(t *testing.T) {
	captureLogs(t)
	SetVerboseMode(true)

	want := errors.New("boom")
	if err := LogOperation("sync", func() error { return want }); err != want {
		t.Errorf("LogOperation returned %v, want %v", err, want)
	}
	if err := LogOperation("sync", func() error { return nil }); err != nil {
		t.Errorf("LogOperation returned %v, want nil", err)
	}
}
