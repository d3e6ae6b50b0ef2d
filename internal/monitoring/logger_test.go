package monitoring

import (
	"fmt"
	"strings"
	"testing"
)

func captureLogs(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetLevel(LevelInfo)
	})

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestLevelFiltering(t *testing.T) {
	lines := captureLogs(t)

	SetLevel(LevelWarn)
	Debugf("debug %d", 1)
	Infof("info %d", 2)
	Warnf("warn %d", 3)
	Errorf("error %d", 4)

	if len(*lines) != 2 {
		t.Fatalf("expected 2 lines above warn, got %d: %v", len(*lines), *lines)
	}
	if !strings.HasPrefix((*lines)[0], "[WARN] warn 3") {
		t.Errorf("unexpected warn line %q", (*lines)[0])
	}
	if !strings.HasPrefix((*lines)[1], "[ERROR] error 4") {
		t.Errorf("unexpected error line %q", (*lines)[1])
	}

	SetLevel(LevelDebug)
	Debugf("now visible")
	if got := (*lines)[len(*lines)-1]; got != "[DEBUG] now visible" {
		t.Errorf("debug line = %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
