package env

import (
	"log/slog"
	"testing"
	"time"
)

func TestTypedGetters(t *testing.T) {
	t.Setenv("WRAPPER_TEST_INT", "42")
	t.Setenv("WRAPPER_TEST_BAD_INT", "forty-two")
	t.Setenv("WRAPPER_TEST_DURATION", "90s")
	t.Setenv("WRAPPER_TEST_BOOL", "true")

	if got := GetInt("WRAPPER_TEST_INT", 1); got != 42 {
		t.Errorf("GetInt = %d, want 42", got)
	}
	if got := GetInt("WRAPPER_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("GetInt(malformed) = %d, want default 1", got)
	}
	if got := GetInt("WRAPPER_TEST_MISSING", 7); got != 7 {
		t.Errorf("GetInt(missing) = %d, want 7", got)
	}
	if got := GetDuration("WRAPPER_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("GetDuration = %v, want 90s", got)
	}
	if got := GetBool("WRAPPER_TEST_BOOL", false); !got {
		t.Error("GetBool = false, want true")
	}
	if got := Get("WRAPPER_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("Get(missing) = %q", got)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{in: "0x6B175474E89094C44Da98b954EedeAC495271d0F"},
		{in: " 0x6b175474e89094c44da98b954eedeac495271d0f "},
		{in: "0x6B17", wantErr: true},
		{in: "not-an-address", wantErr: true},
	}
	for _, tt := range tests {
		_, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{" Warning ", slog.LevelWarn},
		{"info+2", slog.LevelInfo + 2},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Setenv("LOG_LEVEL", tt.raw)
		if got := ParseLogLevel(slog.LevelInfo); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
