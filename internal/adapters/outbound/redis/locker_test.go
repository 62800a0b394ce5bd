package redis

import (
	"strings"
	"testing"
)

func TestNewLocker_EmptyAddrReturnsError(t *testing.T) {
	_, err := NewLocker(Config{}, nil)
	if err == nil {
		t.Fatal("expected error for empty addr, got nil")
	}
	if !strings.Contains(err.Error(), "redis address is required") {
		t.Errorf("expected 'redis address is required' error, got %v", err)
	}
}

func TestNewLocker_DefaultsPrefixAndLogger(t *testing.T) {
	l, err := NewLocker(Config{Addr: "localhost:6379"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer l.Close()

	if l.keyPrefix != ConfigDefaults().KeyPrefix {
		t.Errorf("keyPrefix = %q, want %q", l.keyPrefix, ConfigDefaults().KeyPrefix)
	}
	if l.logger == nil {
		t.Fatal("expected default logger to be set, got nil")
	}
	if got := l.key("position:0xabc"); got != "stl-wrapper:lock:position:0xabc" {
		t.Errorf("key() = %q", got)
	}
}

func TestNewLockerWithClient_NilClient(t *testing.T) {
	if _, err := NewLockerWithClient(nil, "", nil); err == nil {
		t.Fatal("expected error for nil client")
	}
}
