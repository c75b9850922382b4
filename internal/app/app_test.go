package app

import (
	"testing"

	"github.com/charmbracelet/log"
)

func TestReadPort(t *testing.T) {
	t.Setenv("IPTHREAT_PORT_VALID", "12345")
	if got := readPort("IPTHREAT_PORT_VALID"); got != 12345 {
		t.Fatalf("readPort returned %d, want 12345", got)
	}

	t.Setenv("IPTHREAT_PORT_INVALID", "not-a-number")
	if got := readPort("IPTHREAT_PORT_INVALID"); got != 0 {
		t.Fatalf("readPort with invalid value returned %d, want 0", got)
	}

	t.Setenv("IPTHREAT_PORT_ZERO", "0")
	if got := readPort("IPTHREAT_PORT_ZERO"); got != 0 {
		t.Fatalf("readPort with zero value returned %d, want 0", got)
	}
}

func TestResolveAddr(t *testing.T) {
	t.Run("address env overrides fallback", func(t *testing.T) {
		t.Setenv("TEST_ADDR", "127.0.0.1:5050")
		if got := resolveAddr("TEST_ADDR", "TEST_PORT", ":8080"); got != "127.0.0.1:5050" {
			t.Fatalf("resolveAddr returned %q, want 127.0.0.1:5050", got)
		}
	})

	t.Run("port env used when address missing", func(t *testing.T) {
		t.Setenv("TEST_PORT", "6060")
		if got := resolveAddr("TEST_ADDR_MISSING", "TEST_PORT", ":8080"); got != ":6060" {
			t.Fatalf("resolveAddr returned %q, want :6060", got)
		}
	})

	t.Run("fallback used when env unset", func(t *testing.T) {
		if got := resolveAddr("UNSET_ADDR", "UNSET_PORT", ":9090"); got != ":9090" {
			t.Fatalf("resolveAddr returned %q, want :9090", got)
		}
	})
}

func TestLogLevel(t *testing.T) {
	tests := map[string]log.Level{
		"":      log.InfoLevel,
		"debug": log.DebugLevel,
		"warn":  log.WarnLevel,
		"bogus": log.InfoLevel,
	}
	for raw, want := range tests {
		if got := logLevel(raw); got != want {
			t.Fatalf("logLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}
