package support

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("IPTHREAT_TEST_ENV", "value")
	if got := GetEnv("IPTHREAT_TEST_ENV", "fallback"); got != "value" {
		t.Fatalf("GetEnv returned %s, want value", got)
	}

	if got := GetEnv("IPTHREAT_TEST_ENV_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("GetEnv returned %s, want fallback", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("IPTHREAT_TEST_INT", " 42 ")
	if got := GetEnvInt("IPTHREAT_TEST_INT", 1); got != 42 {
		t.Fatalf("GetEnvInt returned %d, want 42", got)
	}

	t.Setenv("IPTHREAT_TEST_INT_BAD", "forty-two")
	if got := GetEnvInt("IPTHREAT_TEST_INT_BAD", 7); got != 7 {
		t.Fatalf("GetEnvInt with invalid value returned %d, want 7", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("IPTHREAT_TEST_BOOL", "true")
	if !GetEnvBool("IPTHREAT_TEST_BOOL", false) {
		t.Fatal("GetEnvBool returned false, want true")
	}
	if GetEnvBool("IPTHREAT_TEST_BOOL_MISSING", false) {
		t.Fatal("GetEnvBool returned true for missing key")
	}
}

func TestGetEnvDuration(t *testing.T) {
	testCases := map[string]time.Duration{
		"90m":   90 * time.Minute,
		"3600":  time.Hour,
		"bogus": 5 * time.Second,
		"-1h":   5 * time.Second,
	}

	for raw, want := range testCases {
		t.Setenv("IPTHREAT_TEST_DURATION", raw)
		if got := GetEnvDuration("IPTHREAT_TEST_DURATION", 5*time.Second); got != want {
			t.Fatalf("GetEnvDuration(%q) returned %s, want %s", raw, got, want)
		}
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	if err := WriteFileAtomic(path, []byte("first\n")); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("second\n")); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(data) != "second\n" {
		t.Fatalf("file content = %q, want second", data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, found %d entries", len(entries))
	}
}
