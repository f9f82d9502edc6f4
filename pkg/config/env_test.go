package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_GET_ENV_SET", "custom")
	if got := GetEnv("TEST_GET_ENV_SET", "default"); got != "custom" {
		t.Fatalf("expected custom, got %s", got)
	}
	if got := GetEnv("TEST_GET_ENV_UNSET", "default"); got != "default" {
		t.Fatalf("expected default, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_GET_ENV_INT", "42")
	if got := GetEnvInt("TEST_GET_ENV_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("TEST_GET_ENV_INT_BAD", "not-a-number")
	if got := GetEnvInt("TEST_GET_ENV_INT_BAD", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestGetEnvInt64(t *testing.T) {
	t.Setenv("TEST_GET_ENV_INT64", "9000000000")
	if got := GetEnvInt64("TEST_GET_ENV_INT64", 1); got != 9000000000 {
		t.Fatalf("expected 9000000000, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_GET_ENV_BOOL", "true")
	if !GetEnvBool("TEST_GET_ENV_BOOL", false) {
		t.Fatal("expected true")
	}
	t.Setenv("TEST_GET_ENV_BOOL_BAD", "maybe")
	if GetEnvBool("TEST_GET_ENV_BOOL_BAD", false) {
		t.Fatal("expected fallback false")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_GET_ENV_DUR", "150ms")
	if got := GetEnvDuration("TEST_GET_ENV_DUR", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %v", got)
	}
	t.Setenv("TEST_GET_ENV_DUR_BAD", "soon")
	if got := GetEnvDuration("TEST_GET_ENV_DUR_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback 1s, got %v", got)
	}
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_GET_ENV_FLOAT", "0.25")
	if got := GetEnvFloat("TEST_GET_ENV_FLOAT", 0.1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv("TEST_GET_ENV_FLOAT_BAD", "lots")
	if got := GetEnvFloat("TEST_GET_ENV_FLOAT_BAD", 0.1); got != 0.1 {
		t.Fatalf("expected fallback 0.1, got %v", got)
	}
}
