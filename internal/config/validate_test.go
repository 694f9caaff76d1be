package config

import "testing"

func TestValidateRejectsEmptySession(t *testing.T) {
	cfg := Default()
	cfg.Session = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty session name")
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidateRejectsOutOfRangeStreamQuality(t *testing.T) {
	cfg := Default()
	cfg.StreamQuality = 101
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid stream quality")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate cleanly: %v", err)
	}
}

func TestClampWarningsClampsStreamFPS(t *testing.T) {
	cfg := Default()
	cfg.StreamFPS = 0
	warnings := cfg.clampWarnings()
	if len(warnings) == 0 {
		t.Fatal("expected a warning for out-of-range stream fps")
	}
	if cfg.StreamFPS != 1 {
		t.Fatalf("StreamFPS = %d, want clamped to 1", cfg.StreamFPS)
	}
}

func TestClampWarningsClampsHighStreamFPS(t *testing.T) {
	cfg := Default()
	cfg.StreamFPS = 500
	cfg.clampWarnings()
	if cfg.StreamFPS != 60 {
		t.Fatalf("StreamFPS = %d, want clamped to 60", cfg.StreamFPS)
	}
}

func TestClampWarningsResetsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	warnings := cfg.clampWarnings()
	if len(warnings) == 0 {
		t.Fatal("expected a warning for unknown log level")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q, want reset to info", cfg.LogLevel)
	}
}

func TestClampWarningsResetsInvalidLogFormat(t *testing.T) {
	cfg := Default()
	cfg.LogFormat = "xml"
	cfg.clampWarnings()
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat = %q, want reset to text", cfg.LogFormat)
	}
}

func TestClampWarningsDisablesNegativeIdleTimeout(t *testing.T) {
	cfg := Default()
	cfg.IdleTimeoutSeconds = -5
	cfg.clampWarnings()
	if cfg.IdleTimeoutSeconds != 0 {
		t.Fatalf("IdleTimeoutSeconds = %d, want clamped to 0", cfg.IdleTimeoutSeconds)
	}
}
