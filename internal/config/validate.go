package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// clampWarnings clamps dangerous values to safe defaults and returns one
// warning per field clamped, mirroring the teacher's "clamp and warn,
// don't fail startup over a soft misconfiguration" policy.
func (c *Config) clampWarnings() []error {
	var warnings []error

	if c.StreamFPS < 1 {
		warnings = append(warnings, fmt.Errorf("stream_fps %d is below minimum 1, clamping", c.StreamFPS))
		c.StreamFPS = 1
	} else if c.StreamFPS > 60 {
		warnings = append(warnings, fmt.Errorf("stream_fps %d exceeds maximum 60, clamping", c.StreamFPS))
		c.StreamFPS = 60
	}

	if c.IdleTimeoutSeconds < 0 {
		warnings = append(warnings, fmt.Errorf("idle_timeout_seconds %d is negative, clamping to 0 (disabled)", c.IdleTimeoutSeconds))
		c.IdleTimeoutSeconds = 0
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warnings = append(warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error), defaulting to info", c.LogLevel))
		c.LogLevel = "info"
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warnings = append(warnings, fmt.Errorf("log_format %q is not valid (use text or json), defaulting to text", c.LogFormat))
		c.LogFormat = "text"
	}

	return warnings
}
