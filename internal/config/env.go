package config

import (
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "COLT_"

// envMapping maps environment variables to the setting they override.
var envMapping = map[string]func(c *Config, v string){
	"COLT_EXECUTABLE":       func(c *Config, v string) { c.Executable = v },
	"COLT_HOME":             func(c *Config, v string) { c.Home = v },
	"COLT_TOKEN":            func(c *Config, v string) { c.SecurityToken = v },
	"COLT_LOG_LEVEL":        func(c *Config, v string) { c.LogLevel = v },
	"COLT_WORKING_FOLDER":   func(c *Config, v string) { c.WorkingFolder = v },
	"COLT_CLIENT_NAME":      func(c *Config, v string) { c.ClientName = v },
	"COLT_AUTO_RUN":         setBool(func(c *Config, b bool) { c.AutoRun = b }),
	"COLT_INTERCEPT_BUILDS": setBool(func(c *Config, b bool) { c.InterceptBuilds = b }),
	"COLT_STARTUP_ATTEMPTS": setInt(func(c *Config, n int) { c.StartupAttempts = n }),
}

// ApplyEnv overrides cfg with any COLT_* variables that are set.
// Empty values count as set. Unparseable booleans and integers are ignored.
func ApplyEnv(cfg *Config) {
	for name, apply := range envMapping {
		if v, ok := os.LookupEnv(name); ok {
			apply(cfg, v)
		}
	}
}

func setBool(set func(*Config, bool)) func(*Config, string) {
	return func(c *Config, v string) {
		if b, ok := parseBool(v); ok {
			set(c, b)
		}
	}
}

func setInt(set func(*Config, int)) func(*Config, string) {
	return func(c *Config, v string) {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			set(c, n)
		}
	}
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true, true
	case "false", "no", "off", "0":
		return false, true
	}
	return false, false
}
