// Package config loads callkit settings from the environment.
//
// Load starts from defaults, applies CALLKIT_* overrides and returns the
// result. A value that does not parse or is out of bounds is logged and
// the default is kept, so a bad variable never stops a call from opening.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/callkit/activity"
	"github.com/opd-ai/callkit/factory"
	"github.com/opd-ai/callkit/interfaces"
	"github.com/sirupsen/logrus"
)

// Environment variables read by Load, in addition to the transport
// variables of package factory.
const (
	EnvLogLevel          = "CALLKIT_LOG_LEVEL"
	EnvLogFormat         = "CALLKIT_LOG_FORMAT"
	EnvDisplayName       = "CALLKIT_DISPLAY_NAME"
	EnvActivityInterval  = "CALLKIT_ACTIVITY_INTERVAL"
	EnvActivityThreshold = "CALLKIT_ACTIVITY_THRESHOLD"
	EnvMetricsAddr       = "CALLKIT_METRICS_ADDR"
	EnvHistoryPath       = "CALLKIT_HISTORY_PATH"
	EnvInviteSecret      = "CALLKIT_INVITE_SECRET"
	EnvInviteBaseURL     = "CALLKIT_INVITE_BASE_URL"
	EnvInviteTTL         = "CALLKIT_INVITE_TTL"
)

// Bounds for numeric settings.
const (
	MinActivityIntervalMS = 10
	MaxActivityIntervalMS = 1000
	MinInviteTTLMinutes   = 1
	MaxInviteTTLMinutes   = 7 * 24 * 60
)

// Config is the complete runtime configuration.
type Config struct {
	LogLevel  logrus.Level
	LogFormat string // "text" or "json"

	DisplayName string

	Activity  activity.Config
	Transport *interfaces.TransportConfig

	// MetricsAddr is the listen address of the /metrics endpoint; empty
	// disables it.
	MetricsAddr string

	// HistoryPath is the SQLite call log; empty disables it.
	HistoryPath string

	// InviteSecret signs invite links; empty disables them.
	InviteSecret  string
	InviteBaseURL string
	InviteTTL     time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		LogLevel:      logrus.InfoLevel,
		LogFormat:     "text",
		Activity:      activity.DefaultConfig(),
		Transport:     factory.NewTransportFactory().GetCurrentConfig(),
		InviteBaseURL: "https://localhost/call",
		InviteTTL:     24 * time.Hour,
	}
}

// Load returns Default with environment overrides applied.
func Load() *Config {
	cfg := Default()

	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if level, err := logrus.ParseLevel(raw); err != nil {
			warnInvalid(EnvLogLevel, raw, err, cfg.LogLevel.String())
		} else {
			cfg.LogLevel = level
		}
	}
	if raw := os.Getenv(EnvLogFormat); raw != "" {
		switch strings.ToLower(raw) {
		case "text", "json":
			cfg.LogFormat = strings.ToLower(raw)
		default:
			warnInvalid(EnvLogFormat, raw, fmt.Errorf("must be text or json"), cfg.LogFormat)
		}
	}

	cfg.DisplayName = getEnv(EnvDisplayName, cfg.DisplayName)
	cfg.MetricsAddr = getEnv(EnvMetricsAddr, cfg.MetricsAddr)
	cfg.HistoryPath = getEnv(EnvHistoryPath, cfg.HistoryPath)
	cfg.InviteSecret = getEnv(EnvInviteSecret, cfg.InviteSecret)
	cfg.InviteBaseURL = getEnv(EnvInviteBaseURL, cfg.InviteBaseURL)

	if ms, ok := boundedInt(EnvActivityInterval, MinActivityIntervalMS, MaxActivityIntervalMS); ok {
		cfg.Activity.Interval = time.Duration(ms) * time.Millisecond
	}
	if raw := os.Getenv(EnvActivityThreshold); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		switch {
		case err != nil:
			warnInvalid(EnvActivityThreshold, raw, err, cfg.Activity.Threshold)
		case v < 0 || v > 255:
			warnInvalid(EnvActivityThreshold, raw, fmt.Errorf("must be between 0 and 255"), cfg.Activity.Threshold)
		default:
			cfg.Activity.Threshold = v
		}
	}
	if minutes, ok := boundedInt(EnvInviteTTL, MinInviteTTLMinutes, MaxInviteTTLMinutes); ok {
		cfg.InviteTTL = time.Duration(minutes) * time.Minute
	}

	logrus.WithFields(logrus.Fields{
		"function":           "Load",
		"log_level":          cfg.LogLevel.String(),
		"activity_interval":  cfg.Activity.Interval,
		"activity_threshold": cfg.Activity.Threshold,
		"use_simulation":     cfg.Transport.UseSimulation,
		"metrics_enabled":    cfg.MetricsAddr != "",
		"history_enabled":    cfg.HistoryPath != "",
		"invites_enabled":    cfg.InviteSecret != "",
	}).Info("Configuration loaded")

	return cfg
}

// Validate checks the settings a call depends on.
func (c *Config) Validate() error {
	if err := c.Activity.Validate(); err != nil {
		return fmt.Errorf("activity: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// ApplyLogging configures the global logrus logger.
func ApplyLogging(c *Config) {
	logrus.SetLevel(c.LogLevel)
	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func boundedInt(key string, min, max int) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		warnInvalid(key, raw, err, "default")
		return 0, false
	}
	if v < min || v > max {
		warnInvalid(key, raw, fmt.Errorf("must be between %d and %d", min, max), "default")
		return 0, false
	}
	return v, true
}

func warnInvalid(key, raw string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    "Load",
		"env_var":     key,
		"value":       raw,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Invalid environment variable, using default")
}
