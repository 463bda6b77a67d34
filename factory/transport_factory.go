package factory

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/callkit/interfaces"
	"github.com/opd-ai/callkit/real"
	"github.com/opd-ai/callkit/testing"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinJoinTimeout is the minimum allowed join timeout in milliseconds.
	MinJoinTimeout = 100
	// MaxJoinTimeout is the maximum allowed join timeout in milliseconds (10 minutes).
	MaxJoinTimeout = 600000
	// MinSimulatedPeers is the minimum number of simulated peers.
	MinSimulatedPeers = 0
	// MaxSimulatedPeers is the maximum number of simulated peers.
	MaxSimulatedPeers = 16
	// MinDialAttempts is the minimum number of signaling dial attempts.
	MinDialAttempts = 1
	// MaxDialAttempts is the maximum number of signaling dial attempts.
	MaxDialAttempts = 10
)

// Environment variables read by NewTransportFactory.
const (
	EnvUseSimulation    = "CALLKIT_USE_SIMULATION"
	EnvSignalingURL     = "CALLKIT_SIGNALING_URL"
	EnvICEServers       = "CALLKIT_ICE_SERVERS"
	EnvJoinTimeout      = "CALLKIT_JOIN_TIMEOUT"
	EnvDialAttempts     = "CALLKIT_DIAL_ATTEMPTS"
	EnvSimulatedPeers   = "CALLKIT_SIMULATED_PEERS"
	EnvSimulateSpeaking = "CALLKIT_SIMULATE_SPEAKING"
)

// TransportFactory creates call transports based on configuration.
// It is safe for concurrent use; all methods are protected by an internal mutex.
type TransportFactory struct {
	mu            sync.RWMutex
	defaultConfig *interfaces.TransportConfig
}

// TestConfigOption is a functional option for customizing test simulation configuration.
type TestConfigOption func(*interfaces.TransportConfig)

// NewTransportFactory creates a new factory with default configuration and
// CALLKIT_* environment overrides applied.
func NewTransportFactory() *TransportFactory {
	config := createDefaultConfig()
	applyEnvironmentOverrides(config)

	logrus.WithFields(logrus.Fields{
		"function":          "NewTransportFactory",
		"use_simulation":    config.UseSimulation,
		"signaling_url":     config.SignalingURL,
		"ice_servers":       len(config.ICEServers),
		"join_timeout":      config.JoinTimeout,
		"dial_attempts":     config.DialAttempts,
		"simulated_peers":   config.SimulatedPeers,
		"simulate_speaking": config.SimulateSpeaking,
	}).Info("Created transport factory with configuration")

	return &TransportFactory{defaultConfig: config}
}

// createDefaultConfig returns the built-in defaults: the peer transport
// with a public STUN server, a 10 second join timeout with three dial
// attempts, and one silent simulated peer for when simulation is switched
// on.
func createDefaultConfig() *interfaces.TransportConfig {
	return &interfaces.TransportConfig{
		UseSimulation:    false,
		ICEServers:       []string{"stun:stun.l.google.com:19302"},
		JoinTimeout:      10 * time.Second,
		DialAttempts:     3,
		SimulatedPeers:   1,
		SpeakingInterval: 1500 * time.Millisecond,
		ConnectDelay:     500 * time.Millisecond,
	}
}

func applyEnvironmentOverrides(config *interfaces.TransportConfig) {
	if v, ok := parseBoolEnv(EnvUseSimulation, config.UseSimulation); ok {
		config.UseSimulation = v
	}
	if v := os.Getenv(EnvSignalingURL); v != "" {
		config.SignalingURL = v
	}
	if v := os.Getenv(EnvICEServers); v != "" {
		config.ICEServers = splitList(v)
	}
	if ms, ok := parseIntEnv(EnvJoinTimeout, int(config.JoinTimeout/time.Millisecond), MinJoinTimeout, MaxJoinTimeout); ok {
		config.JoinTimeout = time.Duration(ms) * time.Millisecond
	}
	if n, ok := parseIntEnv(EnvDialAttempts, config.DialAttempts, MinDialAttempts, MaxDialAttempts); ok {
		config.DialAttempts = n
	}
	if n, ok := parseIntEnv(EnvSimulatedPeers, config.SimulatedPeers, MinSimulatedPeers, MaxSimulatedPeers); ok {
		config.SimulatedPeers = n
	}
	if v, ok := parseBoolEnv(EnvSimulateSpeaking, config.SimulateSpeaking); ok {
		config.SimulateSpeaking = v
	}
}

// parseBoolEnv reads a boolean variable. Unparsable values log a warning
// and report ok=false so the current value is kept.
func parseBoolEnv(key string, current bool) (value, ok bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return current, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBoolEnv",
			"env_var":     key,
			"value":       raw,
			"error":       err.Error(),
			"using_value": current,
		}).Warn("Failed to parse environment variable, using default")
		return current, false
	}
	return v, true
}

// parseIntEnv reads an integer variable and checks it against [min, max].
func parseIntEnv(key string, current, min, max int) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return current, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntEnv",
			"env_var":     key,
			"value":       raw,
			"error":       err.Error(),
			"using_value": current,
		}).Warn("Failed to parse environment variable, using default")
		return current, false
	}
	if v < min || v > max {
		logrus.WithFields(logrus.Fields{
			"function":    "parseIntEnv",
			"env_var":     key,
			"value":       v,
			"min":         min,
			"max":         max,
			"using_value": current,
		}).Warn("Environment variable out of bounds, using default")
		return current, false
	}
	return v, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// CreateTransport creates a transport from the factory's default configuration.
func (f *TransportFactory) CreateTransport() (interfaces.ITransport, error) {
	return f.CreateTransportWithConfig(nil)
}

// CreateTransportWithConfig creates a transport with a custom configuration.
// A nil config uses the factory default.
func (f *TransportFactory) CreateTransportWithConfig(config *interfaces.TransportConfig) (interfaces.ITransport, error) {
	if config == nil {
		config = f.GetCurrentConfig()
	}
	if err := config.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CreateTransportWithConfig",
			"error":    err.Error(),
		}).Error("Transport configuration rejected")
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}

	if config.UseSimulation {
		logrus.WithFields(logrus.Fields{
			"function": "CreateTransportWithConfig",
			"type":     "simulation",
		}).Info("Creating local-only transport")
		return testing.NewLocalOnlyTransport(config), nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateTransportWithConfig",
		"type":     "webrtc",
	}).Info("Creating WebRTC transport")
	return real.NewWebRTCTransport(config), nil
}

// WithSimulatedPeers sets the number of simulated peers.
func WithSimulatedPeers(n int) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.SimulatedPeers = n
	}
}

// WithSimulatedSpeaking turns random speaking flips on at the given interval.
func WithSimulatedSpeaking(interval time.Duration) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.SimulateSpeaking = true
		c.SpeakingInterval = interval
	}
}

// WithConnectDelay sets how long simulated peers stay connecting.
func WithConnectDelay(d time.Duration) TestConfigOption {
	return func(c *interfaces.TransportConfig) {
		c.ConnectDelay = d
	}
}

// CreateSimulationForTesting creates a local-only transport with
// test-friendly defaults: one peer that connects immediately and never
// speaks.
func (f *TransportFactory) CreateSimulationForTesting(opts ...TestConfigOption) *testing.LocalOnlyTransport {
	config := &interfaces.TransportConfig{
		UseSimulation:  true,
		SimulatedPeers: 1,
	}
	for _, opt := range opts {
		opt(config)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "CreateSimulationForTesting",
		"simulated_peers":   config.SimulatedPeers,
		"simulate_speaking": config.SimulateSpeaking,
		"connect_delay":     config.ConnectDelay,
	}).Info("Creating simulation transport for testing")

	return testing.NewLocalOnlyTransport(config)
}

// SwitchToSimulation switches the default configuration to the local-only transport.
func (f *TransportFactory) SwitchToSimulation() {
	f.setSimulation(true)
}

// SwitchToReal switches the default configuration to the WebRTC transport.
func (f *TransportFactory) SwitchToReal() {
	f.setSimulation(false)
}

func (f *TransportFactory) setSimulation(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setSimulation",
		"previous": f.defaultConfig.UseSimulation,
		"current":  on,
	}).Info("Switching factory transport mode")

	f.defaultConfig.UseSimulation = on
}

// GetCurrentConfig returns a copy of the current default configuration.
func (f *TransportFactory) GetCurrentConfig() *interfaces.TransportConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return copyConfig(f.defaultConfig)
}

// IsUsingSimulation returns true if the factory is configured for simulation.
func (f *TransportFactory) IsUsingSimulation() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultConfig.UseSimulation
}

// UpdateConfig replaces the factory's default configuration.
func (f *TransportFactory) UpdateConfig(config *interfaces.TransportConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "UpdateConfig",
		"old_simulation": f.defaultConfig.UseSimulation,
		"new_simulation": config.UseSimulation,
		"old_url":        f.defaultConfig.SignalingURL,
		"new_url":        config.SignalingURL,
	}).Info("Updating factory configuration")

	f.defaultConfig = copyConfig(config)
	return nil
}

func copyConfig(c *interfaces.TransportConfig) *interfaces.TransportConfig {
	out := *c
	out.ICEServers = append([]string(nil), c.ICEServers...)
	return &out
}
