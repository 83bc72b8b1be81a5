// Package config loads the agent configuration.
//
// Values are layered in order: built-in defaults, an optional YAML file, an
// optional .env file, HEARTBEE_* environment variables, and finally command
// line flags applied by the binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Dispatch types.
const (
	DispatchTimer  = "timer"
	DispatchManual = "manual"
)

// Orchestrators for drain cycles.
const (
	OrchestratorLocal    = "local"
	OrchestratorTemporal = "temporal"
)

// Config is the full agent configuration.
type Config struct {
	Agent        AgentConfig        `yaml:"agent"`
	Network      NetworkConfig      `yaml:"network"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Transmission TransmissionConfig `yaml:"transmission"`
	Heartbeat    HeartbeatConfig    `yaml:"heartbeat"`
	Log          LogConfig          `yaml:"log"`
}

// AgentConfig identifies the device and where local state lives.
type AgentConfig struct {
	DeviceID       string `yaml:"device_id"`
	PublishableKey string `yaml:"publishable_key"`
	DBPath         string `yaml:"db_path"`
	Listen         string `yaml:"listen"`
	Timezone       string `yaml:"timezone"`
	AppPackage     string `yaml:"app_package"`
	AppVersion     string `yaml:"app_version"`
}

// NetworkConfig tunes the collector client.
type NetworkConfig struct {
	Host          string          `yaml:"host"`
	HeartbeatHost string          `yaml:"heartbeat_host"`
	Timeout       time.Duration   `yaml:"timeout"`
	RetryCount    int             `yaml:"retry_count"`
	RetryDelays   []time.Duration `yaml:"retry_delays"`
	Gzip          bool            `yaml:"gzip"`
}

// DispatchConfig decides when drain cycles start.
type DispatchConfig struct {
	Type      string        `yaml:"type"`
	Frequency time.Duration `yaml:"frequency"`
	Debounce  time.Duration `yaml:"debounce"`
	Tolerance time.Duration `yaml:"tolerance"`
	Throttle  time.Duration `yaml:"throttle"`
}

// TransmissionConfig sizes batches and picks the drain orchestrator.
type TransmissionConfig struct {
	BatchSize    int            `yaml:"batch_size"`
	Orchestrator string         `yaml:"orchestrator"`
	Temporal     TemporalConfig `yaml:"temporal"`
}

// TemporalConfig points at the Temporal frontend when drains are orchestrated there.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`
}

// HeartbeatConfig holds the probe cadence used until the server sends its own.
type HeartbeatConfig struct {
	Enabled            bool          `yaml:"enabled"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	RetryCount         int           `yaml:"retry_count"`
	RetryInterval      time.Duration `yaml:"retry_interval"`
	DisconnectInterval time.Duration `yaml:"disconnect_interval"`
}

// LogConfig is handed to logging.New.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			DBPath:     "heartbee.db",
			Listen:     ":8090",
			Timezone:   time.Local.String(),
			AppPackage: "com.heartbee.agent",
			AppVersion: "0.1.0",
		},
		Network: NetworkConfig{
			Host:        "http://localhost:8091",
			Timeout:     10 * time.Second,
			RetryCount:  3,
			RetryDelays: []time.Duration{4 * time.Second, 9 * time.Second, 16 * time.Second},
		},
		Dispatch: DispatchConfig{
			Type:      DispatchTimer,
			Frequency: 10 * time.Second,
			Debounce:  2 * time.Second,
			Tolerance: 10 * time.Second,
			Throttle:  time.Second,
		},
		Transmission: TransmissionConfig{
			BatchSize:    50,
			Orchestrator: OrchestratorLocal,
			Temporal: TemporalConfig{
				HostPort:  "localhost:7233",
				Namespace: "default",
				TaskQueue: "heartbee-drain",
			},
		},
		Heartbeat: HeartbeatConfig{
			Enabled:            true,
			PingInterval:       180 * time.Second,
			RetryCount:         2,
			RetryInterval:      60 * time.Second,
			DisconnectInterval: 600 * time.Second,
		},
		Log: LogConfig{Format: "json", Level: "info"},
	}
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when empty) and the environment. envFile is loaded with godotenv first when
// it exists; variables already set in the process win.
func Load(path, envFile string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if cfg.Network.HeartbeatHost == "" {
		cfg.Network.HeartbeatHost = cfg.Network.Host
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("HEARTBEE_DEVICE_ID", &c.Agent.DeviceID)
	str("HEARTBEE_PUBLISHABLE_KEY", &c.Agent.PublishableKey)
	str("HEARTBEE_DB_PATH", &c.Agent.DBPath)
	str("HEARTBEE_LISTEN", &c.Agent.Listen)
	str("HEARTBEE_TIMEZONE", &c.Agent.Timezone)
	str("HEARTBEE_HOST", &c.Network.Host)
	str("HEARTBEE_HEARTBEAT_HOST", &c.Network.HeartbeatHost)
	dur("HEARTBEE_NETWORK_TIMEOUT", &c.Network.Timeout)
	num("HEARTBEE_RETRY_COUNT", &c.Network.RetryCount)
	flag("HEARTBEE_GZIP", &c.Network.Gzip)
	if v, ok := lookup("HEARTBEE_RETRY_DELAYS"); ok && v != "" {
		delays, err := ParseDurations(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HEARTBEE_RETRY_DELAYS: %w", err))
		} else {
			c.Network.RetryDelays = delays
		}
	}
	str("HEARTBEE_DISPATCH_TYPE", &c.Dispatch.Type)
	dur("HEARTBEE_DISPATCH_FREQUENCY", &c.Dispatch.Frequency)
	dur("HEARTBEE_DISPATCH_DEBOUNCE", &c.Dispatch.Debounce)
	dur("HEARTBEE_DISPATCH_TOLERANCE", &c.Dispatch.Tolerance)
	dur("HEARTBEE_DISPATCH_THROTTLE", &c.Dispatch.Throttle)
	num("HEARTBEE_BATCH_SIZE", &c.Transmission.BatchSize)
	str("HEARTBEE_ORCHESTRATOR", &c.Transmission.Orchestrator)
	str("HEARTBEE_TEMPORAL_HOST_PORT", &c.Transmission.Temporal.HostPort)
	str("HEARTBEE_TEMPORAL_NAMESPACE", &c.Transmission.Temporal.Namespace)
	str("HEARTBEE_TEMPORAL_TASK_QUEUE", &c.Transmission.Temporal.TaskQueue)
	flag("HEARTBEE_HEARTBEAT_ENABLED", &c.Heartbeat.Enabled)
	dur("HEARTBEE_PING_INTERVAL", &c.Heartbeat.PingInterval)
	dur("HEARTBEE_PING_RETRY_INTERVAL", &c.Heartbeat.RetryInterval)
	dur("HEARTBEE_DISCONNECT_INTERVAL", &c.Heartbeat.DisconnectInterval)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_LEVEL", &c.Log.Level)
	return errors.Join(errs...)
}

// ParseDurations parses a comma separated list such as "4s,9s,16s".
func ParseDurations(raw string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate rejects configurations the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Network.Host) == "" {
		errs = append(errs, errors.New("network.host required"))
	}
	if c.Network.Timeout <= 0 {
		errs = append(errs, errors.New("network.timeout must be positive"))
	}
	if c.Network.RetryCount < 0 {
		errs = append(errs, errors.New("network.retry_count must not be negative"))
	}
	for _, d := range c.Network.RetryDelays {
		if d < 0 {
			errs = append(errs, errors.New("network.retry_delays must not be negative"))
			break
		}
	}
	switch c.Dispatch.Type {
	case DispatchTimer, DispatchManual:
	default:
		errs = append(errs, fmt.Errorf("dispatch.type %q must be timer or manual", c.Dispatch.Type))
	}
	if c.Dispatch.Frequency <= 0 {
		errs = append(errs, errors.New("dispatch.frequency must be positive"))
	}
	if c.Dispatch.Debounce < 0 || c.Dispatch.Tolerance < 0 || c.Dispatch.Throttle < 0 {
		errs = append(errs, errors.New("dispatch debounce, tolerance and throttle must not be negative"))
	}
	if c.Transmission.BatchSize <= 0 {
		errs = append(errs, errors.New("transmission.batch_size must be positive"))
	}
	switch c.Transmission.Orchestrator {
	case OrchestratorLocal:
	case OrchestratorTemporal:
		if c.Transmission.Temporal.HostPort == "" || c.Transmission.Temporal.TaskQueue == "" {
			errs = append(errs, errors.New("transmission.temporal host_port and task_queue required"))
		}
	default:
		errs = append(errs, fmt.Errorf("transmission.orchestrator %q must be local or temporal", c.Transmission.Orchestrator))
	}
	if c.Heartbeat.PingInterval <= 0 || c.Heartbeat.RetryInterval <= 0 || c.Heartbeat.DisconnectInterval <= 0 {
		errs = append(errs, errors.New("heartbeat intervals must be positive"))
	}
	return errors.Join(errs...)
}
