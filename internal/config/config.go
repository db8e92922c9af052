// Package config loads the orchestrator's settings from environment
// variables, in the same flag+env-override idiom acexy's parseArgs uses
// for ACEXY_*: a set of typed fields with defaults, each overridable by
// a single env var, validated once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// VPNMode selects whether the fleet runs against zero, one, or two VPN
// sidecars.
type VPNMode string

const (
	VPNModeDisabled  VPNMode = "disabled"
	VPNModeSingle    VPNMode = "single"
	VPNModeRedundant VPNMode = "redundant"
)

// PortRange is an inclusive [Min, Max] pool bound.
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) String() string { return fmt.Sprintf("%d-%d", r.Min, r.Max) }

// Config holds every environment-sourced setting the core recognizes.
type Config struct {
	// Fleet bounds.
	MinReplicas int
	MaxReplicas int

	// Container runtime.
	TargetImage     string
	DockerNetwork   string
	ContainerLabel  string // "key=value", identifies managed containers
	StartupTimeout  time.Duration
	AceMapHTTPS     bool
	EngineVariant   string // "env_conf", "env_args", or "cmd"
	UserConf        string // operator-supplied CONF string; overrides allocator ports when set (Variant A only)

	// Health manager.
	HealthCheckInterval       time.Duration
	HealthFailureThreshold    int
	HealthUnhealthyGracePeriod time.Duration
	HealthReplacementCooldown time.Duration

	// VPN coordinator.
	VPNMode                      VPNMode
	GluetunContainerName         string
	GluetunContainerName2        string
	GluetunAPIPort               int
	GluetunHealthCheckInterval   time.Duration
	GluetunUnhealthyRestartTimeout time.Duration
	GluetunPortCacheTTL          time.Duration
	VPNRestartEnginesOnReconnect bool

	// Port pools.
	PortRangeHost     PortRange
	AceHTTPRange      PortRange
	AceHTTPSRange     PortRange
	GluetunPortRange1 PortRange
	GluetunPortRange2 PortRange

	// Proxy.
	ProxyBufferChunkSize      int // bytes
	ProxyConnectTimeout       time.Duration
	ProxyReadTimeout          time.Duration
	ProxyNoDataCheckInterval  time.Duration
	ProxyNoDataTimeoutChecks  int
	ProxyGracePeriod          time.Duration
	ProxyInitialDataWait      time.Duration
	MaxStreamsPerEngine       int // 0 means unlimited
	ClientHeartbeatInterval   time.Duration
	GhostClientMultiplier     int // a client is ghost after GhostClientMultiplier*ClientHeartbeatInterval of silence

	// Circuit breaker.
	CircuitBreakerFailureThreshold int
	CircuitBreakerRecoveryTimeout  time.Duration

	// Ambient.
	LogLevel    string
	Addr        string
	DebugMode   bool
	DebugLogDir string
}

// Load reads the full configuration from the process environment,
// applying defaults and validating ranges the same way
// original_source's pydantic Cfg model does.
func Load() (*Config, error) {
	c := &Config{
		MinReplicas:    envInt("MIN_REPLICAS", 1),
		MaxReplicas:    envInt("MAX_REPLICAS", 10),
		TargetImage:    envStr("TARGET_IMAGE", "acestream/engine:latest"),
		DockerNetwork:  envStr("DOCKER_NETWORK", ""),
		ContainerLabel: envStr("CONTAINER_LABEL", "acestream-orchestrator.managed=true"),
		StartupTimeout: envDuration("STARTUP_TIMEOUT_S", 25*time.Second),
		AceMapHTTPS:    envBool("ACE_MAP_HTTPS", false),
		EngineVariant:  envStr("ENGINE_VARIANT", "env_conf"),
		UserConf:       envStr("CONF", ""),

		HealthCheckInterval:        envDuration("HEALTH_CHECK_INTERVAL_S", 20*time.Second),
		HealthFailureThreshold:     envInt("HEALTH_FAILURE_THRESHOLD", 3),
		HealthUnhealthyGracePeriod: envDuration("HEALTH_UNHEALTHY_GRACE_PERIOD_S", 60*time.Second),
		HealthReplacementCooldown:  envDuration("HEALTH_REPLACEMENT_COOLDOWN_S", 60*time.Second),

		VPNMode:                      VPNMode(envStr("VPN_MODE", "disabled")),
		GluetunContainerName:         envStr("GLUETUN_CONTAINER_NAME", ""),
		GluetunContainerName2:        envStr("GLUETUN_CONTAINER_NAME_2", ""),
		GluetunAPIPort:               envInt("GLUETUN_API_PORT", 8000),
		GluetunHealthCheckInterval:   envDuration("GLUETUN_HEALTH_CHECK_INTERVAL_S", 5*time.Second),
		GluetunUnhealthyRestartTimeout: envDuration("VPN_UNHEALTHY_RESTART_TIMEOUT_S", 90*time.Second),
		GluetunPortCacheTTL:          envDuration("GLUETUN_PORT_CACHE_TTL_S", 10*time.Second),
		VPNRestartEnginesOnReconnect: envBool("VPN_RESTART_ENGINES_ON_RECONNECT", false),

		ProxyBufferChunkSize:     envInt("PROXY_BUFFER_CHUNK_SIZE", 8*1024),
		ProxyConnectTimeout:      envDuration("PROXY_CONNECT_TIMEOUT_S", 5*time.Second),
		ProxyReadTimeout:         envDuration("PROXY_READ_TIMEOUT_S", 30*time.Second),
		ProxyNoDataCheckInterval: envDuration("PROXY_NO_DATA_CHECK_INTERVAL_S", 5*time.Second),
		ProxyNoDataTimeoutChecks: envInt("PROXY_NO_DATA_TIMEOUT_CHECKS", 6),
		ProxyGracePeriod:         envDuration("PROXY_GRACE_PERIOD_S", 5*time.Second),
		ProxyInitialDataWait:     envDuration("PROXY_INITIAL_DATA_WAIT_TIMEOUT_S", 10*time.Second),
		MaxStreamsPerEngine:      envInt("MAX_STREAMS_PER_ENGINE", 0),
		ClientHeartbeatInterval:  envDuration("CLIENT_HEARTBEAT_INTERVAL_S", 10*time.Second),
		GhostClientMultiplier:    envInt("GHOST_CLIENT_MULTIPLIER", 3),

		CircuitBreakerFailureThreshold: envInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerRecoveryTimeout:  envDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT_S", 60*time.Second),

		LogLevel:    envStr("ACEOPS_LOG_LEVEL", "info"),
		Addr:        envStr("ACEOPS_ADDR", ":8621"),
		DebugMode:   envBool("DEBUG_MODE", false),
		DebugLogDir: envStr("DEBUG_LOG_DIR", "./debug_logs"),
	}

	var err error
	if c.PortRangeHost, err = envRange("PORT_RANGE_HOST", "19000-19999"); err != nil {
		return nil, err
	}
	if c.AceHTTPRange, err = envRange("ACE_HTTP_RANGE", "40000-40999"); err != nil {
		return nil, err
	}
	if c.AceHTTPSRange, err = envRange("ACE_HTTPS_RANGE", "45000-45999"); err != nil {
		return nil, err
	}
	if c.GluetunPortRange1, err = envRange("GLUETUN_PORT_RANGE_1", "50000-50999"); err != nil {
		return nil, err
	}
	if c.GluetunPortRange2, err = envRange("GLUETUN_PORT_RANGE_2", "51000-51999"); err != nil {
		return nil, err
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.MinReplicas < 0 {
		return fmt.Errorf("MIN_REPLICAS must be >= 0")
	}
	if c.MaxReplicas < c.MinReplicas {
		return fmt.Errorf("MAX_REPLICAS (%d) must be >= MIN_REPLICAS (%d)", c.MaxReplicas, c.MinReplicas)
	}
	switch c.VPNMode {
	case VPNModeDisabled, VPNModeSingle, VPNModeRedundant:
	default:
		return fmt.Errorf("VPN_MODE must be one of disabled|single|redundant, got %q", c.VPNMode)
	}
	if c.VPNMode == VPNModeRedundant && (c.GluetunContainerName == "" || c.GluetunContainerName2 == "") {
		return fmt.Errorf("VPN_MODE=redundant requires both GLUETUN_CONTAINER_NAME and GLUETUN_CONTAINER_NAME_2")
	}
	if !strings.Contains(c.ContainerLabel, "=") {
		return fmt.Errorf("CONTAINER_LABEL must be of the form key=value, got %q", c.ContainerLabel)
	}
	switch c.EngineVariant {
	case "env_conf", "env_args", "cmd":
	default:
		return fmt.Errorf("ENGINE_VARIANT must be one of env_conf|env_args|cmd, got %q", c.EngineVariant)
	}
	return nil
}

// OpsLabel splits ContainerLabel into its key/value halves.
func (c *Config) OpsLabel() (key, value string) {
	parts := strings.SplitN(c.ContainerLabel, "=", 2)
	return parts[0], parts[1]
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envRange(key, def string) (PortRange, error) {
	v := envStr(key, def)
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("%s must be of the form MIN-MAX, got %q", key, v)
	}
	min, err := strconv.Atoi(parts[0])
	if err != nil {
		return PortRange{}, fmt.Errorf("%s: invalid min: %w", key, err)
	}
	max, err := strconv.Atoi(parts[1])
	if err != nil {
		return PortRange{}, fmt.Errorf("%s: invalid max: %w", key, err)
	}
	if min <= 0 || max <= 0 || min > max {
		return PortRange{}, fmt.Errorf("%s: invalid range %d-%d", key, min, max)
	}
	return PortRange{Min: min, Max: max}, nil
}
