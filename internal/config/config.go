// Package config provides configuration loading, validation, and hot-reload
// for the Cyreal core.
//
// Configuration file: supplied by an external loader (CLI / YAML front-end);
// this package only owns the validated record itself plus Defaults/Validate,
// so the core never trusts unchecked input even when the on-disk format is
// somebody else's concern.
//
// Hot-reload:
//   - The agent listens for SIGHUP (wired in cmd/cyreald).
//   - On SIGHUP: re-read and re-validate the config file.
//   - ApplyReloadable copies the non-destructive sections (security,
//     governors, observability, port manager) into the running Config in
//     place. Components built from the config at startup (rate limiter,
//     governors, logger, health supervision) keep the values they were
//     built with; a reload does not change their behaviour.
//   - Destructive changes (port physical paths, bind address, TLS material)
//     require a restart and are ignored on hot-reload.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The core does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (ports 1-65535, baud against platform max, etc).
//   - Bind addresses and allowed CIDRs must be RFC-1918.
//   - Invalid config on startup: core refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyreal-project/cyreal-core/internal/netguard"
	"github.com/cyreal-project/cyreal-core/internal/platform"
	"github.com/cyreal-project/cyreal-core/internal/serialport"
)

// Version, GitCommit, BuildTime are injected by the build via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// SecurityLevel controls how strict the bridge's defaults are.
type SecurityLevel string

const (
	SecurityParanoid  SecurityLevel = "paranoid"
	SecurityBalanced  SecurityLevel = "balanced"
	SecurityPermissive SecurityLevel = "permissive"
	SecurityDebug     SecurityLevel = "debug"
)

// ConflictPolicy names a Port Manager arbitration strategy.
type ConflictPolicy string

const (
	ConflictPriority    ConflictPolicy = "priority"
	ConflictRoundRobin  ConflictPolicy = "round-robin"
	ConflictLoadBalance ConflictPolicy = "load-balance"
)

// Config is the root configuration structure for the Cyreal core.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1"; any other value fails validation.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this core instance.
	NodeID string `yaml:"node_id"`

	Network       NetworkConfig       `yaml:"network"`
	Security      SecurityConfig      `yaml:"security"`
	Ports         PortsConfig         `yaml:"ports"`
	Governors     map[string]GovernorConfig `yaml:"governors"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Paths         PathsConfig         `yaml:"paths"`
	PortManager   PortManagerConfig  `yaml:"port_manager"`
}

// NetworkConfig holds the A2A network bridge bind parameters.
type NetworkConfig struct {
	TCP TCPConfig `yaml:"tcp"`
}

// TCPConfig holds listener parameters. Host must pass RFC-1918 validation.
type TCPConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
}

// SecurityConfig holds authentication, authorization and rate-limit params.
type SecurityConfig struct {
	Level                SecurityLevel `yaml:"level"`
	TokenExpiryMinutes   int           `yaml:"token_expiry_minutes"`
	// TokenSecretPath names a file holding the HMAC key the bridge signs
	// bearer tokens with, kept out of config.yaml itself the same way
	// TLSCertFile/TLSKeyFile name material rather than embed it. If empty,
	// cmd/cyreald generates an ephemeral random key at startup: every
	// previously issued token is invalidated across a restart, but the
	// core still starts rather than refusing to run without an
	// operator-provisioned secret.
	TokenSecretPath      string        `yaml:"token_secret_path"`
	RateLimit            RateLimitConfig `yaml:"rate_limit"`
	AllowedCIDRs         []string      `yaml:"allowed_cidrs"`
	QuarantineDuration   time.Duration `yaml:"quarantine_duration"`
	QuarantineThreshold  int           `yaml:"quarantine_threshold"`
	QuarantineWindow     time.Duration `yaml:"quarantine_window"`
}

// RateLimitConfig holds the two independently enforced rate-limit tiers.
type RateLimitConfig struct {
	GlobalRequestsPerMinute int `yaml:"global_requests_per_minute"`
	GlobalBurst             int `yaml:"global_burst"`
	AgentRequestsPerMinute  int `yaml:"agent_requests_per_minute"`
	AgentBurst              int `yaml:"agent_burst"`
	AgentMaxConnections     int `yaml:"agent_max_connections"`
}

// PortsConfig holds default and per-port serial line settings.
type PortsConfig struct {
	Default  PortSettings            `yaml:"default"`
	Specific map[string]PortSettings `yaml:"specific"`
}

// ResolvedPort returns the effective settings for a configured port: the
// ports.default template overlaid with ports.specific[id]'s explicitly
// set fields (PhysicalPath always comes from the specific entry; zero-
// valued scalar fields fall back to the default). The second return is
// false if id has no ports.specific entry.
func (p PortsConfig) ResolvedPort(id string) (PortSettings, bool) {
	specific, ok := p.Specific[id]
	if !ok {
		return PortSettings{}, false
	}
	merged := p.Default
	merged.PhysicalPath = specific.PhysicalPath
	if specific.Type != "" {
		merged.Type = specific.Type
	}
	if specific.BaudRate != 0 {
		merged.BaudRate = specific.BaudRate
	}
	if specific.DataBits != 0 {
		merged.DataBits = specific.DataBits
	}
	if specific.StopBits != 0 {
		merged.StopBits = specific.StopBits
	}
	if specific.Parity != "" {
		merged.Parity = specific.Parity
	}
	if specific.FlowControl != "" {
		merged.FlowControl = specific.FlowControl
	}
	if specific.BufferSize != 0 {
		merged.BufferSize = specific.BufferSize
	}
	if specific.TimeoutMS != 0 {
		merged.TimeoutMS = specific.TimeoutMS
	}
	if specific.Priority != 0 {
		merged.Priority = specific.Priority
	}
	if specific.RS485.Enabled {
		merged.RS485 = specific.RS485
	}
	return merged, true
}

// PortSettings mirrors the Serial Port line-settings data model (spec §3).
// It also doubles as the JSON-RPC wire shape for port.open/port.configure
// params, so every field carries both a yaml and a json tag.
type PortSettings struct {
	// PhysicalPath is the OS device node (e.g. "/dev/ttyUSB0"). Required
	// for every entry in ports.specific; meaningless on ports.default,
	// which exists only to supply fallback field values.
	PhysicalPath string        `yaml:"physical_path" json:"physicalPath,omitempty"`
	Type         string        `yaml:"type" json:"type"`
	BaudRate     int           `yaml:"baud_rate" json:"baudRate"`
	DataBits     int           `yaml:"data_bits" json:"dataBits"`
	StopBits     int           `yaml:"stop_bits" json:"stopBits"`
	Parity       string        `yaml:"parity" json:"parity"`
	FlowControl  string        `yaml:"flow_control" json:"flowControl"`
	BufferSize   int           `yaml:"buffer_size" json:"bufferSize,omitempty"`
	TimeoutMS    int           `yaml:"timeout_ms" json:"timeoutMs,omitempty"`
	Priority     int           `yaml:"priority" json:"priority,omitempty"`
	RS485        RS485Settings `yaml:"rs485" json:"rs485,omitempty"`
}

// RS485Settings mirrors the optional RS-485 profile (spec §3).
type RS485Settings struct {
	Enabled             bool `yaml:"enabled" json:"enabled"`
	RTSPin              int  `yaml:"rts_pin" json:"rtsPin"`
	TurnaroundDelayUS   int  `yaml:"turnaround_delay_us" json:"turnaroundDelayUs"`
	TerminationEnabled  bool `yaml:"termination_enabled" json:"terminationEnabled"`
	MultidropAddress    int  `yaml:"multidrop_address" json:"multidropAddress"`
}

// GovernorConfig holds the per-governor PSRLV cycle parameters.
type GovernorConfig struct {
	ProbeIntervalMS int `yaml:"probe_interval_ms"`
	ErrorThreshold  int `yaml:"error_threshold"`
	RetryAttempts   int `yaml:"retry_attempts"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
}

// PortManagerConfig holds Port Manager arbitration and supervision params.
type PortManagerConfig struct {
	ConflictPolicy      ConflictPolicy `yaml:"conflict_policy"`
	HealthCheckInterval time.Duration  `yaml:"health_check_interval"`
}

// StorageConfig holds the learned-pattern store (patterns.db) parameters.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// PathsConfig names the three directories the core is allowed to write
// inside (config, data, log), per spec.md's persisted state layout.
type PathsConfig struct {
	ConfigDir string `yaml:"config_dir"`
	DataDir   string `yaml:"data_dir"`
	LogDir    string `yaml:"log_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	cap := platform.Detect()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Network: NetworkConfig{
			TCP: TCPConfig{
				Host:           "127.0.0.1",
				Port:           3500,
				MaxConnections: 10,
			},
		},
		Security: SecurityConfig{
			Level:              SecurityBalanced,
			TokenExpiryMinutes: 60,
			RateLimit: RateLimitConfig{
				GlobalRequestsPerMinute: 1000,
				GlobalBurst:             100,
				AgentRequestsPerMinute:  100,
				AgentBurst:              20,
				AgentMaxConnections:     5,
			},
			QuarantineDuration:  time.Hour,
			QuarantineThreshold: 3,
			QuarantineWindow:    10 * time.Minute,
		},
		Ports: PortsConfig{
			Default: PortSettings{
				Type:        "rs232",
				BaudRate:    maxBaud(cap, 115200),
				DataBits:    8,
				StopBits:    1,
				Parity:      "none",
				FlowControl: "none",
				BufferSize:  4096,
				TimeoutMS:   50,
				Priority:    0,
			},
			Specific: map[string]PortSettings{},
		},
		Governors: map[string]GovernorConfig{
			"system1": {ProbeIntervalMS: 5000, ErrorThreshold: 3, RetryAttempts: 3, RetryDelayMS: 1000},
			"system2": {ProbeIntervalMS: 10000, ErrorThreshold: 3, RetryAttempts: 3, RetryDelayMS: 1000},
			"system3": {ProbeIntervalMS: 20000, ErrorThreshold: 3, RetryAttempts: 3, RetryDelayMS: 1000},
			"system4": {ProbeIntervalMS: 40000, ErrorThreshold: 3, RetryAttempts: 3, RetryDelayMS: 1000},
			"system5": {ProbeIntervalMS: 80000, ErrorThreshold: 3, RetryAttempts: 3, RetryDelayMS: 1000},
		},
		PortManager: PortManagerConfig{
			ConflictPolicy:      ConflictPriority,
			HealthCheckInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:        "/var/lib/cyreal/patterns.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Paths: PathsConfig{
			ConfigDir: "/etc/cyreal",
			DataDir:   "/var/lib/cyreal",
			LogDir:    "/var/log/cyreal",
		},
	}
}

func maxBaud(cap platform.Capability, want int) int {
	if cap.MaxBaud > 0 && want > cap.MaxBaud {
		return cap.MaxBaud
	}
	return want
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if !netguard.IsAllowedHost(cfg.Network.TCP.Host) {
		errs = append(errs, fmt.Sprintf("network.tcp.host %q is not in RFC-1918 private address space", cfg.Network.TCP.Host))
	}
	if cfg.Network.TCP.Port < 1 || cfg.Network.TCP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("network.tcp.port must be in [1, 65535], got %d", cfg.Network.TCP.Port))
	}
	if cfg.Network.TCP.MaxConnections < 1 {
		errs = append(errs, "network.tcp.max_connections must be >= 1")
	}
	switch cfg.Security.Level {
	case SecurityParanoid, SecurityBalanced, SecurityPermissive, SecurityDebug:
	default:
		errs = append(errs, fmt.Sprintf("security.level %q is not one of paranoid|balanced|permissive|debug", cfg.Security.Level))
	}
	if cfg.Security.TokenExpiryMinutes < 1 {
		errs = append(errs, "security.token_expiry_minutes must be >= 1")
	}
	for _, cidr := range cfg.Security.AllowedCIDRs {
		if !netguard.IsAllowedCIDR(cidr) {
			errs = append(errs, fmt.Sprintf("security.allowed_cidrs entry %q is not RFC-1918", cidr))
		}
	}
	if cfg.Security.RateLimit.GlobalRequestsPerMinute < 1 {
		errs = append(errs, "security.rate_limit.global_requests_per_minute must be >= 1")
	}
	if cfg.Security.RateLimit.AgentRequestsPerMinute < 1 {
		errs = append(errs, "security.rate_limit.agent_requests_per_minute must be >= 1")
	}
	if err := validatePortSettings("ports.default", cfg.Ports.Default, false); err != "" {
		errs = append(errs, err)
	}
	for id, s := range cfg.Ports.Specific {
		if err := validatePortSettings(fmt.Sprintf("ports.specific.%s", id), s, true); err != "" {
			errs = append(errs, err)
		}
	}
	if maxB := platform.Detect().MaxBaud; maxB > 0 {
		if cfg.Ports.Default.BaudRate > maxB {
			errs = append(errs, fmt.Sprintf("ports.default.baud_rate %d exceeds platform max %d", cfg.Ports.Default.BaudRate, maxB))
		}
		for id, s := range cfg.Ports.Specific {
			if s.BaudRate > maxB {
				errs = append(errs, fmt.Sprintf("ports.specific.%s.baud_rate %d exceeds platform max %d", id, s.BaudRate, maxB))
			}
		}
	}
	switch cfg.PortManager.ConflictPolicy {
	case ConflictPriority, ConflictRoundRobin, ConflictLoadBalance:
	default:
		errs = append(errs, fmt.Sprintf("port_manager.conflict_policy %q invalid", cfg.PortManager.ConflictPolicy))
	}
	if cfg.PortManager.HealthCheckInterval <= 0 {
		errs = append(errs, "port_manager.health_check_interval must be > 0")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, "storage.retention_days must be >= 1")
	}
	for name, g := range cfg.Governors {
		if g.ProbeIntervalMS < 1 {
			errs = append(errs, fmt.Sprintf("governors.%s.probe_interval_ms must be >= 1", name))
		}
		if g.ErrorThreshold < 1 {
			errs = append(errs, fmt.Sprintf("governors.%s.error_threshold must be >= 1", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// validatePortSettings checks one PortSettings entry. requirePath is true
// for ports.specific entries, which must name a concrete OS device node;
// ports.default is a fallback template and is never registered itself.
func validatePortSettings(prefix string, s PortSettings, requirePath bool) string {
	if requirePath && s.PhysicalPath == "" {
		return fmt.Sprintf("%s.physical_path must not be empty", prefix)
	}
	switch s.Type {
	case "rs232", "rs485", "usb-serial", "ttl":
	default:
		return fmt.Sprintf("%s.type must be one of rs232|rs485|usb-serial|ttl, got %q", prefix, s.Type)
	}
	switch s.DataBits {
	case 5, 6, 7, 8:
	default:
		return fmt.Sprintf("%s.data_bits must be one of 5,6,7,8, got %d", prefix, s.DataBits)
	}
	switch s.StopBits {
	case 1, 2:
	default:
		return fmt.Sprintf("%s.stop_bits must be 1 or 2, got %d", prefix, s.StopBits)
	}
	switch s.Parity {
	case "none", "even", "odd", "mark", "space":
	default:
		return fmt.Sprintf("%s.parity %q invalid", prefix, s.Parity)
	}
	switch s.FlowControl {
	case "none", "hardware", "software":
	default:
		return fmt.Sprintf("%s.flow_control %q invalid", prefix, s.FlowControl)
	}
	if s.RS485.Enabled != (s.Type == "rs485") {
		return fmt.Sprintf("%s.rs485.enabled (%v) must match type==\"rs485\" (%v)", prefix, s.RS485.Enabled, s.Type == "rs485")
	}
	if s.RS485.Enabled {
		if s.RS485.TurnaroundDelayUS < 1 {
			return fmt.Sprintf("%s.rs485.turnaround_delay_us must be >= 1 when enabled", prefix)
		}
		if s.RS485.MultidropAddress < 0 || s.RS485.MultidropAddress > 247 {
			return fmt.Sprintf("%s.rs485.multidrop_address must be in [0, 247]", prefix)
		}
	}
	return ""
}

// LineSettings converts a configured PortSettings into the serialport
// package's LineSettings, the form cmd/cyreald feeds to Manager.Register.
func (s PortSettings) LineSettings() serialport.LineSettings {
	ls := serialport.LineSettings{
		Type:        serialport.PortType(s.Type),
		BaudRate:    s.BaudRate,
		DataBits:    s.DataBits,
		StopBits:    s.StopBits,
		Parity:      serialport.Parity(s.Parity),
		FlowControl: serialport.FlowControl(s.FlowControl),
	}
	if s.RS485.Enabled {
		ls.RS485 = &serialport.RS485Profile{
			EnablePinID:        fmt.Sprintf("gpio%d", s.RS485.RTSPin),
			TurnaroundDelayUS:  s.RS485.TurnaroundDelayUS,
			TerminationEnabled: s.RS485.TerminationEnabled,
			MultidropAddress:   s.RS485.MultidropAddress,
		}
	}
	return ls
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// Reloadable is the subset of Config that may change across a SIGHUP
// hot-reload without requiring a restart. Destructive fields (bind
// address, TLS material, port physical paths, storage path) are excluded.
type Reloadable struct {
	Security      SecurityConfig
	Governors     map[string]GovernorConfig
	Observability ObservabilityConfig
	PortManager   PortManagerConfig
}

// ApplyReloadable copies the non-destructive fields of next into cur,
// leaving everything else untouched.
func ApplyReloadable(cur *Config, next *Config) {
	cur.Security = next.Security
	cur.Governors = next.Governors
	cur.Observability = next.Observability
	cur.PortManager = next.PortManager
}
