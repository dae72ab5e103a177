// Package config loads and validates the gatewarden configuration.
// Configuration lives in a TOML file (default /etc/gatewarden/config.toml)
// and a small set of environment variables override the file for
// deployment-specific secrets and paths.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for gatewarden.
type Config struct {
	Network   NetworkConfig   `toml:"network"`
	WireGuard WireGuardConfig `toml:"wireguard"`
	Registry  RegistryConfig  `toml:"registry"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Admin     AdminConfig     `toml:"admin"`
}

// NetworkConfig describes the tunnel network the control plane manages.
type NetworkConfig struct {
	// Interface is the kernel WireGuard interface name (e.g. "wg0").
	Interface string `toml:"interface"`

	// Subnet is the tunnel IPv4 subnet in CIDR notation.
	Subnet string `toml:"subnet"`

	// ServerIP is the server's address inside Subnet.
	ServerIP string `toml:"server_ip"`

	// HostStart and HostEnd bound the host indices handed out to peers,
	// inclusive. Index 1 is the server; index 2 is reserved for the
	// bootstrap identity.
	HostStart int `toml:"host_start"`
	HostEnd   int `toml:"host_end"`

	// Endpoint is the public endpoint clients connect to ("host:port").
	Endpoint string `toml:"endpoint"`
}

// WireGuardConfig describes the on-disk tunnel configuration and the
// defaults baked into client artifacts.
type WireGuardConfig struct {
	// ConfigPath is the wg-quick configuration file the control plane owns.
	ConfigPath string `toml:"config_path"`

	// ClientDNS is the resolver pushed to clients.
	ClientDNS string `toml:"client_dns"`

	// ClientMTU is the interface MTU written into client artifacts.
	ClientMTU int `toml:"client_mtu"`

	// PersistentKeepalive is the client keepalive interval in seconds.
	PersistentKeepalive int `toml:"persistent_keepalive"`
}

// RegistryConfig locates the durable peer registry.
type RegistryConfig struct {
	// Path is the SQLite database file.
	Path string `toml:"path"`
}

// ReconcileConfig tunes the homeostatic reconciler.
type ReconcileConfig struct {
	// Interval is the delay between reconciliation sweeps, in seconds.
	Interval int `toml:"interval"`
}

// Every returns the sweep interval as a duration.
func (r ReconcileConfig) Every() time.Duration { return time.Duration(r.Interval) * time.Second }

// TelemetryConfig tunes the kernel counter poller.
type TelemetryConfig struct {
	// PollInterval is the delay between kernel dumps while observers are
	// subscribed, in seconds.
	PollInterval int `toml:"poll_interval"`

	// IdleInterval is the sleep between checks when nobody is watching.
	IdleInterval int `toml:"idle_interval"`

	// DBSyncInterval is how often counter deltas and session transitions
	// are persisted, in seconds.
	DBSyncInterval int `toml:"db_sync_interval"`

	// LivenessWindow is the maximum handshake age, in seconds, for a peer
	// to be considered connected. Must exceed 6x the client keepalive.
	LivenessWindow int `toml:"liveness_window"`
}

// AdminConfig covers the administrative HTTP surface.
type AdminConfig struct {
	// ListenAddr is the HTTP listen address for the dashboard API.
	ListenAddr string `toml:"listen_addr"`

	// SessionSecret signs admin session cookies and derives the key that
	// encrypts stored peer private keys. Required.
	SessionSecret string `toml:"session_secret"`

	// BootstrapUser and BootstrapPassword seed the admin row when the
	// registry has none. The password is only consulted on first start.
	BootstrapUser     string `toml:"bootstrap_user"`
	BootstrapPassword string `toml:"bootstrap_password"`

	// StorePrivateKeys controls whether peer private keys are kept
	// (encrypted) so artifacts can be re-displayed without rotation.
	// When false, every artifact fetch rotates the peer's keys.
	StorePrivateKeys bool `toml:"store_private_keys"`

	// AuditLog is the append-only audit log file.
	AuditLog string `toml:"audit_log"`
}

// DefaultConfigPath is the standard location of the gatewarden config file.
const DefaultConfigPath = "/etc/gatewarden/config.toml"

// DefaultConfig returns a Config populated with sensible defaults.
// Deployment-specific fields (endpoint, session secret, bootstrap
// credentials) are left empty and must be provided by the operator.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Interface: "wg0",
			Subnet:    "10.50.0.0/24",
			ServerIP:  "10.50.0.1",
			HostStart: 3,
			HostEnd:   254,
		},
		WireGuard: WireGuardConfig{
			ConfigPath:          "/etc/wireguard/wg0.conf",
			ClientDNS:           "1.1.1.1",
			ClientMTU:           1280,
			PersistentKeepalive: 25,
		},
		Registry: RegistryConfig{
			Path: "/var/lib/gatewarden/registry.db",
		},
		Reconcile: ReconcileConfig{
			Interval: 60,
		},
		Telemetry: TelemetryConfig{
			PollInterval:   2,
			IdleInterval:   10,
			DBSyncInterval: 20,
			LivenessWindow: 300,
		},
		Admin: AdminConfig{
			ListenAddr:       ":8000",
			BootstrapUser:    "admin",
			StorePrivateKeys: true,
			AuditLog:         "/var/lib/gatewarden/audit.log",
		},
	}
}

// Load reads the TOML config at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment variables form a complete configuration for container
// deployments.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save encodes the config as TOML at path with mode 0600 (it contains
// secrets). Parent directories are created if they don't exist.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// applyEnv overrides file values with GATEWARDEN_* environment variables.
func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Network.Interface, "GATEWARDEN_INTERFACE")
	setString(&cfg.Network.Endpoint, "GATEWARDEN_ENDPOINT")
	setString(&cfg.Registry.Path, "GATEWARDEN_DB_PATH")
	setString(&cfg.Admin.ListenAddr, "GATEWARDEN_LISTEN_ADDR")
	setString(&cfg.Admin.SessionSecret, "GATEWARDEN_SESSION_SECRET")
	setString(&cfg.Admin.BootstrapUser, "GATEWARDEN_ADMIN_USER")
	setString(&cfg.Admin.BootstrapPassword, "GATEWARDEN_ADMIN_PASSWORD")

	if v := os.Getenv("GATEWARDEN_LIVENESS_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.LivenessWindow = n
		}
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	subnet, err := netip.ParsePrefix(c.Network.Subnet)
	if err != nil {
		return fmt.Errorf("network.subnet %q: %w", c.Network.Subnet, err)
	}
	if !subnet.Addr().Is4() {
		return fmt.Errorf("network.subnet %q: only IPv4 tunnel subnets are supported", c.Network.Subnet)
	}

	server, err := netip.ParseAddr(c.Network.ServerIP)
	if err != nil {
		return fmt.Errorf("network.server_ip %q: %w", c.Network.ServerIP, err)
	}
	if !subnet.Contains(server) {
		return fmt.Errorf("network.server_ip %s is outside subnet %s", server, subnet)
	}

	if c.Network.HostStart < 2 || c.Network.HostEnd > 254 || c.Network.HostStart > c.Network.HostEnd {
		return fmt.Errorf("host range [%d, %d] is invalid", c.Network.HostStart, c.Network.HostEnd)
	}

	if c.Network.Endpoint != "" {
		if _, _, err := net.SplitHostPort(c.Network.Endpoint); err != nil {
			return fmt.Errorf("network.endpoint %q: %w", c.Network.Endpoint, err)
		}
	}

	if c.WireGuard.PersistentKeepalive <= 0 {
		return errors.New("wireguard.persistent_keepalive must be positive")
	}
	if c.Telemetry.LivenessWindow <= 6*c.WireGuard.PersistentKeepalive {
		return fmt.Errorf("telemetry.liveness_window (%ds) must exceed 6x the client keepalive (%ds)",
			c.Telemetry.LivenessWindow, c.WireGuard.PersistentKeepalive)
	}

	return nil
}

// Subnet returns the parsed tunnel subnet. Validate must have succeeded.
func (c *Config) SubnetPrefix() netip.Prefix {
	p, _ := netip.ParsePrefix(c.Network.Subnet)
	return p
}

// ServerAddr returns the parsed server tunnel address.
func (c *Config) ServerAddr() netip.Addr {
	a, _ := netip.ParseAddr(c.Network.ServerIP)
	return a
}

// PollInterval returns the poll interval as a duration.
func (t TelemetryConfig) Poll() time.Duration { return time.Duration(t.PollInterval) * time.Second }

// Idle returns the idle interval as a duration.
func (t TelemetryConfig) Idle() time.Duration { return time.Duration(t.IdleInterval) * time.Second }

// DBSync returns the persistence interval as a duration.
func (t TelemetryConfig) DBSync() time.Duration {
	return time.Duration(t.DBSyncInterval) * time.Second
}

// Liveness returns the handshake liveness window as a duration.
func (t TelemetryConfig) Liveness() time.Duration {
	return time.Duration(t.LivenessWindow) * time.Second
}
