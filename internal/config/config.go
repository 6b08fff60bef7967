// Package config provides the daemon configuration and campaign
// definition loading for bivouac.
//
// All runtime settings live in an explicit Config struct passed into
// each component; nothing reads the process environment directly. An
// optional dotenv file can overlay individual settings before the YAML
// file is parsed, which keeps deployment-specific values (database
// path, reachable host) out of the config file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPoolName is the libvirt storage pool holding instance volumes.
	DefaultPoolName = "bivouac-instances"
	// DefaultPoolPath is the backing directory for the instance pool.
	DefaultPoolPath = "/var/lib/libvirt/images/bivouac"

	// DefaultSecretsPath is where the secrets document lands in the guest.
	DefaultSecretsPath = "/etc/bivouac_secrets"
	// DefaultAuthorizedKeysPath receives the generated public key in the guest.
	DefaultAuthorizedKeysPath = "/root/.ssh/authorized_keys"

	// DefaultPortRangeLo and DefaultPortRangeHi bound the host-side SSH
	// forward port allocation.
	DefaultPortRangeLo = 10000
	DefaultPortRangeHi = 40000

	// DefaultGraceWindow is the delay between requesting shutdown and the
	// first cleanup liveness check, and between successive checks.
	DefaultGraceWindow = 10 * time.Minute

	// DefaultCleanupMaxAttempts bounds the cleanup poll loop. At the
	// default grace window this allows eight hours for a domain to stop
	// before the run is surfaced as a cleanup failure.
	DefaultCleanupMaxAttempts = 48

	// DefaultDiskCapacityGB is the virtual size of an instance volume.
	DefaultDiskCapacityGB = 20
)

// Config is the daemon configuration.
type Config struct {
	// DatabasePath locates the sqlite ledger file.
	DatabasePath string `yaml:"database_path"`

	// LibvirtSocket is the libvirt UNIX socket path. Empty selects the
	// default system socket.
	LibvirtSocket string `yaml:"libvirt_socket,omitempty"`
	// LibvirtTimeout bounds each libvirt dial. Zero selects the default.
	LibvirtTimeout time.Duration `yaml:"libvirt_timeout,omitempty"`

	// PoolName and PoolPath identify the directory-backed storage pool
	// that holds every instance volume.
	PoolName string `yaml:"pool_name,omitempty"`
	PoolPath string `yaml:"pool_path,omitempty"`

	// BaseImagePath is the read-only qcow2 image every instance disk is
	// derived from.
	BaseImagePath string `yaml:"base_image_path"`

	// DiskCapacityGB is the virtual size of each instance volume.
	DiskCapacityGB uint64 `yaml:"disk_capacity_gb,omitempty"`

	// WorkDir is the parent of per-run directories shared into guests.
	WorkDir string `yaml:"work_dir"`

	// SSHHost is the externally reachable address guests report for
	// connecting back through the forwarded port.
	SSHHost string `yaml:"ssh_host"`
	// SSHUser is the fixed guest login name.
	SSHUser string `yaml:"ssh_user,omitempty"`

	// SecretsPath and AuthorizedKeysPath are guest filesystem paths for
	// offline injection.
	SecretsPath        string `yaml:"secrets_path,omitempty"`
	AuthorizedKeysPath string `yaml:"authorized_keys_path,omitempty"`

	// PortRangeLo and PortRangeHi bound SSH forward port allocation.
	// Collisions inside the range are possible and not checked.
	PortRangeLo int `yaml:"port_range_lo,omitempty"`
	PortRangeHi int `yaml:"port_range_hi,omitempty"`

	// GraceWindow is the delay before and between cleanup liveness checks.
	GraceWindow time.Duration `yaml:"grace_window,omitempty"`
	// CleanupMaxAttempts bounds cleanup polling before the run is marked
	// as a cleanup failure.
	CleanupMaxAttempts int `yaml:"cleanup_max_attempts,omitempty"`
}

// LoadFromFile loads the daemon configuration from a YAML file. If
// envFile is non-empty it is parsed as a dotenv file first and its
// values overlay the matching fields after the YAML is read.
func LoadFromFile(path, envFile string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := LoadFromYAML(data)
	if err != nil {
		return nil, err
	}

	if envFile != "" {
		overrides, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", envFile, err)
		}
		cfg.applyOverrides(overrides)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromYAML parses a configuration from YAML bytes and applies
// defaults. Validation is the caller's responsibility.
func LoadFromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PoolName == "" {
		c.PoolName = DefaultPoolName
	}
	if c.PoolPath == "" {
		c.PoolPath = DefaultPoolPath
	}
	if c.SSHUser == "" {
		c.SSHUser = "root"
	}
	if c.SecretsPath == "" {
		c.SecretsPath = DefaultSecretsPath
	}
	if c.AuthorizedKeysPath == "" {
		c.AuthorizedKeysPath = DefaultAuthorizedKeysPath
	}
	if c.PortRangeLo == 0 {
		c.PortRangeLo = DefaultPortRangeLo
	}
	if c.PortRangeHi == 0 {
		c.PortRangeHi = DefaultPortRangeHi
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = DefaultGraceWindow
	}
	if c.CleanupMaxAttempts == 0 {
		c.CleanupMaxAttempts = DefaultCleanupMaxAttempts
	}
	if c.DiskCapacityGB == 0 {
		c.DiskCapacityGB = DefaultDiskCapacityGB
	}
}

// applyOverrides applies dotenv values over the loaded configuration.
// Only deployment-specific fields are overridable.
func (c *Config) applyOverrides(env map[string]string) {
	if v, ok := env["BIVOUAC_DATABASE_PATH"]; ok {
		c.DatabasePath = v
	}
	if v, ok := env["BIVOUAC_LIBVIRT_SOCKET"]; ok {
		c.LibvirtSocket = v
	}
	if v, ok := env["BIVOUAC_SSH_HOST"]; ok {
		c.SSHHost = v
	}
	if v, ok := env["BIVOUAC_BASE_IMAGE"]; ok {
		c.BaseImagePath = v
	}
	if v, ok := env["BIVOUAC_WORK_DIR"]; ok {
		c.WorkDir = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.BaseImagePath == "" {
		return fmt.Errorf("base_image_path is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.SSHHost == "" {
		return fmt.Errorf("ssh_host is required")
	}
	if c.PortRangeLo <= 0 || c.PortRangeHi > 65535 {
		return fmt.Errorf("port range must be within 1-65535, got %d-%d", c.PortRangeLo, c.PortRangeHi)
	}
	if c.PortRangeLo >= c.PortRangeHi {
		return fmt.Errorf("port_range_lo must be below port_range_hi, got %d-%d", c.PortRangeLo, c.PortRangeHi)
	}
	if c.GraceWindow < 0 {
		return fmt.Errorf("grace_window must not be negative, got %s", c.GraceWindow)
	}
	if c.CleanupMaxAttempts <= 0 {
		return fmt.Errorf("cleanup_max_attempts must be > 0, got %d", c.CleanupMaxAttempts)
	}
	return nil
}
