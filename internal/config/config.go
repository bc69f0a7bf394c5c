// Package config provides YAML manifest loading and validation for the nodee
// runner.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level node manifest.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the listen address of the HTTP control plane
	// (e.g. "127.0.0.1:8372"). Defaults to "127.0.0.1:8372" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// DataDir is where nodee keeps its journal database and downloaded
	// service artifacts. Defaults to "/var/lib/nodee".
	DataDir string `yaml:"data_dir"`

	// Auth configures control-plane authentication. Optional; when the
	// public key path is empty the /api routes are unauthenticated.
	Auth AuthConfig `yaml:"auth"`

	// ZooKeeper configures cluster membership announcement. Optional; when
	// no servers are listed the node does not announce itself.
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`

	// Services is the list of services this node runs.
	Services []ServiceConfig `yaml:"services"`
}

// AuthConfig holds control-plane authentication settings.
type AuthConfig struct {
	// PublicKeyPath is the path to the PEM-encoded RSA public key used to
	// verify RS256 Bearer tokens on /api routes.
	PublicKeyPath string `yaml:"public_key_path"`
}

// ZooKeeperConfig holds cluster membership settings.
type ZooKeeperConfig struct {
	// Servers is the ZooKeeper ensemble, one "host:port" per entry.
	Servers []string `yaml:"servers"`

	// Path is the parent znode under which this node registers its
	// ephemeral member znode. Defaults to "/nodee/nodes".
	Path string `yaml:"path"`

	// SessionTimeoutSeconds is the ZooKeeper session timeout. Defaults to 10.
	SessionTimeoutSeconds int `yaml:"session_timeout_seconds"`
}

// ServiceConfig declares one managed service.
type ServiceConfig struct {
	// Name is the unique service identifier on this node. Required.
	Name string `yaml:"name"`

	// Command is the path of the binary to run. Required unless Artifact is
	// given, in which case it defaults to the installed artifact path.
	Command string `yaml:"command"`

	// Args are passed verbatim to the service binary.
	Args []string `yaml:"args"`

	// Artifact optionally tells nodee to download the service binary before
	// starting it.
	Artifact ArtifactConfig `yaml:"artifact"`

	// Capacity is the declared memory envelope the chore keeper judges this
	// service by. Required.
	Capacity CapacityConfig `yaml:"capacity"`
}

// ArtifactConfig describes a downloadable service binary.
type ArtifactConfig struct {
	// URL is the HTTP(S) location of the binary.
	URL string `yaml:"url"`

	// SHA256 is the expected hex digest of the binary. Required when URL is
	// set; a download whose digest differs is rejected.
	SHA256 string `yaml:"sha256"`
}

// CapacityConfig declares a service's memory envelope in pages, matching the
// units procfs reports, plus its operator-assigned value.
type CapacityConfig struct {
	// TypicalMemoryPages is the RSS expected in steady state. Required.
	TypicalMemoryPages uint64 `yaml:"typical_memory_pages"`

	// PeakMemoryPages is the RSS the service may legitimately reach under
	// load. Required; must be at least TypicalMemoryPages.
	PeakMemoryPages uint64 `yaml:"peak_memory_pages"`

	// Value is the service's relative worth; a higher value means the chore
	// keeper kills it later.
	Value int `yaml:"value"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads the YAML manifest at path, unmarshals it, applies defaults, and
// validates all required fields. The returned error describes every
// validation failure encountered.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8372"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/nodee"
	}
	if cfg.ZooKeeper.Path == "" {
		cfg.ZooKeeper.Path = "/nodee/nodes"
	}
	if cfg.ZooKeeper.SessionTimeoutSeconds == 0 {
		cfg.ZooKeeper.SessionTimeoutSeconds = 10
	}
}

// validate checks that all required fields are populated and consistent.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	seen := map[string]bool{}
	for i, s := range cfg.Services {
		prefix := fmt.Sprintf("services[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[s.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate service name %q", prefix, s.Name))
		}
		seen[s.Name] = true

		if s.Command == "" && s.Artifact.URL == "" {
			errs = append(errs, fmt.Errorf("%s: either command or artifact.url is required", prefix))
		}
		if s.Artifact.URL != "" && s.Artifact.SHA256 == "" {
			errs = append(errs, fmt.Errorf("%s: artifact.sha256 is required when artifact.url is set", prefix))
		}

		if s.Capacity.TypicalMemoryPages == 0 {
			errs = append(errs, fmt.Errorf("%s: capacity.typical_memory_pages is required", prefix))
		}
		if s.Capacity.PeakMemoryPages == 0 {
			errs = append(errs, fmt.Errorf("%s: capacity.peak_memory_pages is required", prefix))
		} else if s.Capacity.PeakMemoryPages < s.Capacity.TypicalMemoryPages {
			errs = append(errs, fmt.Errorf("%s: capacity.peak_memory_pages must be at least typical_memory_pages", prefix))
		}
	}

	if s := cfg.ZooKeeper.SessionTimeoutSeconds; s < 0 {
		errs = append(errs, fmt.Errorf("zookeeper.session_timeout_seconds must not be negative, got %d", s))
	}

	return errors.Join(errs...)
}
