// Package config loads bcvk's on-disk configuration, following the
// LoadOrGenerate shape the teacher's service entrypoint calls into.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the full set of user-overridable defaults. Every field has a
// built-in default so a missing or partial file is never fatal.
type Config struct {
	LogLevel string `yaml:"logLevel"`

	// ContainerRuntime is the binary invoked by the Outer Runner's
	// os/exec fallback (4.F) when no podman API socket is reachable.
	ContainerRuntime string `yaml:"containerRuntime"`

	// LibvirtURI is the default hypervisor-manager connection URI,
	// overridable per command (§6 "Environment").
	LibvirtURI string `yaml:"libvirtUri"`

	// SupervisorImage is the image the Outer Runner starts the privileged
	// container from — bcvk's own packaged image, carrying this same
	// binary at /usr/bin/bcvk so it can re-exec itself as
	// internal-supervisor (§4.F, §9 "Cyclic inner-outer relationship").
	// This is never the target bootc image; that arrives as a bind mount
	// of its merged filesystem instead.
	SupervisorImage string `yaml:"supervisorImage"`

	// CacheDir is the per-user cache root (§9 "Global state").
	CacheDir string `yaml:"cacheDir"`

	// DefaultMemoryBytes and DefaultVCPUs are loaded and saved with the
	// config file; the run commands do not read them (their --memory and
	// --vcpus flags carry their own defaults).
	DefaultMemoryBytes uint64 `yaml:"defaultMemoryBytes"`
	DefaultVCPUs       uint   `yaml:"defaultVCPUs"`

	// ShutdownGraceEphemeral and ShutdownGracePersistent are the default
	// grace periods named in §5 "Cancellation semantics".
	ShutdownGraceEphemeralSeconds  int `yaml:"shutdownGraceEphemeralSeconds"`
	ShutdownGracePersistentSeconds int `yaml:"shutdownGracePersistentSeconds"`
}

func defaults() *Config {
	return &Config{
		LogLevel:                       "info",
		ContainerRuntime:               "podman",
		LibvirtURI:                     "qemu:///session",
		SupervisorImage:                "quay.io/cgwalters/bcvk:latest",
		DefaultMemoryBytes:             2 * 1024 * 1024 * 1024,
		DefaultVCPUs:                   2,
		ShutdownGraceEphemeralSeconds:  30,
		ShutdownGracePersistentSeconds: 60,
	}
}

// Path returns the default config file location, honoring XDG_CONFIG_HOME.
func Path() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "bcvk", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/bcvk/config.yaml"
	}
	return filepath.Join(home, ".config", "bcvk", "config.yaml")
}

// LoadOrGenerate reads path, merging onto the built-in defaults. If path
// does not exist, the defaults are written there (best-effort) and
// returned — mirroring the teacher's config.LoadOrGenerate call shape.
func LoadOrGenerate(path string) (*Config, error) {
	cfg := defaults()
	if cfg.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.CacheDir = filepath.Join(home, ".cache", "bcvk")
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// best-effort: an unwritable config dir still leaves cfg usable
		_ = writeDefault(path, cfg)
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func writeDefault(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) String() string {
	return fmt.Sprintf("runtime=%s libvirt=%s cache=%s", c.ContainerRuntime, c.LibvirtURI, c.CacheDir)
}
