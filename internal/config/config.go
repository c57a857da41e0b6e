// Package config loads pkgbisect's YAML configuration file: the
// registry hostnames the proxy is allowed to serve, which package
// manager to default to, and where the bisect-run history database
// lives. Missing-file-is-defaults follows the same pattern
// internal/policy.Load uses in the teacher's sibling security-tooling
// repo for its own YAML policy file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

// RegistryHost pairs a hostname the package manager may be configured to
// talk to with its real upstream base URL.
type RegistryHost struct {
	Host     string `yaml:"host"`
	Upstream string `yaml:"upstream"`
}

// Config is pkgbisect's on-disk configuration.
type Config struct {
	// RegistryHosts lists every registry hostname the proxy should
	// recognize. Defaults to the public npm registry and the Yarn registry.
	RegistryHosts []RegistryHost `yaml:"registryHosts"`

	// PackageManager is "npm" or "yarn", used when --yarn is not passed.
	PackageManager string `yaml:"packageManager"`

	// CacheRoot is read from the config file but not used: per-probe
	// cache directories are always created under os.TempDir().
	CacheRoot string `yaml:"cacheRoot"`

	// HistoryDB is the path to the SQLite database backing `pkgbisect
	// history`. Empty means Dir()/history.db.
	HistoryDB string `yaml:"historyDB"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		RegistryHosts: []RegistryHost{
			{Host: "registry.npmjs.org", Upstream: "https://registry.npmjs.org"},
			{Host: "registry.yarnpkg.com", Upstream: "https://registry.yarnpkg.com"},
		},
		PackageManager: "npm",
	}
}

// Dir returns pkgbisect's config directory, respecting XDG_CONFIG_HOME,
// defaulting to ~/.config/pkgbisect otherwise.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: determine home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "pkgbisect"), nil
}

// Load reads {dir}/config.yaml. A missing file is not an error: Default
// is returned instead, so a first run needs no setup step.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, fileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.RegistryHosts) == 0 {
		cfg.RegistryHosts = Default().RegistryHosts
	}
	if cfg.PackageManager == "" {
		cfg.PackageManager = "npm"
	}
	return cfg, nil
}

// HistoryDBPath resolves HistoryDB against dir when unset.
func (c *Config) HistoryDBPath(dir string) string {
	if c.HistoryDB != "" {
		return c.HistoryDB
	}
	return filepath.Join(dir, "history.db")
}
