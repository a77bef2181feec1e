// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads conductor configuration.
//
// Configuration comes from a single YAML file named by the
// WEAVE_CONFIG environment variable or the --config flag. There is no
// automatic discovery and environment variables never override file
// values; the only expansion performed is ${VAR} in paths.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the conductor's configuration.
type Config struct {
	// StateDir is the root of all persisted state: the keystore, the
	// app registry, and every cell's stores.
	StateDir string `yaml:"state_dir"`

	// AdminSocket is the unix socket path for the admin interface.
	AdminSocket string `yaml:"admin_socket"`

	// AppSockets are application-interface sockets attached at
	// startup. More can be attached at runtime over the admin
	// interface.
	AppSockets []string `yaml:"app_sockets,omitempty"`

	// PassphraseFile names a file holding the keystore passphrase.
	// Empty means prompt on the terminal. WEAVE_PASSPHRASE_FILE
	// overrides it.
	PassphraseFile string `yaml:"passphrase_file,omitempty"`

	// LogLevel is debug, info, warn, or error. WEAVE_LOG overrides it.
	LogLevel string `yaml:"log_level,omitempty"`
}

// Default returns the base configuration merged under the loaded file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "weave")
	return &Config{
		StateDir:    root,
		AdminSocket: filepath.Join(root, "admin.sock"),
		LogLevel:    "info",
	}
}

// Load reads the file named by WEAVE_CONFIG. Fails if it is unset.
func Load() (*Config, error) {
	path := os.Getenv("WEAVE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("WEAVE_CONFIG environment variable not set; " +
			"set it to the path of your weave.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads one configuration file, merging over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// WEAVE_ROOT refers to the (already expanded) state directory so
// socket paths can live under it.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.StateDir = expandVars(c.StateDir, vars)
	vars["WEAVE_ROOT"] = c.StateDir

	c.AdminSocket = expandVars(c.AdminSocket, vars)
	for i, socket := range c.AppSockets {
		c.AppSockets[i] = expandVars(socket, vars)
	}
	c.PassphraseFile = expandVars(c.PassphraseFile, vars)
}

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors, reporting all of them.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, fmt.Errorf("state_dir is required"))
	}
	if c.AdminSocket == "" {
		errs = append(errs, fmt.Errorf("admin_socket is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be debug, info, warn, or error", c.LogLevel))
	}
	return errors.Join(errs...)
}
