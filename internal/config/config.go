// Copyright 2026 The Sapporo-WES Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the service configuration: command-line flags,
// their SAPPORO_* environment fallbacks, and the loaders for the
// service-info and executable-workflows files.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment fallback of a flag.
const EnvPrefix = "SAPPORO_"

// Config is the resolved service configuration.
type Config struct {
	Host  string
	Port  int
	Debug bool

	// RunDir is the base directory of all run directories.
	RunDir string

	// ServiceInfoPath points at the service-info JSON or YAML file.
	// Empty means the built-in default document.
	ServiceInfoPath string

	// ExecutableWorkflowsPath points at the workflow whitelist file.
	// Empty means no restriction.
	ExecutableWorkflowsPath string

	// RunSh is the dispatcher script forked for each run.
	RunSh string

	// AuthConfigPath points at the auth configuration JSON or YAML file.
	// Empty means authentication disabled.
	AuthConfigPath string

	// URLPrefix is prepended to every route, e.g. "/ga4gh/wes/v1".
	URLPrefix string

	// BaseURL overrides the advertised external URL. Empty derives
	// http://{host}:{port}.
	BaseURL string

	AllowOrigin string

	// RunRemoveOlderThanDays enables age-based run cleanup when >= 1.
	RunRemoveOlderThanDays int

	// SnapshotIntervalMinutes is the index rebuild interval.
	SnapshotIntervalMinutes int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                    "127.0.0.1",
		Port:                    1122,
		RunDir:                  "./runs",
		RunSh:                   "./run.sh",
		AllowOrigin:             "*",
		SnapshotIntervalMinutes: 30,
	}
}

// RegisterFlags binds every configuration field to the flag set.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "Host address to bind")
	fs.IntVar(&c.Port, "port", c.Port, "Port to bind")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug mode (relaxed auth validation, verbose logs)")
	fs.StringVar(&c.RunDir, "run-dir", c.RunDir, "Base directory for run directories")
	fs.StringVar(&c.ServiceInfoPath, "service-info", c.ServiceInfoPath, "Path to the service-info JSON/YAML file")
	fs.StringVar(&c.ExecutableWorkflowsPath, "executable-workflows", c.ExecutableWorkflowsPath, "Path to the executable-workflows whitelist file")
	fs.StringVar(&c.RunSh, "run-sh", c.RunSh, "Dispatcher script forked for each run")
	fs.StringVar(&c.AuthConfigPath, "auth-config", c.AuthConfigPath, "Path to the auth configuration JSON/YAML file")
	fs.StringVar(&c.URLPrefix, "url-prefix", c.URLPrefix, "URL prefix for all routes")
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Externally visible base URL")
	fs.StringVar(&c.AllowOrigin, "allow-origin", c.AllowOrigin, "Access-Control-Allow-Origin header value")
	fs.IntVar(&c.RunRemoveOlderThanDays, "run-remove-older-than-days", c.RunRemoveOlderThanDays, "Remove run directories older than this many days (0 disables)")
	fs.IntVar(&c.SnapshotIntervalMinutes, "snapshot-interval", c.SnapshotIntervalMinutes, "Run index rebuild interval in minutes")
}

// ApplyEnv fills flags the command line left untouched from their
// SAPPORO_* environment variables. Priority is CLI > env > defaults.
func ApplyEnv(fs *pflag.FlagSet) error {
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		env := EnvPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(env)
		if !ok {
			return
		}
		if err := fs.Set(f.Name, val); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", env, err)
		}
	})
	return firstErr
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}
	if c.SnapshotIntervalMinutes < 1 {
		return fmt.Errorf("snapshot-interval must be >= 1, got %d", c.SnapshotIntervalMinutes)
	}
	if c.RunRemoveOlderThanDays < 0 {
		return fmt.Errorf("run-remove-older-than-days must be >= 1 when set, got %d", c.RunRemoveOlderThanDays)
	}
	if c.RunSh == "" {
		return fmt.Errorf("run-sh must not be empty")
	}
	if _, err := os.Stat(c.RunSh); err != nil {
		return fmt.Errorf("run-sh script %q: %w", c.RunSh, err)
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExternalBaseURL returns the advertised base URL without a trailing
// slash.
func (c *Config) ExternalBaseURL() string {
	base := c.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	return strings.TrimRight(base, "/")
}

// Endpoint returns the advertised base URL including the URL prefix.
// File URLs in outputs.json are rooted here.
func (c *Config) Endpoint() string {
	prefix := strings.Trim(c.URLPrefix, "/")
	if prefix == "" {
		return c.ExternalBaseURL()
	}
	return c.ExternalBaseURL() + "/" + prefix
}
