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

// Package auth implements request authentication in two mutually
// exclusive modes: a built-in username/password mode issuing HS256
// tokens, and an external OIDC mode verifying RS256 tokens against the
// IdP's published JWKS.
package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider selects the authentication mode.
type Provider string

const (
	// ProviderSapporo is the built-in local mode.
	ProviderSapporo Provider = "sapporo"
	// ProviderExternal verifies tokens issued by an external OIDC IdP.
	ProviderExternal Provider = "external"
)

// DefaultSecretKey is the bundled placeholder secret. Startup in
// non-debug mode refuses to run with it.
const DefaultSecretKey = "sapporo_secret_key_please_change_this"

// minSecretLen is the minimum secret length accepted outside debug mode.
const minSecretLen = 32

// minSecretEntropy is the minimum Shannon entropy (bits per byte)
// accepted for the HS256 secret outside debug mode.
const minSecretEntropy = 3.0

// User is one local-mode account. Password holds an Argon2id hash
// ($argon2id$...); a plaintext value is accepted in debug mode only.
type User struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// SapporoAuthConfig configures the built-in mode.
type SapporoAuthConfig struct {
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	// ExpiresDeltaHours is the token lifetime. nil means non-expiring,
	// which is accepted in debug mode only.
	ExpiresDeltaHours *int   `json:"expires_delta_hours" yaml:"expires_delta_hours"`
	Users             []User `json:"users" yaml:"users"`
}

// ExternalConfig configures OIDC verification.
type ExternalConfig struct {
	IdpURL       string `json:"idp_url" yaml:"idp_url"`
	JWTAudience  string `json:"jwt_audience" yaml:"jwt_audience"`
	ClientMode   string `json:"client_mode" yaml:"client_mode"`
	ClientID     string `json:"client_id" yaml:"client_id"`
	ClientSecret string `json:"client_secret" yaml:"client_secret"`
}

// Config is the auth-config file.
type Config struct {
	AuthEnabled       bool              `json:"auth_enabled" yaml:"auth_enabled"`
	IdpProvider       Provider          `json:"idp_provider" yaml:"idp_provider"`
	SapporoAuthConfig SapporoAuthConfig `json:"sapporo_auth_config" yaml:"sapporo_auth_config"`
	ExternalConfig    ExternalConfig    `json:"external_config" yaml:"external_config"`
}

// DefaultConfig returns a disabled-auth configuration.
func DefaultConfig() *Config {
	return &Config{
		AuthEnabled: false,
		IdpProvider: ProviderSapporo,
	}
}

// LoadConfig reads an auth-config file. The format is chosen by
// extension: .yaml/.yml for YAML, anything else JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth config: %w", err)
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse auth config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse auth config: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks the configuration for startup. Violations are fatal:
// the daemon must refuse to start rather than run with weak auth.
func (c *Config) Validate(debug bool) error {
	if !c.AuthEnabled {
		return nil
	}
	switch c.IdpProvider {
	case ProviderSapporo:
		return c.validateSapporo(debug)
	case ProviderExternal:
		return c.validateExternal(debug)
	default:
		return fmt.Errorf("unknown idp_provider %q", c.IdpProvider)
	}
}

func (c *Config) validateSapporo(debug bool) error {
	sc := c.SapporoAuthConfig
	if len(sc.Users) == 0 {
		return fmt.Errorf("sapporo_auth_config.users must not be empty")
	}
	if sc.ExpiresDeltaHours == nil && !debug {
		return fmt.Errorf("non-expiring tokens (expires_delta_hours: null) are allowed in debug mode only")
	}
	if sc.ExpiresDeltaHours != nil && *sc.ExpiresDeltaHours <= 0 {
		return fmt.Errorf("expires_delta_hours must be positive")
	}
	if debug {
		return nil
	}
	if sc.SecretKey == DefaultSecretKey {
		return fmt.Errorf("secret_key is the bundled default; set a real secret")
	}
	if len(sc.SecretKey) < minSecretLen {
		return fmt.Errorf("secret_key must be at least %d bytes", minSecretLen)
	}
	if shannonEntropy(sc.SecretKey) < minSecretEntropy {
		return fmt.Errorf("secret_key has too little entropy; use a randomly generated secret")
	}
	for _, u := range sc.Users {
		if !strings.HasPrefix(u.Password, "$argon2id$") {
			return fmt.Errorf("user %q: password must be an Argon2id hash outside debug mode", u.Username)
		}
	}
	return nil
}

func (c *Config) validateExternal(debug bool) error {
	ec := c.ExternalConfig
	if ec.IdpURL == "" {
		return fmt.Errorf("external_config.idp_url is required")
	}
	u, err := url.Parse(ec.IdpURL)
	if err != nil {
		return fmt.Errorf("external_config.idp_url: %w", err)
	}
	if u.Scheme != "https" {
		insecureOK := debug && os.Getenv("SAPPORO_ALLOW_INSECURE_IDP") == "true"
		if !insecureOK {
			return fmt.Errorf("external_config.idp_url must use https")
		}
	}
	if ec.JWTAudience == "" {
		return fmt.Errorf("external_config.jwt_audience is required")
	}
	return nil
}

// shannonEntropy returns the Shannon entropy of s in bits per byte.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var freq [256]int
	for i := 0; i < len(s); i++ {
		freq[s[i]]++
	}
	var entropy float64
	total := float64(len(s))
	for _, n := range freq {
		if n == 0 {
			continue
		}
		p := float64(n) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
