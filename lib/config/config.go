// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable [Load] reads.
const EnvConfig = "TAIRSEACH_CONFIG"

// Config is the broker configuration.
type Config struct {
	// SocketPath is the Unix socket the protocol server listens on.
	SocketPath string `yaml:"socket_path" validate:"required"`

	// StorePath is the encrypted token and credential store.
	StorePath string `yaml:"store_path" validate:"required"`

	// ManifestDirs are scanned recursively for manifest files. Earlier
	// directories win on duplicate manifest ids.
	ManifestDirs []string `yaml:"manifest_dirs" validate:"min=1,dive,required"`

	// WatchManifests enables hot reload when manifest files change.
	WatchManifests bool `yaml:"watch_manifests"`

	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// DispatchTimeout bounds proxy and script dispatches.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	Refresh RefreshConfig `yaml:"refresh"`

	// Permissions are the statuses served by the static permission
	// oracle, keyed by permission name.
	Permissions map[string]string `yaml:"permissions" validate:"dive,keys,required,endkeys,oneof=granted authorized denied not_determined notdetermined restricted unknown"`

	// PermissionsFile, when set, is a YAML map of permission statuses
	// loaded on top of Permissions.
	PermissionsFile string `yaml:"permissions_file"`

	// MethodPermissions are the protocol gate rules: method prefix to
	// permission name.
	MethodPermissions map[string]string `yaml:"method_permissions" validate:"dive,keys,required,endkeys,required"`

	// Providers configures OAuth providers by name.
	Providers map[string]ProviderConfig `yaml:"providers" validate:"dive"`
}

// RefreshConfig tunes token refresh.
type RefreshConfig struct {
	// Interval between background refresh sweeps.
	Interval time.Duration `yaml:"interval"`

	// Window is how close to expiry a token must be for a sweep to
	// refresh it.
	Window time.Duration `yaml:"window"`

	// ExpiryMargin is how close to expiry a token may be before a
	// request refreshes it first.
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
}

// ProviderConfig configures one OAuth provider. AuthURL and TokenURL
// may be omitted for providers with a built-in endpoint.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id" validate:"required"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url" validate:"omitempty,url"`
	AuthURL      string   `yaml:"auth_url" validate:"omitempty,url"`
	TokenURL     string   `yaml:"token_url" validate:"omitempty,url"`
	Scopes       []string `yaml:"scopes" validate:"dive,required"`
}

// Home returns the broker's base directory, ~/.tairseach.
func Home() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tairseach")
}

// Default returns the default configuration. Every field has a usable
// value; a config file only needs to name what it changes.
func Default() *Config {
	home := Home()
	return &Config{
		SocketPath:      filepath.Join(home, "tairseach.sock"),
		StorePath:       filepath.Join(home, "auth", "credentials.json"),
		ManifestDirs:    []string{filepath.Join(home, "manifests")},
		WatchManifests:  true,
		LogLevel:        "info",
		DispatchTimeout: 30 * time.Second,
		Refresh: RefreshConfig{
			Interval:     30 * time.Minute,
			Window:       10 * time.Minute,
			ExpiryMargin: 5 * time.Minute,
		},
	}
}

// Load loads the file named by TAIRSEACH_CONFIG, or returns Default
// when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfig)
	if configPath == "" {
		cfg := Default()
		cfg.expandVariables()
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default and expands
// variables in path fields. It does not validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults.
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":           os.Getenv("HOME"),
		"TAIRSEACH_HOME": Home(),
	}

	c.SocketPath = expandVars(c.SocketPath, vars)
	c.StorePath = expandVars(c.StorePath, vars)
	c.PermissionsFile = expandVars(c.PermissionsFile, vars)
	for index, dir := range c.ManifestDirs {
		c.ManifestDirs[index] = expandVars(dir, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Values in vars take
// precedence over the environment; an unset variable without a
// default expands to the empty string.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error

	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if !errors.As(err, &fieldErrors) {
			return fmt.Errorf("validating config: %w", err)
		}
		for _, fieldError := range fieldErrors {
			errs = append(errs, describeFieldError(fieldError))
		}
	}

	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch_timeout must be positive, got %s", c.DispatchTimeout))
	}
	if c.Refresh.Interval <= 0 {
		errs = append(errs, fmt.Errorf("refresh.interval must be positive, got %s", c.Refresh.Interval))
	}
	if c.Refresh.ExpiryMargin < 0 {
		errs = append(errs, fmt.Errorf("refresh.expiry_margin must not be negative, got %s", c.Refresh.ExpiryMargin))
	}
	if c.Refresh.Window < c.Refresh.ExpiryMargin {
		errs = append(errs, fmt.Errorf("refresh.window (%s) must be at least refresh.expiry_margin (%s)",
			c.Refresh.Window, c.Refresh.ExpiryMargin))
	}

	for _, path := range append([]string{c.SocketPath, c.StorePath}, c.ManifestDirs...) {
		if path != "" && !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("path %q must be absolute", path))
		}
	}
	if filepath.Clean(c.SocketPath) == filepath.Clean(c.StorePath) && c.SocketPath != "" {
		errs = append(errs, fmt.Errorf("socket_path and store_path are the same file %s", c.SocketPath))
	}

	for _, name := range sortedKeys(c.Providers) {
		provider := c.Providers[name]
		if name == "" {
			errs = append(errs, errors.New("providers: empty provider name"))
			continue
		}
		if (provider.AuthURL == "") != (provider.TokenURL == "") {
			errs = append(errs, fmt.Errorf("providers.%s: auth_url and token_url must be set together", name))
		}
	}

	return errors.Join(errs...)
}

// describeFieldError renders a validator failure with the YAML path
// of the field.
func describeFieldError(fieldError validator.FieldError) error {
	path := fieldError.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fieldError.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "min":
		return fmt.Errorf("%s needs at least %s entries", path, fieldError.Param())
	case "oneof":
		return fmt.Errorf("%s: %q is not one of %s", path, fieldError.Value(), fieldError.Param())
	case "url":
		return fmt.Errorf("%s: %q is not a valid URL", path, fieldError.Value())
	default:
		return fmt.Errorf("%s fails %s validation", path, fieldError.Tag())
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
