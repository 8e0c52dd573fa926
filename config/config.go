// Package config holds the resolved, validated settings of a shipper instance.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/newrelic/newrelic-client-go/v2/pkg/region"
	"gopkg.in/yaml.v3"

	"github.com/newrelic/newrelic-logs-shipper/common"
)

// ErrConfiguration is wrapped by every error that makes a configuration unusable.
var ErrConfiguration = errors.New("configuration error")

// Config is the configuration of one shipper instance. It is treated as
// immutable once handed to a dispatcher.
type Config struct {
	// BaseURI is the Logs API endpoint. When empty it is derived from Region.
	BaseURI string `yaml:"base_uri"`
	// Region is the New Relic region (us, eu, staging).
	Region string `yaml:"region"`

	// APIKey is sent as X-Insert-Key and takes precedence over LicenseKey.
	APIKey string `yaml:"api_key"`
	// LicenseKey is sent as X-License-Key.
	LicenseKey string `yaml:"license_key"`
	// LicenseKeySecretOCID names an OCI Vault secret holding the license key.
	LicenseKeySecretOCID string `yaml:"license_key_secret_ocid"`
	// VaultRegion is the OCI region of LicenseKeySecretOCID.
	VaultRegion string `yaml:"vault_region"`

	MaxRetries int `yaml:"max_retries"`
	// Delays are decoded by UnmarshalYAML so that files accept the same
	// values as the environment.
	RetryDelay         time.Duration `yaml:"-"`
	MaxDelay           time.Duration `yaml:"-"`
	RequestTimeout     time.Duration `yaml:"-"`
	ConcurrentRequests int           `yaml:"concurrent_requests"`

	// CustomAttributes are added to the common attributes of every payload.
	CustomAttributes map[string]string `yaml:"custom_attributes"`

	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with default values.
func Default() Config {
	return Config{
		MaxRetries:         common.DefaultMaxRetries,
		RetryDelay:         common.DefaultRetryDelay,
		MaxDelay:           common.DefaultMaxDelay,
		RequestTimeout:     common.DefaultRequestTimeout,
		ConcurrentRequests: common.DefaultConcurrentRequests,
	}
}

// Load reads a YAML file on top of Default. Fields absent from the file keep
// their default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	return cfg, nil
}

// Duration decodes a YAML scalar with ParseDuration, so both "1.5s" and a
// plain number of seconds are accepted.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Fields absent from node keep
// their current value.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type plain Config
	if err := node.Decode((*plain)(c)); err != nil {
		return err
	}

	var delays struct {
		RetryDelay     *Duration `yaml:"retry_delay"`
		MaxDelay       *Duration `yaml:"max_delay"`
		RequestTimeout *Duration `yaml:"request_timeout"`
	}
	if err := node.Decode(&delays); err != nil {
		return err
	}
	if delays.RetryDelay != nil {
		c.RetryDelay = time.Duration(*delays.RetryDelay)
	}
	if delays.MaxDelay != nil {
		c.MaxDelay = time.Duration(*delays.MaxDelay)
	}
	if delays.RequestTimeout != nil {
		c.RequestTimeout = time.Duration(*delays.RequestTimeout)
	}
	return nil
}

// FromEnv returns Default overridden by the environment.
func FromEnv() (Config, error) {
	cfg := Default()
	err := cfg.ApplyEnv()
	return cfg, err
}

// ApplyEnv overrides fields with the environment variables that are set.
func (c *Config) ApplyEnv() error {
	setString(&c.BaseURI, common.NewRelicLogsEndpoint)
	setString(&c.Region, common.NewRelicRegion)
	setString(&c.APIKey, common.EnvAPIKey)
	setString(&c.LicenseKey, common.EnvLicenseKey)
	setString(&c.LicenseKeySecretOCID, common.SecretOCID)
	setString(&c.VaultRegion, common.VaultRegion)

	if v := os.Getenv(common.EnvMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, common.EnvMaxRetries, v)
		}
		c.MaxRetries = n
	}
	if v := os.Getenv(common.EnvConcurrentRequests); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrConfiguration, common.EnvConcurrentRequests, v)
		}
		c.ConcurrentRequests = n
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{common.EnvRetryDelay, &c.RetryDelay},
		{common.EnvMaxDelay, &c.MaxDelay},
		{common.EnvRequestTimeout, &c.RequestTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfiguration, d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv(common.CustomMetaData); v != "" {
		attrs, err := ParseCustomMetaData(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfiguration, common.CustomMetaData, err)
		}
		c.CustomAttributes = attrs
	}

	if os.Getenv(common.DebugEnabled) == "true" {
		c.Debug = true
	}
	return nil
}

// ResolveEndpoint fills BaseURI from Region when no endpoint is configured.
func (c *Config) ResolveEndpoint() error {
	if c.BaseURI != "" {
		return nil
	}

	name := region.US
	if c.Region != "" {
		parsed, err := region.Parse(c.Region)
		if err != nil {
			return fmt.Errorf("%w: unknown region %q", ErrConfiguration, c.Region)
		}
		name = parsed
	}

	reg, err := region.Get(name)
	if err != nil {
		return fmt.Errorf("%w: region %q: %v", ErrConfiguration, c.Region, err)
	}
	c.BaseURI = reg.LogsURL()
	return nil
}

// Validate reports the first problem that makes c unusable. Every returned
// error wraps ErrConfiguration.
func (c Config) Validate() error {
	if c.BaseURI == "" {
		return fmt.Errorf("%w: base_uri is required", ErrConfiguration)
	}
	u, err := url.Parse(c.BaseURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base_uri %q is not an absolute URL", ErrConfiguration, c.BaseURI)
	}
	if _, _, err := c.Credential(); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative, got %d", ErrConfiguration, c.MaxRetries)
	}
	if c.RetryDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", ErrConfiguration)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: request_timeout must not be negative", ErrConfiguration)
	}
	if c.ConcurrentRequests < 1 {
		return fmt.Errorf("%w: concurrent_requests must be at least 1, got %d", ErrConfiguration, c.ConcurrentRequests)
	}
	return nil
}

// Credential returns the authentication header and its value. The api key
// wins when both credentials are configured.
func (c Config) Credential() (header, value string, err error) {
	switch {
	case c.APIKey != "":
		return common.HeaderInsertKey, c.APIKey, nil
	case c.LicenseKey != "":
		return common.HeaderLicenseKey, c.LicenseKey, nil
	default:
		return "", "", fmt.Errorf("%w: either api_key or license_key must be set", ErrConfiguration)
	}
}

// ParseDuration accepts Go durations ("1.5s") and plain numbers of seconds ("2").
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ParseCustomMetaData parses either a JSON object of strings or a
// comma separated list of key=value pairs.
func ParseCustomMetaData(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	attrs := map[string]string{}
	if strings.HasPrefix(s, "{") {
		if err := json.Unmarshal([]byte(s), &attrs); err != nil {
			return nil, err
		}
		return attrs, nil
	}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid pair %q, expected key=value", pair)
		}
		attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return attrs, nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
