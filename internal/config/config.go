// Package config loads the reconciler settings from the environment and an
// optional dotenv file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/isometry/adblocker/internal/blocking"
	"github.com/isometry/adblocker/internal/ldap"
	"github.com/isometry/adblocker/internal/workflow"
)

const (
	// Prefix is prepended to every environment variable.
	Prefix = "ADBLOCKER"

	// DefaultEnvFile is read when present and no other file is given.
	DefaultEnvFile = "adblocker.env"
)

// Config holds all configuration for the reconciler.
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"production"`
	JobName     string `envconfig:"JOB_NAME" default:"adblocker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON     bool   `envconfig:"LOG_JSON" default:"false"`

	API     APIConfig     `envconfig:"API"`
	AD      ADConfig      `envconfig:"AD"`
	Metrics MetricsConfig `envconfig:"METRICS"`
}

// APIConfig configures the remote workflow API client.
type APIConfig struct {
	URL             string        `envconfig:"URL"`
	AppID           string        `envconfig:"APP_ID"`
	AppSecret       string        `envconfig:"APP_SECRET"`
	PinnedPublicKey string        `envconfig:"PINNED_PUBLIC_KEY"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"100s"`
}

// ADConfig configures the directory connection and the blocking strategy.
type ADConfig struct {
	Domain        string        `envconfig:"DOMAIN"`
	LDAPURLs      []string      `envconfig:"LDAP_URLS"`
	BaseDN        string        `envconfig:"BASE_DN"`
	Username      string        `envconfig:"USERNAME"`
	Password      string        `envconfig:"PASSWORD"`
	UseTLS        bool          `envconfig:"USE_TLS" default:"true"`
	SkipTLSVerify bool          `envconfig:"SKIP_TLS_VERIFY" default:"false"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"30s"`

	KerberosRealm  string `envconfig:"KERBEROS_REALM"`
	KerberosKeytab string `envconfig:"KERBEROS_KEYTAB"`
	KerberosConfig string `envconfig:"KERBEROS_CONFIG"`
	KerberosCCache string `envconfig:"KERBEROS_CCACHE"`
	KerberosSPN    string `envconfig:"KERBEROS_SPN"`

	// UpdateField selects attribute based blocking when set.
	UpdateField             string `envconfig:"UPDATE_FIELD"`
	UpdateFieldEnableValue  string `envconfig:"UPDATE_FIELD_ENABLE_VALUE"`
	UpdateFieldDisableValue string `envconfig:"UPDATE_FIELD_DISABLE_VALUE"`
}

// MetricsConfig configures metric delivery.
type MetricsConfig struct {
	PushgatewayURL string `envconfig:"PUSHGATEWAY_URL"`
}

// Load reads envFile (or DefaultEnvFile when envFile is empty and the file
// exists), then the process environment, and validates the result. Variables
// already set in the environment take precedence over the file.
func Load(envFile string) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(DefaultEnvFile); err != nil {
			return nil
		}
		path = DefaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return nil
}

// Validate checks for missing or contradictory settings.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.API.URL) == "" {
		errs = append(errs, fmt.Errorf("%s_API_URL is required", Prefix))
	}
	if strings.TrimSpace(c.AD.Domain) == "" && len(c.AD.LDAPURLs) == 0 {
		errs = append(errs, fmt.Errorf("%s_AD_DOMAIN or %s_AD_LDAP_URLS is required", Prefix, Prefix))
	}
	if !c.IsLocal() && strings.TrimSpace(c.API.PinnedPublicKey) == "" {
		errs = append(errs, fmt.Errorf("%s_API_PINNED_PUBLIC_KEY is required outside the %q environment", Prefix, workflow.LocalEnvironment))
	}

	if c.Blocking().AttributeBased() {
		if c.AD.UpdateFieldEnableValue == "" {
			errs = append(errs, fmt.Errorf("%s_AD_UPDATE_FIELD_ENABLE_VALUE is required with %s_AD_UPDATE_FIELD", Prefix, Prefix))
		}
		if c.AD.UpdateFieldDisableValue == "" {
			errs = append(errs, fmt.Errorf("%s_AD_UPDATE_FIELD_DISABLE_VALUE is required with %s_AD_UPDATE_FIELD", Prefix, Prefix))
		}
	}

	if c.AD.Username != "" && c.AD.Password == "" && c.AD.KerberosRealm == "" {
		errs = append(errs, fmt.Errorf("%s_AD_PASSWORD is required with %s_AD_USERNAME unless Kerberos is configured", Prefix, Prefix))
	}

	return errors.Join(errs...)
}

// IsLocal reports whether the environment is the local development one.
func (c *Config) IsLocal() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), workflow.LocalEnvironment)
}

// LDAP returns the directory connection settings.
func (c *Config) LDAP() *ldap.ConnectionConfig {
	cfg := ldap.DefaultConfig()
	cfg.Domain = c.AD.Domain
	cfg.LDAPURLs = c.AD.LDAPURLs
	cfg.BaseDN = c.AD.BaseDN
	cfg.Username = c.AD.Username
	cfg.Password = c.AD.Password
	cfg.UseTLS = c.AD.UseTLS
	cfg.SkipTLSVerify = c.AD.SkipTLSVerify
	cfg.KerberosRealm = c.AD.KerberosRealm
	cfg.KerberosKeytab = c.AD.KerberosKeytab
	cfg.KerberosConfig = c.AD.KerberosConfig
	cfg.KerberosCCache = c.AD.KerberosCCache
	cfg.KerberosSPN = c.AD.KerberosSPN
	if c.AD.Timeout > 0 {
		cfg.Timeout = c.AD.Timeout
	}
	return cfg
}

// Directory returns the user lookup settings. The update field is fetched
// together with every user.
func (c *Config) Directory() ldap.DirectoryConfig {
	cfg := ldap.DirectoryConfig{
		BaseDN:  c.AD.BaseDN,
		Domain:  c.AD.Domain,
		Timeout: c.AD.Timeout,
	}
	if field := strings.TrimSpace(c.AD.UpdateField); field != "" {
		cfg.Attributes = []string{field}
	}
	return cfg
}

// Blocking returns the strategy settings.
func (c *Config) Blocking() blocking.Config {
	return blocking.Config{
		UpdateField:  c.AD.UpdateField,
		EnableValue:  c.AD.UpdateFieldEnableValue,
		DisableValue: c.AD.UpdateFieldDisableValue,
	}
}

// Workflow returns the remote API client settings.
func (c *Config) Workflow() workflow.Config {
	return workflow.Config{
		BaseURL:         c.API.URL,
		AppID:           c.API.AppID,
		AppSecret:       c.API.AppSecret,
		Environment:     c.Environment,
		PinnedPublicKey: c.API.PinnedPublicKey,
		Timeout:         c.API.Timeout,
	}
}

// Tags identify this job in error reports.
func (c *Config) Tags() []string {
	return []string{c.JobName, c.Environment}
}

// LogFields summarises the configuration for logs without secrets.
func (c *Config) LogFields() []any {
	strategy := "expiration"
	if c.Blocking().AttributeBased() {
		strategy = "attribute"
	}
	return []any{
		"environment", c.Environment,
		"job", c.JobName,
		"api_url", c.API.URL,
		"pinning", c.Workflow().PinningEnabled(),
		"ad_domain", c.AD.Domain,
		"ldap_urls", c.AD.LDAPURLs,
		"strategy", strategy,
		"update_field", c.AD.UpdateField,
		"pushgateway", c.Metrics.PushgatewayURL != "",
	}
}
