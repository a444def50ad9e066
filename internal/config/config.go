package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Backend types for the upstream FHIR store.
const (
	BackendHAPI = "HAPI"
	BackendGCP  = "GCP"
)

// Run modes. DEV relaxes issuer checking and permits the permissive checker.
const (
	RunModeProd = "PROD"
	RunModeDev  = "DEV"
)

type Config struct {
	Port                   string `mapstructure:"PORT"`
	RunMode                string `mapstructure:"RUN_MODE"`
	ProxyTo                string `mapstructure:"PROXY_TO"`
	TokenIssuer            string `mapstructure:"TOKEN_ISSUER"`
	WellKnownEndpoint      string `mapstructure:"WELL_KNOWN_ENDPOINT"`
	BackendType            string `mapstructure:"BACKEND_TYPE"`
	AccessChecker          string `mapstructure:"ACCESS_CHECKER"`
	AllowedQueriesFile     string `mapstructure:"ALLOWED_QUERIES_FILE"`
	PatientPathsFile       string `mapstructure:"PATIENT_PATHS_FILE"`
	AccessTokenEndpoint    string `mapstructure:"ACCESS_TOKEN_ENDPOINT"`
	ProxyToUsername        string `mapstructure:"PROXY_TO_USERNAME"`
	ProxyToPassword        string `mapstructure:"PROXY_TO_PASSWORD"`
	BaseURL                string `mapstructure:"BASE_URL"`
	UpstreamTimeoutSeconds int    `mapstructure:"UPSTREAM_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("RUN_MODE", RunModeProd)
	v.SetDefault("WELL_KNOWN_ENDPOINT", ".well-known/openid-configuration")
	v.SetDefault("BACKEND_TYPE", BackendHAPI)
	v.SetDefault("ACCESS_CHECKER", "list")
	v.SetDefault("UPSTREAM_TIMEOUT_SECONDS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("RUN_MODE")
	v.BindEnv("PROXY_TO")
	v.BindEnv("TOKEN_ISSUER")
	v.BindEnv("WELL_KNOWN_ENDPOINT")
	v.BindEnv("BACKEND_TYPE")
	v.BindEnv("ACCESS_CHECKER")
	v.BindEnv("ALLOWED_QUERIES_FILE")
	v.BindEnv("PATIENT_PATHS_FILE")
	v.BindEnv("ACCESS_TOKEN_ENDPOINT")
	v.BindEnv("PROXY_TO_USERNAME")
	v.BindEnv("PROXY_TO_PASSWORD")
	v.BindEnv("BASE_URL")
	v.BindEnv("UPSTREAM_TIMEOUT_SECONDS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Proxy is running in DEV mode (RUN_MODE=DEV).")
		log.Println("WARNING: Issuer checking is relaxed and the permissive access")
		log.Println("WARNING: checker may be enabled. Do NOT use this in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.RunMode == RunModeDev
}

// UpstreamBase returns the normalized upstream base URL with no trailing slash.
func (c *Config) UpstreamBase() string {
	return strings.TrimRight(c.ProxyTo, "/")
}

// PublicBase returns the proxy's own public base URL, defaulting to a
// localhost URL derived from PORT when BASE_URL is unset.
func (c *Config) PublicBase() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "http://localhost:" + c.Port
}

// Validate checks that the configuration is safe to run. PROXY_TO and
// TOKEN_ISSUER are always required; the permissive access checker is refused
// outside DEV mode so a misconfigured deployment cannot silently open up.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO is required")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}
	if c.RunMode != RunModeProd && c.RunMode != RunModeDev {
		return fmt.Errorf("RUN_MODE must be %q or %q, got %q", RunModeProd, RunModeDev, c.RunMode)
	}
	if c.BackendType != BackendHAPI && c.BackendType != BackendGCP {
		return fmt.Errorf("BACKEND_TYPE must be %q or %q, got %q", BackendHAPI, BackendGCP, c.BackendType)
	}
	if c.AccessChecker == "permissive" && !c.IsDev() {
		return fmt.Errorf(
			"ACCESS_CHECKER=permissive is only allowed when RUN_MODE=DEV. " +
				"Refusing to start a production proxy without an access policy")
	}
	if c.UpstreamTimeoutSeconds <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", c.UpstreamTimeoutSeconds)
	}
	return nil
}
