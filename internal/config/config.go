package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	AuthModeDevelopment = "development"
	AuthModeJWT         = "jwt"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	AuthMode      string   `mapstructure:"AUTH_MODE"`
	StoreDriver   string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	SQLiteDSN     string   `mapstructure:"SQLITE_DSN"`
	AuthIssuer    string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string   `mapstructure:"AUTH_AUDIENCE"`
	AuthHMACKey   string   `mapstructure:"AUTH_HMAC_KEY"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	MaxUploadBytes int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ObjectStoreDir string        `mapstructure:"OBJECT_STORE_DIR"`
	URLSigningKey  string        `mapstructure:"URL_SIGNING_KEY"`
	PublicBaseURL  string        `mapstructure:"PUBLIC_BASE_URL"`
	SignedURLTTL   time.Duration `mapstructure:"SIGNED_URL_TTL"`

	WebhookURLs    []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret  string   `mapstructure:"WEBHOOK_SECRET"`
	PDFServiceURL  string   `mapstructure:"PDF_SERVICE_URL"`
	PDFTemplate    string   `mapstructure:"PDF_TEMPLATE"`
	SnapshotURLTTL time.Duration `mapstructure:"SNAPSHOT_URL_TTL"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`

	OutcomeRulesFile string   `mapstructure:"OUTCOME_RULES_FILE"`
	PrivilegedRoles  []string `mapstructure:"PRIVILEGED_ROLES"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_DSN",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_HMAC_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "MAX_UPLOAD_BYTES", "REQUEST_TIMEOUT",
	"OBJECT_STORE_DIR", "URL_SIGNING_KEY", "PUBLIC_BASE_URL", "SIGNED_URL_TTL",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "PDF_SERVICE_URL", "PDF_TEMPLATE", "SNAPSHOT_URL_TTL",
	"METRICS_ENABLED", "OUTCOME_RULES_FILE", "PRIVILEGED_ROLES",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SQLITE_DSN", "data/ocorrencias.sqlite")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 50)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("MAX_UPLOAD_BYTES", 20<<20)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("OBJECT_STORE_DIR", "data/objects")
	v.SetDefault("SIGNED_URL_TTL", "1h")
	v.SetDefault("SNAPSHOT_URL_TTL", "168h")
	v.SetDefault("PDF_TEMPLATE", "ocorrencia")
	v.SetDefault("PRIVILEGED_ROLES", "admin,quality_manager")
	v.SetDefault("METRICS_ENABLED", true)

	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// comma separated env values arrive as a single string
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	cfg.PrivilegedRoles = splitList(v.GetString("PRIVILEGED_ROLES"))

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	if cfg.ResolvedAuthMode() == AuthModeDevelopment {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running with development authentication.")
		log.Println("WARNING: Every request is accepted as dev-user with the admin role.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeDevelopment
	}
	return AuthModeJWT
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLiteDSN == "" {
			return fmt.Errorf("SQLITE_DSN is required when STORE_DRIVER is %q", DriverSQLite)
		}
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is single-tenant and not allowed in production", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case AuthModeDevelopment:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", AuthModeDevelopment)
		}
	case AuthModeJWT:
		if c.AuthJWKSURL == "" && c.AuthHMACKey == "" {
			return fmt.Errorf(
				"AUTH_JWKS_URL or AUTH_HMAC_KEY must be set when AUTH_MODE is %q (current ENV=%q). "+
					"Refusing to start without authentication configuration", AuthModeJWT, c.Env)
		}
		if c.AuthHMACKey != "" && len(c.AuthHMACKey) < 32 {
			return fmt.Errorf("AUTH_HMAC_KEY must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeDevelopment, AuthModeJWT, mode)
	}

	if c.IsProduction() && c.URLSigningKey == "" {
		return fmt.Errorf("URL_SIGNING_KEY is required in production")
	}
	if c.URLSigningKey != "" && len(c.URLSigningKey) < 16 {
		return fmt.Errorf("URL_SIGNING_KEY must be at least 16 bytes")
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTL must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}

	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("WEBHOOK_URLS entry %q is not an http(s) URL", raw)
		}
	}
	if c.PDFServiceURL != "" {
		if u, err := url.Parse(c.PDFServiceURL); err != nil || u.Host == "" {
			return fmt.Errorf("PDF_SERVICE_URL %q is not a valid URL", c.PDFServiceURL)
		}
	}

	if len(c.PrivilegedRoles) == 0 {
		return fmt.Errorf("PRIVILEGED_ROLES must name at least one role")
	}

	// When TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
