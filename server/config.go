package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Session and PKCE lifetimes are fixed by the login protocol, not configured.
const (
	SessionTTL         = 24 * time.Hour
	PendingAuthTTL     = 10 * time.Minute
	HandoffTicketTTL   = time.Minute
	DefaultHTTPTimeout = 10 * time.Second
	DefaultPort        = "3000"
	DefaultRedirectURI = "http://localhost:5173/api/auth/callback"
	DefaultFrontendURL = "http://localhost:5173/#/home"
)

// Ways of handing identity claims to the front end after login.
const (
	ClaimsDeliveryQuery  = "query"
	ClaimsDeliveryTicket = "ticket"
)

// Config captures the broker configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Keycloak KeycloakConfig `yaml:"keycloak"`
	Frontend FrontendConfig `yaml:"frontend"`
	Session  SessionConfig  `yaml:"session"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ServerConfig controls the listener.
type ServerConfig struct {
	Port               string    `yaml:"port"`
	LoginRatePerMinute int       `yaml:"login_rate_per_minute"`
	TLS                TLSConfig `yaml:"tls"`
}

// TLSConfig enables autocert when at least one domain is listed.
type TLSConfig struct {
	Domains         []string `yaml:"domains"`
	Email           string   `yaml:"email"`
	CacheDir        string   `yaml:"cache_dir"`
	HTTPListenAddr  string   `yaml:"http_listen_addr"`
	HTTPSListenAddr string   `yaml:"https_listen_addr"`
}

// KeycloakConfig locates the realm and holds the broker's credentials.
type KeycloakConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Realm         string        `yaml:"realm"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	AdminUsername string        `yaml:"admin_username"`
	AdminPassword string        `yaml:"admin_password"`
	RedirectURI   string        `yaml:"redirect_uri"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	VerifyIDToken bool          `yaml:"verify_id_token"`
}

// FrontendConfig describes where the browser lands after login and logout.
type FrontendConfig struct {
	URL            string `yaml:"url"`
	LogoutURL      string `yaml:"logout_url"`
	ClaimsDelivery string `yaml:"claims_delivery"`
}

// SessionConfig controls the session cookie.
type SessionConfig struct {
	Secret        string `yaml:"secret"`
	SecureCookies bool   `yaml:"secure_cookies"`
	CookieDomain  string `yaml:"cookie_domain"`
}

// AdminConfig tunes the admin API proxy.
type AdminConfig struct {
	// UserFilter is a query string applied to every user listing,
	// e.g. "email=@example.com".
	UserFilter string `yaml:"user_filter"`
}

// LoadConfig reads the optional YAML file, applies environment overrides and validates.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, ConfigurationError("read config", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, ConfigurationError("parse config", err)
		}
	}

	applyEnvOverrides(&cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:               DefaultPort,
			LoginRatePerMinute: 60,
			TLS: TLSConfig{
				CacheDir:        ".secrets/tls",
				HTTPListenAddr:  ":80",
				HTTPSListenAddr: ":443",
			},
		},
		Keycloak: KeycloakConfig{
			RedirectURI:   DefaultRedirectURI,
			HTTPTimeout:   DefaultHTTPTimeout,
			VerifyIDToken: true,
		},
		Frontend: FrontendConfig{
			URL:            DefaultFrontendURL,
			ClaimsDelivery: ClaimsDeliveryQuery,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// applyEnvOverrides recognises exactly the documented variables.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	overrides := map[string]func(string){
		"KEYCLOAK_BASE_URL":       func(v string) { cfg.Keycloak.BaseURL = strings.TrimSuffix(v, "/") },
		"KEYCLOAK_REALM":          func(v string) { cfg.Keycloak.Realm = v },
		"KEYCLOAK_CLIENT_ID":      func(v string) { cfg.Keycloak.ClientID = v },
		"KEYCLOAK_CLIENT_SECRET":  func(v string) { cfg.Keycloak.ClientSecret = v },
		"KEYCLOAK_ADMIN_USERNAME": func(v string) { cfg.Keycloak.AdminUsername = v },
		"KEYCLOAK_ADMIN_PASSWORD": func(v string) { cfg.Keycloak.AdminPassword = v },
		"PORT":                    func(v string) { cfg.Server.Port = v },
	}

	for key, fn := range overrides {
		if val, ok := lookup(key); ok && strings.TrimSpace(val) != "" {
			fn(strings.TrimSpace(val))
		}
	}
}

// Validate reports every missing or malformed setting at once.
func (c Config) Validate() error {
	var result *multierror.Error

	required := []struct {
		name  string
		value string
	}{
		{"KEYCLOAK_BASE_URL", c.Keycloak.BaseURL},
		{"KEYCLOAK_REALM", c.Keycloak.Realm},
		{"KEYCLOAK_CLIENT_ID", c.Keycloak.ClientID},
		{"KEYCLOAK_CLIENT_SECRET", c.Keycloak.ClientSecret},
		{"KEYCLOAK_ADMIN_USERNAME", c.Keycloak.AdminUsername},
		{"KEYCLOAK_ADMIN_PASSWORD", c.Keycloak.AdminPassword},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			result = multierror.Append(result, fmt.Errorf("%s is required", r.name))
		}
	}

	if c.Keycloak.BaseURL != "" && !isHTTPURL(c.Keycloak.BaseURL) {
		result = multierror.Append(result, fmt.Errorf("KEYCLOAK_BASE_URL must be an http(s) URL, got: %s", c.Keycloak.BaseURL))
	}
	if !isHTTPURL(c.Keycloak.RedirectURI) {
		result = multierror.Append(result, fmt.Errorf("keycloak.redirect_uri must be an http(s) URL, got: %s", c.Keycloak.RedirectURI))
	}
	if c.Keycloak.HTTPTimeout <= 0 {
		result = multierror.Append(result, errors.New("keycloak.http_timeout must be positive"))
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		result = multierror.Append(result, fmt.Errorf("PORT must be a number between 1 and 65535, got: %q", c.Server.Port))
	}

	if !isHTTPURL(c.Frontend.URL) {
		result = multierror.Append(result, fmt.Errorf("frontend.url must be an http(s) URL, got: %s", c.Frontend.URL))
	}
	if c.Frontend.LogoutURL != "" && !isHTTPURL(c.Frontend.LogoutURL) {
		result = multierror.Append(result, fmt.Errorf("frontend.logout_url must be an http(s) URL, got: %s", c.Frontend.LogoutURL))
	}
	switch c.Frontend.ClaimsDelivery {
	case ClaimsDeliveryQuery, ClaimsDeliveryTicket:
	default:
		result = multierror.Append(result, fmt.Errorf("frontend.claims_delivery must be %q or %q, got: %q", ClaimsDeliveryQuery, ClaimsDeliveryTicket, c.Frontend.ClaimsDelivery))
	}

	if c.Session.Secret != "" && len(c.Session.Secret) < 32 {
		result = multierror.Append(result, errors.New("session.secret must be at least 32 bytes"))
	}

	if c.Admin.UserFilter != "" {
		if _, err := url.ParseQuery(c.Admin.UserFilter); err != nil {
			result = multierror.Append(result, fmt.Errorf("admin.user_filter is not a valid query string: %w", err))
		}
	}

	if c.Server.LoginRatePerMinute < 0 {
		result = multierror.Append(result, errors.New("server.login_rate_per_minute must not be negative"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return ConfigurationError("invalid configuration", err)
	}
	return nil
}

// ListenAddr is the plain-HTTP listen address derived from PORT.
func (c Config) ListenAddr() string {
	return ":" + c.Server.Port
}

// TLSEnabled reports whether autocert should front the service.
func (c Config) TLSEnabled() bool {
	return len(c.Server.TLS.Domains) > 0
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
