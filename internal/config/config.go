// Package config reads the service configuration from the environment.
//
// Configuration is loaded once in main and passed down by value. Nothing
// re-reads the environment after startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sakif/identity-service/internal/auth"
)

// Config is the full service configuration.
type Config struct {
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// DBPath is the SQLite file, used when DatabaseURL is empty.
	DBPath      string `env:"DB_PATH" envDefault:"data/identity.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	// RedisURL switches per-key locking from in-process to Redis leases.
	RedisURL string        `env:"REDIS_URL"`
	LockTTL  time.Duration `env:"LOCK_TTL" envDefault:"10s"`

	JWTSecret       string        `env:"JWT_SECRET,required,unset"`
	JWTIssuer       string        `env:"JWT_ISSUER" envDefault:"identity-service"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`

	DefaultRole      string        `env:"DEFAULT_ROLE" envDefault:"USER"`
	BcryptCost       int           `env:"BCRYPT_COST" envDefault:"12"`
	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration  time.Duration `env:"LOCKOUT_DURATION" envDefault:"15m"`

	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST" envDefault:"10"`

	GitHub OAuthClient `envPrefix:"GITHUB_"`
	Google OAuthClient `envPrefix:"GOOGLE_"`
	// ProvidersJSON lists extra OpenID Connect style providers, e.g.
	//   [{"name":"acme","clientId":"...","clientSecret":"...","redirectUrl":"...",
	//     "authUrl":"...","tokenUrl":"...","userInfoUrl":"...","scopes":["openid","email"]}]
	ProvidersJSON string `env:"OAUTH_PROVIDERS_JSON,unset"`
}

// OAuthClient is one built-in provider's registration. The provider is
// enabled when ClientID is set.
type OAuthClient struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET,unset"`
	RedirectURL  string `env:"REDIRECT_URL"`
}

func (c OAuthClient) Enabled() bool {
	return c.ClientID != ""
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with. All problems
// are reported at once.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Port))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat))
	}
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	} else if c.AccessTokenTTL >= c.RefreshTokenTTL {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be shorter than REFRESH_TOKEN_TTL"))
	}
	if strings.TrimSpace(c.DefaultRole) == "" {
		errs = append(errs, errors.New("DEFAULT_ROLE must not be empty"))
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("BCRYPT_COST %d is outside 4..31", c.BcryptCost))
	}
	if c.LockoutThreshold < 0 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must not be negative"))
	}
	if c.LockoutThreshold > 0 && c.LockoutDuration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION must be positive when lockout is enabled"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if c.RateLimitPerMinute <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be positive"))
	}
	if c.RedisURL != "" && c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if _, err := c.ExtraProviders(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LOG_LEVEL.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q is not a slog level", c.LogLevel)
	}
	return level, nil
}

// ExtraProviders decodes OAUTH_PROVIDERS_JSON.
func (c Config) ExtraProviders() ([]auth.ProviderConfig, error) {
	if strings.TrimSpace(c.ProvidersJSON) == "" {
		return nil, nil
	}
	var providers []auth.ProviderConfig
	if err := json.Unmarshal([]byte(c.ProvidersJSON), &providers); err != nil {
		return nil, fmt.Errorf("OAUTH_PROVIDERS_JSON: %w", err)
	}
	return providers, nil
}
