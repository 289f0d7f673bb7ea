// Package config loads process configuration from the environment and an optional .env
// file through Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the bridge process.
// All values must come from env (or .env). No business logic should depend on raw
// environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	NATS   NATSConfig
	Auth   AuthConfig
	Twilio TwilioConfig
	Telnyx TelnyxConfig
	Bridge BridgeConfig
	Relay  RelayConfig
	Usage  UsageConfig
}

type AppConfig struct {
	Env             string
	Port            int
	ShutdownTimeout time.Duration
}

// DBConfig is optional outside production; an empty Host disables Postgres.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	MaxOpenConns int
	AutoMigrate  bool
}

// RedisConfig is optional outside production; an empty Host disables Redis.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig is optional; an empty URL disables usage publication.
type NATSConfig struct {
	URL          string
	UsageSubject string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	APIBaseURL string
}

type TelnyxConfig struct {
	APIKey string
	// PublicKey is the base64 ed25519 key webhooks are signed with.
	PublicKey    string
	ConnectionID string
	FromNumber   string
	APIBaseURL   string
}

type BridgeConfig struct {
	// PublicBaseURL is scheme://host as the providers reach this process.
	PublicBaseURL string
	// MediaStreamURL is the wss:// base the providers stream media to; /<provider> is appended.
	MediaStreamURL string
	// AgentMediaURL is the agent websocket dialed for every bridged call.
	AgentMediaURL string

	DefaultProvider string

	EvictionGrace time.Duration
	SweepInterval time.Duration
	// StaleAfter fails calls that never reached media and saw no status change for this long.
	// 0 disables it.
	StaleAfter time.Duration

	// OutboundCallCap limits concurrent outbound calls per organization; 0 disables it.
	OutboundCallCap int

	// NumberMap is a static "e164=organization,..." directory used when no DB is configured.
	NumberMap           string
	DefaultOrganization string
	DirectoryCacheTTL   time.Duration

	// InsecureWebhooks accepts unsigned webhooks when no verification secret is set.
	// Refused in production.
	InsecureWebhooks bool
}

type RelayConfig struct {
	QueueSize       int
	WriteTimeout    time.Duration
	StallTimeout    time.Duration
	MaxWriteRetries int
	RetryBackoff    time.Duration
}

type UsageConfig struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ClaimTTL    time.Duration
}

// Load reads .env if present, then the environment. Env vars override .env.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	return FromViper(v)
}

// FromViper builds and validates a Config from v, with the environment taking precedence.
func FromViper(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	setDefaults(v)

	r := reader{v: v}
	c := Config{}

	c.App.Env = r.str("APP_ENV")
	c.App.Port = r.int("APP_PORT")
	c.App.ShutdownTimeout = r.duration("APP_SHUTDOWN_TIMEOUT")

	c.DB.Host = r.str("DB_HOST")
	c.DB.Port = r.int("DB_PORT")
	c.DB.User = r.str("DB_USER")
	c.DB.Password = r.secret("DB_PASSWORD")
	c.DB.Name = r.str("DB_NAME")
	c.DB.SSLMode = r.str("DB_SSLMODE")
	c.DB.MaxOpenConns = r.int("DB_MAX_OPEN_CONNS")
	c.DB.AutoMigrate = r.bool("DB_AUTO_MIGRATE")

	c.Redis.Host = r.str("REDIS_HOST")
	c.Redis.Port = r.int("REDIS_PORT")
	c.Redis.Password = r.secret("REDIS_PASSWORD")
	c.Redis.DB = r.int("REDIS_DB")

	c.NATS.URL = r.str("NATS_URL")
	c.NATS.UsageSubject = r.str("NATS_USAGE_SUBJECT")

	c.Auth.JWTSecret = r.secret("JWT_SECRET")
	c.Auth.JWTIssuer = r.str("JWT_ISSUER")
	c.Auth.JWTAudience = r.str("JWT_AUDIENCE")
	c.Auth.AccessTokenTTL = r.duration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = r.duration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = r.str("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = r.secret("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = r.str("TWILIO_FROM_NUMBER")
	c.Twilio.APIBaseURL = r.str("TWILIO_API_BASE_URL")

	c.Telnyx.APIKey = r.secret("TELNYX_API_KEY")
	c.Telnyx.PublicKey = r.str("TELNYX_PUBLIC_KEY")
	c.Telnyx.ConnectionID = r.str("TELNYX_CONNECTION_ID")
	c.Telnyx.FromNumber = r.str("TELNYX_FROM_NUMBER")
	c.Telnyx.APIBaseURL = r.str("TELNYX_API_BASE_URL")

	c.Bridge.PublicBaseURL = strings.TrimRight(r.str("PUBLIC_BASE_URL"), "/")
	c.Bridge.MediaStreamURL = strings.TrimRight(r.str("MEDIA_STREAM_URL"), "/")
	c.Bridge.AgentMediaURL = r.str("AGENT_MEDIA_URL")
	c.Bridge.DefaultProvider = strings.ToLower(r.str("DEFAULT_PROVIDER"))
	c.Bridge.EvictionGrace = r.duration("CALL_EVICTION_GRACE")
	c.Bridge.SweepInterval = r.duration("CALL_SWEEP_INTERVAL")
	c.Bridge.StaleAfter = r.duration("CALL_STALE_AFTER")
	c.Bridge.OutboundCallCap = r.int("OUTBOUND_CALL_CAP")
	c.Bridge.NumberMap = r.str("NUMBER_MAP")
	c.Bridge.DefaultOrganization = r.str("DEFAULT_ORGANIZATION_ID")
	c.Bridge.DirectoryCacheTTL = r.duration("DIRECTORY_CACHE_TTL")
	c.Bridge.InsecureWebhooks = r.bool("WEBHOOKS_INSECURE")

	c.Relay.QueueSize = r.int("RELAY_QUEUE_SIZE")
	c.Relay.WriteTimeout = r.duration("RELAY_WRITE_TIMEOUT")
	c.Relay.StallTimeout = r.duration("RELAY_STALL_TIMEOUT")
	c.Relay.MaxWriteRetries = r.int("RELAY_MAX_WRITE_RETRIES")
	c.Relay.RetryBackoff = r.duration("RELAY_RETRY_BACKOFF")

	c.Usage.Workers = r.int("USAGE_WORKERS")
	c.Usage.QueueSize = r.int("USAGE_QUEUE_SIZE")
	c.Usage.MaxAttempts = r.int("USAGE_MAX_ATTEMPTS")
	c.Usage.BaseBackoff = r.duration("USAGE_BASE_BACKOFF")
	c.Usage.MaxBackoff = r.duration("USAGE_MAX_BACKOFF")
	c.Usage.ClaimTTL = r.duration("USAGE_CLAIM_TTL")

	if err := joinErrors(r.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("APP_SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("NATS_USAGE_SUBJECT", "telephony.usage")
	v.SetDefault("DEFAULT_PROVIDER", "twilio")
	v.SetDefault("CALL_EVICTION_GRACE", "60s")
	v.SetDefault("CALL_SWEEP_INTERVAL", "10s")
	v.SetDefault("CALL_STALE_AFTER", "2h")
	v.SetDefault("DIRECTORY_CACHE_TTL", "5m")
	v.SetDefault("RELAY_QUEUE_SIZE", 64)
	v.SetDefault("RELAY_WRITE_TIMEOUT", "2s")
	v.SetDefault("RELAY_STALL_TIMEOUT", "10s")
	v.SetDefault("RELAY_MAX_WRITE_RETRIES", 2)
	v.SetDefault("RELAY_RETRY_BACKOFF", "50ms")
	v.SetDefault("USAGE_WORKERS", 4)
	v.SetDefault("USAGE_QUEUE_SIZE", 1024)
	v.SetDefault("USAGE_MAX_ATTEMPTS", 5)
	v.SetDefault("USAGE_BASE_BACKOFF", "200ms")
	v.SetDefault("USAGE_MAX_BACKOFF", "10s")
	v.SetDefault("USAGE_CLAIM_TTL", "24h")
}

// Validate reports every problem at once and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 15 * time.Second
	}

	if c.DB.Enabled() {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("DB_HOST is required in production"))
	}

	if c.Redis.Enabled() {
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("REDIS_HOST is required in production"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Bridge.DefaultProvider == "" {
		c.Bridge.DefaultProvider = "twilio"
	}
	if c.Bridge.DefaultProvider != "twilio" && c.Bridge.DefaultProvider != "telnyx" {
		errs = append(errs, fmt.Errorf("DEFAULT_PROVIDER must be twilio or telnyx, got %q", c.Bridge.DefaultProvider))
	}
	if c.Bridge.PublicBaseURL != "" && !isAbsoluteURL(c.Bridge.PublicBaseURL, "http", "https") {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.Bridge.PublicBaseURL))
	}
	if c.Bridge.MediaStreamURL == "" && c.Bridge.PublicBaseURL != "" {
		c.Bridge.MediaStreamURL = deriveStreamURL(c.Bridge.PublicBaseURL)
	}
	if c.Bridge.MediaStreamURL != "" && !isAbsoluteURL(c.Bridge.MediaStreamURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("MEDIA_STREAM_URL must be an absolute ws(s) URL, got %q", c.Bridge.MediaStreamURL))
	}
	if c.Bridge.AgentMediaURL != "" && !isAbsoluteURL(c.Bridge.AgentMediaURL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("AGENT_MEDIA_URL must be an absolute ws(s) URL, got %q", c.Bridge.AgentMediaURL))
	}
	if c.Bridge.OutboundCallCap < 0 {
		errs = append(errs, errors.New("OUTBOUND_CALL_CAP must be >= 0"))
	}
	if c.Bridge.InsecureWebhooks && c.IsProduction() {
		errs = append(errs, errors.New("WEBHOOKS_INSECURE must not be true in production"))
	}

	if c.Relay.QueueSize < 0 || c.Relay.MaxWriteRetries < 0 {
		errs = append(errs, errors.New("RELAY_QUEUE_SIZE and RELAY_MAX_WRITE_RETRIES must be >= 0"))
	}
	if c.Usage.Workers < 0 || c.Usage.QueueSize < 0 || c.Usage.MaxAttempts < 0 {
		errs = append(errs, errors.New("USAGE_WORKERS, USAGE_QUEUE_SIZE and USAGE_MAX_ATTEMPTS must be >= 0"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (d DBConfig) Enabled() bool { return d.Host != "" }

func (r RedisConfig) Enabled() bool { return r.Host != "" }

func (n NATSConfig) Enabled() bool { return n.URL != "" }

// PostgresDSN is the pgx keyword/value DSN. Avoid logging it; it contains secrets.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// PostgresURL is the same connection as a postgres:// URL, as golang-migrate expects.
func (c Config) PostgresURL() string {
	if !c.DB.Enabled() {
		return ""
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: url.Values{"sslmode": {c.DB.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// reader collects parse errors instead of stopping at the first one.
type reader struct {
	v    *viper.Viper
	errs []error
}

func (r *reader) str(key string) string { return strings.TrimSpace(r.v.GetString(key)) }

// secret is not trimmed; whitespace may be significant.
func (r *reader) secret(key string) string { return r.v.GetString(key) }

func (r *reader) int(key string) int {
	s := r.str(key)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, s))
		return 0
	}
	return n
}

func (r *reader) duration(key string) time.Duration {
	s := r.str(key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be a duration like 30s, got %q", key, s))
		return 0
	}
	return d
}

func (r *reader) bool(key string) bool {
	s := r.str(key)
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be true or false, got %q", key, s))
		return false
	}
	return b
}

func isAbsoluteURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func deriveStreamURL(publicBase string) string {
	switch {
	case strings.HasPrefix(publicBase, "https://"):
		return "wss://" + strings.TrimPrefix(publicBase, "https://") + "/media"
	case strings.HasPrefix(publicBase, "http://"):
		return "ws://" + strings.TrimPrefix(publicBase, "http://") + "/media"
	}
	return ""
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
