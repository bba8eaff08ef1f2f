// Package config loads service settings from an optional YAML file with
// COFRADIA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cofradia.org/internal/auth"
)

// Config is the root configuration. Durations are whole seconds.
type Config struct {
	App      AppConfig      `yaml:"app"`
	HTTP     HTTPConfig     `yaml:"http"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Mail     MailConfig     `yaml:"mail"`
	Security SecurityConfig `yaml:"security"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// AllowLocalOrigins also admits http://localhost:* and http://127.0.0.1:*.
	AllowLocalOrigins bool `yaml:"allow_local_origins"`
	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
	SecureCookies  bool     `yaml:"secure_cookies"`
	RateLimit      float64  `yaml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst"`
}

type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime int    `yaml:"conn_max_idle_time"`
}

// RedisConfig selects the session store. An empty address keeps sessions in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MailConfig struct {
	Transport string     `yaml:"transport"`
	From      string     `yaml:"from"`
	SMTP      SMTPConfig `yaml:"smtp"`
	NATS      NATSConfig `yaml:"nats"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Timeout int    `yaml:"timeout"`
}

type SecurityConfig struct {
	MaxLoginAttempts  int    `yaml:"max_login_attempts"`
	LockoutTime       int    `yaml:"lockout_time"`
	PasswordMinLength int    `yaml:"password_min_length"`
	CookieLifetime    int    `yaml:"cookie_lifetime"`
	ResetTokenTTL     int    `yaml:"reset_token_ttl"`
	ContentPolicy     string `yaml:"content_policy"`
	RememberSecret    string `yaml:"remember_secret"`
}

const (
	TransportLog  = "log"
	TransportSMTP = "smtp"
	TransportNATS = "nats"
)

// Load reads path (when non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the stock settings.
func Default() *Config {
	p := auth.DefaultPolicy()
	return &Config{
		App: AppConfig{Name: "Cofradia", BaseURL: "http://localhost:8080"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			GRPCAddr:     ":9090",
			ReadTimeout:  15,
			WriteTimeout: 15,
			IdleTimeout:  60,
			RateLimit:    5,
			RateBurst:    10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 900,
			ConnMaxIdleTime: 300,
		},
		Mail: MailConfig{
			Transport: TransportLog,
			From:      "no-reply@localhost",
			SMTP:      SMTPConfig{Port: 587},
			NATS:      NATSConfig{Subject: "mail.outbound", Timeout: 5},
		},
		Security: SecurityConfig{
			MaxLoginAttempts:  p.MaxLoginAttempts,
			LockoutTime:       int(p.LockoutTime / time.Second),
			PasswordMinLength: p.PasswordMinLength,
			CookieLifetime:    int(p.CookieLifetime / time.Second),
			ResetTokenTTL:     int(p.ResetTokenTTL / time.Second),
			ContentPolicy:     string(p.ContentPolicy),
		},
	}
}

type lookupFunc func(string) (string, bool)

func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup("COFRADIA_" + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup("COFRADIA_" + key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("COFRADIA_%s: not an integer", key))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup("COFRADIA_" + key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("COFRADIA_%s: not a boolean", key))
				return
			}
			*dst = b
		}
	}

	str("APP_NAME", &cfg.App.Name)
	str("BASE_URL", &cfg.App.BaseURL)

	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.HTTP.GRPCAddr)
	if v, ok := lookup("COFRADIA_ALLOWED_ORIGINS"); ok && v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("COFRADIA_TRUSTED_PROXIES"); ok && v != "" {
		cfg.HTTP.TrustedProxies = splitList(v)
	}
	flag("SECURE_COOKIES", &cfg.HTTP.SecureCookies)
	flag("ALLOW_LOCAL_ORIGINS", &cfg.HTTP.AllowLocalOrigins)
	if v, ok := lookup("COFRADIA_RATE_LIMIT"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, "COFRADIA_RATE_LIMIT: not a number")
		} else {
			cfg.HTTP.RateLimit = f
		}
	}
	num("RATE_BURST", &cfg.HTTP.RateBurst)

	str("PG_DSN", &cfg.Database.DSN)
	num("PG_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	num("PG_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)

	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)

	str("MAIL_TRANSPORT", &cfg.Mail.Transport)
	str("MAIL_FROM", &cfg.Mail.From)
	str("SMTP_HOST", &cfg.Mail.SMTP.Host)
	num("SMTP_PORT", &cfg.Mail.SMTP.Port)
	str("SMTP_USERNAME", &cfg.Mail.SMTP.Username)
	str("SMTP_PASSWORD", &cfg.Mail.SMTP.Password)
	str("NATS_URL", &cfg.Mail.NATS.URL)
	str("NATS_SUBJECT", &cfg.Mail.NATS.Subject)

	num("MAX_LOGIN_ATTEMPTS", &cfg.Security.MaxLoginAttempts)
	num("LOCKOUT_TIME", &cfg.Security.LockoutTime)
	num("PASSWORD_MIN_LENGTH", &cfg.Security.PasswordMinLength)
	num("COOKIE_LIFETIME", &cfg.Security.CookieLifetime)
	num("RESET_TOKEN_TTL", &cfg.Security.ResetTokenTTL)
	str("CONTENT_POLICY", &cfg.Security.ContentPolicy)
	str("REMEMBER_SECRET", &cfg.Security.RememberSecret)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Policy converts the security section into the auth policy.
func (c *Config) Policy() auth.Policy {
	s := c.Security
	return auth.Policy{
		MaxLoginAttempts:  s.MaxLoginAttempts,
		LockoutTime:       seconds(s.LockoutTime),
		PasswordMinLength: s.PasswordMinLength,
		CookieLifetime:    seconds(s.CookieLifetime),
		ResetTokenTTL:     seconds(s.ResetTokenTTL),
		ContentPolicy:     auth.ContentPolicy(strings.ToLower(strings.TrimSpace(s.ContentPolicy))),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, "security: "+strings.TrimPrefix(err.Error(), auth.ErrInvalidInput.Error()+": "))
	}
	const minSecretLength = 16
	if n := len(c.Security.RememberSecret); n > 0 && n < minSecretLength {
		errs = append(errs, "security.remember_secret must be at least 16 characters")
	}
	if !strings.HasPrefix(c.App.BaseURL, "http://") && !strings.HasPrefix(c.App.BaseURL, "https://") {
		errs = append(errs, "app.base_url must be an http(s) URL")
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, "http.rate_limit and http.rate_burst must not be negative")
	}
	for _, p := range c.HTTP.TrustedProxies {
		if _, err := ParseProxy(p); err != nil {
			errs = append(errs, fmt.Sprintf("http.trusted_proxies: %q is not an IP or CIDR", p))
		}
	}

	switch c.Mail.Transport {
	case TransportLog:
	case TransportSMTP:
		if c.Mail.SMTP.Host == "" {
			errs = append(errs, "mail.smtp.host is required for the smtp transport")
		}
	case TransportNATS:
		if c.Mail.NATS.URL == "" {
			errs = append(errs, "mail.nats.url is required for the nats transport")
		}
	default:
		errs = append(errs, fmt.Sprintf("mail.transport %q is not one of log, smtp, nats", c.Mail.Transport))
	}

	if len(errs) > 0 {
		return errors.New("configuration errors: " + strings.Join(errs, "; "))
	}
	return nil
}

// ParseProxy reads a trusted proxy entry. A bare address is a single-host prefix.
func ParseProxy(v string) (netip.Prefix, error) {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(v)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// TrustedProxies returns the parsed trusted proxy prefixes. Validate has
// already rejected malformed entries.
func (c *Config) TrustedProxies() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, v := range c.HTTP.TrustedProxies {
		if p, err := ParseProxy(v); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c *Config) ReadTimeout() time.Duration  { return seconds(c.HTTP.ReadTimeout) }
func (c *Config) WriteTimeout() time.Duration { return seconds(c.HTTP.WriteTimeout) }
func (c *Config) IdleTimeout() time.Duration  { return seconds(c.HTTP.IdleTimeout) }

func (c *Config) ConnMaxLifetime() time.Duration { return seconds(c.Database.ConnMaxLifetime) }
func (c *Config) ConnMaxIdleTime() time.Duration { return seconds(c.Database.ConnMaxIdleTime) }
func (c *Config) NATSTimeout() time.Duration     { return seconds(c.Mail.NATS.Timeout) }
