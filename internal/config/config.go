// Package config loads the issuer's settings from the environment.
//
// Every setting is read once at startup into an immutable Config. Values that
// the token pipeline cannot run without (signing secret, issuer URL, database
// coordinates) are validated up front: a bad value is a fatal startup error,
// never a per-request one.
//
// The variable names for the database and the signing key are the ones the
// Flask deployment already uses (DB_HOST, HS256_KEY, ...), so an existing
// .env file keeps working.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"github.com/sakif/synaps-idp/internal/apperror"
)

// Driver names the SQL dialect of the user store.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// Password scheme names accepted in PASSWORD_SCHEMES.
const (
	SchemeBcrypt  = "bcrypt"
	SchemeGeneric = "generic"
)

// Config is the full runtime configuration.
type Config struct {
	Port            int           `env:"PORT"             envDefault:"5005"`
	IssuerURL       string        `env:"ISSUER_URL"`
	SigningSecret   string        `env:"HS256_KEY"`
	Audience        string        `env:"TOKEN_AUDIENCE"   envDefault:"account"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"5s"`
	HashConcurrency int           `env:"HASH_CONCURRENCY" envDefault:"0"`
	DummyHashCost   int           `env:"DUMMY_HASH_COST"  envDefault:"10"`
	PasswordSchemes []string      `env:"PASSWORD_SCHEMES" envDefault:"bcrypt,generic" envSeparator:","`
	CORSOrigins     []string      `env:"CORS_ORIGINS"     envDefault:"*"              envSeparator:","`
	TrustedProxies  []string      `env:"TRUSTED_PROXIES"  envSeparator:","`
	Clients         Clients       `env:"OIDC_CLIENTS"`

	LogLevel  slog.Level `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text"`

	DB        DB      `envPrefix:"DB_"`
	Users     Columns `envPrefix:"USERS_"`
	Throttle  Throttle
	Telemetry Telemetry
}

// DB holds the user store coordinates.
// For SQLite, Name is the database file path and Host/User are unused.
type DB struct {
	Driver         Driver        `env:"DRIVER"          envDefault:"mysql"`
	Host           string        `env:"HOST"`
	Port           int           `env:"PORT"`
	User           string        `env:"USER"`
	Password       string        `env:"PASSWORD"`
	Name           string        `env:"NAME"`
	SSLMode        string        `env:"SSLMODE"         envDefault:"prefer"`
	Migrate        bool          `env:"MIGRATE"         envDefault:"false"`
	LookupTries    uint          `env:"LOOKUP_TRIES"    envDefault:"2"`
	ConnectTimeout time.Duration `env:"CONNECT_TIMEOUT" envDefault:"30s"`
}

// Columns maps the logical user fields onto the physical table.
//
// Defaults match the Flask schema. A Laravel-style table is configured with
// USERS_ID_COLUMN=user_id USERS_EMAIL_COLUMN=user_email and so on.
type Columns struct {
	Table    string `env:"TABLE"           envDefault:"users"`
	ID       string `env:"ID_COLUMN"       envDefault:"id"`
	Email    string `env:"EMAIL_COLUMN"    envDefault:"email"`
	Password string `env:"PASSWORD_COLUMN" envDefault:"password"`
	Name     string `env:"NAME_COLUMN"     envDefault:"name"`
}

// Throttle configures the optional Redis-backed failed-login counter.
// It is disabled when RedisURL is empty.
type Throttle struct {
	RedisURL    string        `env:"REDIS_URL"`
	MaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	Cooldown    time.Duration `env:"LOGIN_COOLDOWN"     envDefault:"15m"`
}

// Enabled reports whether failed logins should be counted.
func (t Throttle) Enabled() bool { return t.RedisURL != "" }

// Telemetry configures OpenTelemetry tracing. Tracing is opt-in: nothing is
// exported unless Endpoint is set.
type Telemetry struct {
	Enabled     bool   `env:"OTEL_ENABLED"      envDefault:"true"`
	Endpoint    string `env:"OTEL_ENDPOINT"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"synaps-idp"`
}

// Client is a registered OAuth client. When at least one client is
// configured, the token endpoint requires client authentication.
type Client struct {
	ID     string `json:"client_id"`
	Secret string `json:"client_secret"`
}

// Clients is parsed from a JSON array in OIDC_CLIENTS.
type Clients []Client

// UnmarshalText implements encoding.TextUnmarshaler for the env parser.
func (c *Clients) UnmarshalText(text []byte) error {
	if len(strings.TrimSpace(string(text))) == 0 {
		*c = nil
		return nil
	}
	var parsed []Client
	if err := json.Unmarshal(text, &parsed); err != nil {
		return fmt.Errorf("parsing client list: %w", err)
	}
	*c = parsed
	return nil
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads the configuration from the given variables only.
// Used by tests and by the CLI when it is handed an explicit environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		e := apperror.Configuration("", "parse env")
		e.Cause = err
		return nil, e
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.IssuerURL = strings.TrimRight(c.IssuerURL, "/")

	if c.DB.Port == 0 {
		switch c.DB.Driver {
		case DriverMySQL:
			c.DB.Port = 3306
		case DriverPostgres:
			c.DB.Port = 5432
		}
	}

	if c.HashConcurrency <= 0 {
		c.HashConcurrency = runtime.NumCPU()
	}

	for i, s := range c.PasswordSchemes {
		c.PasswordSchemes[i] = strings.ToLower(strings.TrimSpace(s))
	}
}

// Validate checks the whole configuration. The returned error wraps
// apperror.ErrConfiguration.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.IssuerURL, validation.Required, is.URL, validation.By(httpURL)),
		validation.Field(&c.SigningSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.Audience, validation.Required),
		validation.Field(&c.RequestTimeout, validation.Required),
		validation.Field(&c.DummyHashCost, validation.Required, validation.Min(4), validation.Max(16)),
		validation.Field(&c.PasswordSchemes, validation.Required, validation.By(knownSchemes)),
		validation.Field(&c.TrustedProxies, validation.By(proxyList)),
		validation.Field(&c.LogFormat, validation.In("text", "json")),
		validation.Field(&c.Clients, validation.By(distinctClients)),
		validation.Field(&c.DB),
		validation.Field(&c.Users),
		validation.Field(&c.Throttle),
	)
	if err != nil {
		e := apperror.Configuration("", "invalid configuration")
		e.Cause = err
		return e
	}
	return nil
}

// Validate implements validation.Validatable.
func (d DB) Validate() error {
	var serverRules []validation.Rule
	if d.Driver != DriverSQLite {
		serverRules = append(serverRules, validation.Required)
	}

	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In(DriverMySQL, DriverPostgres, DriverSQLite)),
		validation.Field(&d.Host, serverRules...),
		validation.Field(&d.User, serverRules...),
		validation.Field(&d.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&d.Name, validation.Required),
		validation.Field(&d.LookupTries, validation.Required),
	)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Validate implements validation.Validatable.
// Identifiers end up in SQL text, so only plain names are accepted.
func (c Columns) Validate() error {
	ident := validation.Match(identifierPattern).Error("must be a plain SQL identifier")
	return validation.ValidateStruct(&c,
		validation.Field(&c.Table, validation.Required, validation.Match(tablePattern).Error("must be a plain SQL identifier")),
		validation.Field(&c.ID, validation.Required, ident),
		validation.Field(&c.Email, validation.Required, ident),
		validation.Field(&c.Password, validation.Required, ident),
		validation.Field(&c.Name, validation.Required, ident),
	)
}

// Validate implements validation.Validatable.
func (t Throttle) Validate() error {
	if !t.Enabled() {
		return nil
	}
	return validation.ValidateStruct(&t,
		validation.Field(&t.RedisURL, validation.Required),
		validation.Field(&t.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&t.Cooldown, validation.Required),
	)
}

func httpURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must be an http or https URL")
	}
	return nil
}

func knownSchemes(value interface{}) error {
	schemes, _ := value.([]string)
	for _, s := range schemes {
		if s != SchemeBcrypt && s != SchemeGeneric {
			return fmt.Errorf("unknown password scheme %q", s)
		}
	}
	return nil
}

func proxyList(value interface{}) error {
	proxies, _ := value.([]string)
	_, err := parsePrefixes(proxies)
	return err
}

// parsePrefixes accepts CIDR blocks and bare addresses. A bare address
// becomes a single-host prefix.
func parsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy range %q", s)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy address %q", s)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// TrustedProxyPrefixes returns TRUSTED_PROXIES as prefixes. Only requests
// whose direct peer falls inside one of them may set the client address
// through X-Forwarded-For or X-Real-IP.
func (c Config) TrustedProxyPrefixes() []netip.Prefix {
	prefixes, _ := parsePrefixes(c.TrustedProxies)
	return prefixes
}

func distinctClients(value interface{}) error {
	clients, _ := value.(Clients)
	seen := make(map[string]bool, len(clients))
	for _, cl := range clients {
		if cl.ID == "" || cl.Secret == "" {
			return errors.New("client_id and client_secret are required")
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate client_id %q", cl.ID)
		}
		seen[cl.ID] = true
	}
	return nil
}

// LogValue implements slog.LogValuer. Secrets are never written out.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("issuer", c.IssuerURL),
		slog.String("audience", c.Audience),
		slog.String("signingSecret", redact(c.SigningSecret)),
		slog.String("dbDriver", string(c.DB.Driver)),
		slog.String("dbHost", c.DB.Host),
		slog.Int("dbPort", c.DB.Port),
		slog.String("dbUser", c.DB.User),
		slog.String("dbPassword", redact(c.DB.Password)),
		slog.String("dbName", c.DB.Name),
		slog.String("usersTable", c.Users.Table),
		slog.Any("passwordSchemes", c.PasswordSchemes),
		slog.Int("registeredClients", len(c.Clients)),
		slog.Any("trustedProxies", c.TrustedProxies),
		slog.Bool("throttle", c.Throttle.Enabled()),
		slog.Bool("tracing", c.Telemetry.Enabled && c.Telemetry.Endpoint != ""),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
