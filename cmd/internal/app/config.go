package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/luckysmithlee/im-next/cmd/internal/realtime"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Store kinds accepted by StoreConfig.Kind.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Recipient check modes accepted by AuthConfig.RecipientCheck.
const (
	RecipientCheckAuto   = "auto"   // strict when the identity registry is durable
	RecipientCheckStrict = "strict" // only users the verifier has seen
	RecipientCheckSyntax = "syntax" // any well-formed user id
)

// Config contains all runtime configuration. Sources, lowest precedence first:
// defaults, the optional TOML file, then IMNEXT_* environment variables.
type Config struct {
	Env       string `toml:"env"` // "dev" or "prod"
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "json" or "pretty"

	HTTP     HTTPConfig     `toml:"http"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Auth     AuthConfig     `toml:"auth"`
	Realtime RealtimeConfig `toml:"realtime"`
	CORS     CORSConfig     `toml:"cors"`
}

type HTTPConfig struct {
	Addr string `toml:"addr"`

	ReadHeaderTimeout time.Duration `toml:"read_header_timeout"`
	ReadTimeout       time.Duration `toml:"read_timeout"`
	WriteTimeout      time.Duration `toml:"write_timeout"`
	IdleTimeout       time.Duration `toml:"idle_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout"`
	MaxHeaderBytes    int           `toml:"max_header_bytes"`

	// If true, /readyz returns 503 unless a durable store is configured.
	ReadinessRequireDurable bool `toml:"readiness_require_durable"`
}

type StoreConfig struct {
	Kind      string `toml:"kind"`
	File      string `toml:"file"` // StoreFile only
	Retention int    `toml:"retention"`
}

type PostgresConfig struct {
	URL      string `toml:"url"`
	Schema   string `toml:"schema"`
	MaxConns int32  `toml:"max_conns"`
	MinConns int32  `toml:"min_conns"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 verification. Prefer IMNEXT_JWT_SECRET over the file.
	JWTSecret   string        `toml:"jwt_secret"`
	JWTIssuer   string        `toml:"jwt_issuer"`
	JWTAudience string        `toml:"jwt_audience"`
	JWTLeeway   time.Duration `toml:"jwt_leeway"`

	GoTrueURL     string        `toml:"gotrue_url"`
	GoTrueTimeout time.Duration `toml:"gotrue_timeout"`

	// MockTokens accepts mock_jwt_<user> tokens. Refused outside dev.
	MockTokens bool `toml:"mock_tokens"`

	// RecipientCheck selects how recipients are validated: auto, strict or syntax.
	RecipientCheck string `toml:"recipient_check"`
}

type RealtimeConfig struct {
	PresenceDebounce time.Duration `toml:"presence_debounce"` // < 0 announces synchronously
	UnreadPolicy     string        `toml:"unread_policy"`
	MaxMessageChars  int           `toml:"max_message_chars"`

	WSAllowedOrigins     []string      `toml:"ws_allowed_origins"`
	WSOriginRequired     bool          `toml:"ws_origin_required"`
	WSRequireSubprotocol bool          `toml:"ws_require_subprotocol"`
	WSSendQueueSize      int           `toml:"ws_send_queue_size"`
	WSRateEvents         int           `toml:"ws_rate_events"`
	WSRateWindow         time.Duration `toml:"ws_rate_window"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout     time.Duration `toml:"heartbeat_timeout"`

	APIMaxBodyBytes   int64         `toml:"api_max_body_bytes"`
	APISendRateEvents int           `toml:"api_send_rate_events"`
	APISendRateWindow time.Duration `toml:"api_send_rate_window"`
}

type CORSConfig struct {
	AllowedOrigins   []string `toml:"allowed_origins"`
	AllowCredentials bool     `toml:"allow_credentials"`
	MaxAgeSeconds    int      `toml:"max_age_seconds"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	gw := realtime.DefaultGatewayConfig()
	return Config{
		Env:       "prod",
		LogLevel:  "info",
		LogFormat: "json",
		HTTP: HTTPConfig{
			Addr:              "0.0.0.0:3001",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Store: StoreConfig{
			Kind:      StoreMemory,
			File:      "messages.json",
			Retention: realtime.DefaultRetention,
		},
		Postgres: PostgresConfig{
			Schema:   "imnext",
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "im",
		},
		Auth: AuthConfig{
			JWTLeeway:      30 * time.Second,
			GoTrueTimeout:  5 * time.Second,
			RecipientCheck: RecipientCheckAuto,
		},
		Realtime: RealtimeConfig{
			PresenceDebounce:  350 * time.Millisecond,
			UnreadPolicy:      "active_peer",
			MaxMessageChars:   4000,
			WSAllowedOrigins:  gw.AllowedOrigins,
			WSOriginRequired:  gw.OriginRequired,
			WSSendQueueSize:   gw.SendQueueSize,
			WSRateEvents:      gw.RateEvents,
			WSRateWindow:      gw.RateWindow,
			HeartbeatInterval: gw.HeartbeatInterval,
			HeartbeatTimeout:  gw.HeartbeatTimeout,
			APIMaxBodyBytes:   64 << 10,
			APISendRateEvents: 60,
			APISendRateWindow: 10 * time.Second,
		},
		CORS: CORSConfig{
			MaxAgeSeconds: 600,
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. An empty path tries ./.env and ignores its absence.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig builds Config from defaults, the TOML file at path (optional) and env.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Env = EnvString("IMNEXT_ENV", cfg.Env)
	cfg.LogLevel = EnvString("IMNEXT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("IMNEXT_LOG_FORMAT", cfg.LogFormat)

	h := &cfg.HTTP
	h.Addr = EnvString("IMNEXT_HTTP_ADDR", h.Addr)
	h.ReadHeaderTimeout = EnvDuration("IMNEXT_HTTP_READ_HEADER_TIMEOUT", h.ReadHeaderTimeout)
	h.ReadTimeout = EnvDuration("IMNEXT_HTTP_READ_TIMEOUT", h.ReadTimeout)
	h.WriteTimeout = EnvDuration("IMNEXT_HTTP_WRITE_TIMEOUT", h.WriteTimeout)
	h.IdleTimeout = EnvDuration("IMNEXT_HTTP_IDLE_TIMEOUT", h.IdleTimeout)
	h.ShutdownTimeout = EnvDuration("IMNEXT_HTTP_SHUTDOWN_TIMEOUT", h.ShutdownTimeout)
	h.MaxHeaderBytes = EnvInt("IMNEXT_HTTP_MAX_HEADER_BYTES", h.MaxHeaderBytes)
	h.ReadinessRequireDurable = EnvBool("IMNEXT_READINESS_REQUIRE_DURABLE", h.ReadinessRequireDurable)

	s := &cfg.Store
	s.Kind = EnvString("IMNEXT_STORE", s.Kind)
	s.File = EnvString("IMNEXT_STORE_FILE", s.File)
	s.Retention = EnvInt("IMNEXT_STORE_RETENTION", s.Retention)

	pg := &cfg.Postgres
	pg.URL = EnvString("IMNEXT_DATABASE_URL", pg.URL)
	pg.Schema = EnvString("IMNEXT_DB_SCHEMA", pg.Schema)
	pg.MaxConns = EnvInt32("IMNEXT_DB_MAX_CONNS", pg.MaxConns)
	pg.MinConns = EnvInt32("IMNEXT_DB_MIN_CONNS", pg.MinConns)

	rd := &cfg.Redis
	rd.Addr = EnvString("IMNEXT_REDIS_ADDR", rd.Addr)
	rd.Password = EnvString("IMNEXT_REDIS_PASSWORD", rd.Password)
	rd.DB = EnvInt("IMNEXT_REDIS_DB", rd.DB)
	rd.Prefix = EnvString("IMNEXT_REDIS_PREFIX", rd.Prefix)

	a := &cfg.Auth
	a.JWTSecret = EnvString("IMNEXT_JWT_SECRET", a.JWTSecret)
	a.JWTIssuer = EnvString("IMNEXT_JWT_ISSUER", a.JWTIssuer)
	a.JWTAudience = EnvString("IMNEXT_JWT_AUDIENCE", a.JWTAudience)
	a.JWTLeeway = EnvDuration("IMNEXT_JWT_LEEWAY", a.JWTLeeway)
	a.GoTrueURL = EnvString("IMNEXT_GOTRUE_URL", a.GoTrueURL)
	a.GoTrueTimeout = EnvDuration("IMNEXT_GOTRUE_TIMEOUT", a.GoTrueTimeout)
	a.MockTokens = EnvBool("IMNEXT_MOCK_TOKENS", a.MockTokens)
	a.RecipientCheck = strings.ToLower(EnvString("IMNEXT_RECIPIENT_CHECK", a.RecipientCheck))

	rt := &cfg.Realtime
	rt.PresenceDebounce = EnvDuration("IMNEXT_PRESENCE_DEBOUNCE", rt.PresenceDebounce)
	rt.UnreadPolicy = EnvString("IMNEXT_UNREAD_POLICY", rt.UnreadPolicy)
	rt.MaxMessageChars = EnvInt("IMNEXT_MAX_MESSAGE_CHARS", rt.MaxMessageChars)
	rt.WSAllowedOrigins = EnvList("IMNEXT_WS_ALLOWED_ORIGINS", rt.WSAllowedOrigins)
	rt.WSOriginRequired = EnvBool("IMNEXT_WS_ORIGIN_REQUIRED", rt.WSOriginRequired)
	rt.WSRequireSubprotocol = EnvBool("IMNEXT_WS_REQUIRE_SUBPROTOCOL", rt.WSRequireSubprotocol)
	rt.WSSendQueueSize = EnvInt("IMNEXT_WS_SEND_QUEUE", rt.WSSendQueueSize)
	rt.WSRateEvents = EnvInt("IMNEXT_WS_RATE_EVENTS", rt.WSRateEvents)
	rt.WSRateWindow = EnvDuration("IMNEXT_WS_RATE_WINDOW", rt.WSRateWindow)
	rt.HeartbeatInterval = EnvDuration("IMNEXT_WS_HEARTBEAT_INTERVAL", rt.HeartbeatInterval)
	rt.HeartbeatTimeout = EnvDuration("IMNEXT_WS_HEARTBEAT_TIMEOUT", rt.HeartbeatTimeout)
	rt.APIMaxBodyBytes = int64(EnvInt("IMNEXT_API_MAX_BODY_BYTES", int(rt.APIMaxBodyBytes)))
	rt.APISendRateEvents = EnvInt("IMNEXT_API_SEND_RATE_EVENTS", rt.APISendRateEvents)
	rt.APISendRateWindow = EnvDuration("IMNEXT_API_SEND_RATE_WINDOW", rt.APISendRateWindow)

	c := &cfg.CORS
	c.AllowedOrigins = EnvList("IMNEXT_CORS_ALLOWED_ORIGINS", c.AllowedOrigins)
	c.AllowCredentials = EnvBool("IMNEXT_CORS_ALLOW_CREDENTIALS", c.AllowCredentials)
	c.MaxAgeSeconds = EnvInt("IMNEXT_CORS_MAX_AGE_SECONDS", c.MaxAgeSeconds)
}

// IsDev reports whether the server runs in development mode.
func (c Config) IsDev() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "dev")
}

// Validate checks structural consistency. Security policy lives in ValidateSecurityConfig.
func (c Config) Validate() error {
	switch strings.ToLower(c.Env) {
	case "dev", "prod":
	default:
		return fmt.Errorf("config: env must be dev or prod, got %q", c.Env)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: log_format must be json or pretty, got %q", c.LogFormat)
	}

	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile:
		if strings.TrimSpace(c.Store.File) == "" {
			return errors.New("config: store.file is required for the file store")
		}
	case StorePostgres:
		if strings.TrimSpace(c.Postgres.URL) == "" {
			return errors.New("config: IMNEXT_DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("config: IMNEXT_REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store kind %q", c.Store.Kind)
	}

	if _, ok := realtime.ParseUnreadPolicy(c.Realtime.UnreadPolicy); !ok {
		return fmt.Errorf("config: unknown unread_policy %q", c.Realtime.UnreadPolicy)
	}
	switch c.Auth.RecipientCheck {
	case RecipientCheckAuto, RecipientCheckStrict, RecipientCheckSyntax:
	default:
		return fmt.Errorf("config: unknown recipient_check %q", c.Auth.RecipientCheck)
	}
	if c.Store.Retention < 0 {
		return errors.New("config: store.retention must not be negative")
	}
	return nil
}

// StrictRecipients reports whether sends to users the registry has never seen are rejected.
// In auto mode that is the case when the registry lives in Postgres.
func (c Config) StrictRecipients() bool {
	switch c.Auth.RecipientCheck {
	case RecipientCheckStrict:
		return true
	case RecipientCheckSyntax:
		return false
	default:
		return c.Store.Kind == StorePostgres
	}
}

// Durable reports whether messages survive a restart.
func (c Config) Durable() bool {
	return c.Store.Kind != StoreMemory
}
