package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the signaling daemon.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App          AppConfig
	User         UserConfig
	Backend      BackendConfig
	EventChannel EventChannelConfig
	Signaling    SignalingConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// UserConfig identifies the participant this process acts for.
type UserConfig struct {
	ID   string
	Role string
}

type BackendConfig struct {
	URL     string
	Timeout time.Duration
	// WriteRPS caps mutating calls to the backend.
	WriteRPS float64
}

type EventChannelConfig struct {
	URL string
}

type SignalingConfig struct {
	FreshnessWindow      time.Duration
	PollInterval         time.Duration
	AvailabilityDebounce time.Duration
	RegistryRetention    time.Duration

	// Availability assumed at startup when the backend profile cannot be read.
	InitialAudio bool
	InitialVideo bool
}

// DBConfig is optional. When Host is empty transitions are journaled in memory.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. When Host is empty the processed-call registry is in memory.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.User.ID = strings.TrimSpace(os.Getenv("USER_ID"))
	c.User.Role = strings.TrimSpace(os.Getenv("USER_ROLE"))

	c.Backend.URL = strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_URL")), "/")
	c.Backend.Timeout = mustDuration("BACKEND_TIMEOUT")
	{
		f, err := optionalFloat("BACKEND_WRITE_RPS")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Backend.WriteRPS = f
	}
	c.EventChannel.URL = strings.TrimSpace(os.Getenv("EVENT_CHANNEL_URL"))

	c.Signaling.FreshnessWindow = mustDuration("FRESHNESS_WINDOW")
	c.Signaling.PollInterval = mustDuration("POLL_INTERVAL")
	c.Signaling.AvailabilityDebounce = mustDuration("AVAILABILITY_DEBOUNCE")
	c.Signaling.RegistryRetention = mustDuration("REGISTRY_RETENTION")
	for key, dst := range map[string]*bool{
		"INITIAL_AUDIO": &c.Signaling.InitialAudio,
		"INITIAL_VIDEO": &c.Signaling.InitialVideo,
	} {
		b, err := optionalBool(key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*dst = b
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in ApplyDefaults().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyDefaults fills every optional value left at zero.
func (c *Config) ApplyDefaults() {
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	if c.Backend.WriteRPS <= 0 {
		c.Backend.WriteRPS = 5
	}
	if c.Signaling.FreshnessWindow <= 0 {
		c.Signaling.FreshnessWindow = 20 * time.Second
	}
	if c.Signaling.PollInterval <= 0 {
		c.Signaling.PollInterval = 3 * time.Second
	}
	if c.Signaling.AvailabilityDebounce <= 0 {
		c.Signaling.AvailabilityDebounce = 1500 * time.Millisecond
	}
	if c.Signaling.RegistryRetention <= 0 {
		c.Signaling.RegistryRetention = 10 * c.Signaling.FreshnessWindow
	}

	if c.DBEnabled() && c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.User.ID == "" {
		errs = append(errs, errors.New("USER_ID is required"))
	}
	if !isValidRole(c.User.Role) {
		errs = append(errs, fmt.Errorf("USER_ROLE must be one of caller, receiver, got %q", c.User.Role))
	}

	if c.Backend.URL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	} else if !hasScheme(c.Backend.URL, "http", "https") {
		errs = append(errs, fmt.Errorf("BACKEND_URL must be an http(s) URL, got %q", c.Backend.URL))
	}
	if c.EventChannel.URL == "" {
		errs = append(errs, errors.New("EVENT_CHANNEL_URL is required"))
	} else if !hasScheme(c.EventChannel.URL, "ws", "wss") {
		errs = append(errs, fmt.Errorf("EVENT_CHANNEL_URL must be a ws(s) URL, got %q", c.EventChannel.URL))
	}

	if c.Signaling.RegistryRetention < c.Signaling.FreshnessWindow {
		errs = append(errs, errors.New("REGISTRY_RETENTION must not be shorter than FRESHNESS_WINDOW"))
	}

	if c.DBEnabled() {
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
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.RedisEnabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
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
	if c.Auth.AccessTokenTTL < time.Minute {
		errs = append(errs, errors.New("JWT_ACCESS_TTL must be at least 1m"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) IsReceiver() bool {
	return c.User.Role == "receiver"
}

func (c Config) DBEnabled() bool {
	return c.DB.Host != ""
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func optionalFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func optionalBool(key string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", key, v)
	}
	return b, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func hasScheme(raw string, schemes ...string) bool {
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

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidRole(v string) bool {
	switch v {
	case "caller", "receiver":
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
