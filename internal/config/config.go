package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/identity"
	"github.com/vedran77/chatsync/pkg/validator"
)

type ReconnectConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// Enabled reports whether the local mirror database is configured.
func (c DBConfig) Enabled() bool {
	return c.Host != ""
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Name)
}

type Config struct {
	ServerURL      string          `yaml:"server_url"`
	AccessToken    string          `yaml:"access_token"`
	JWTSecret      string          `yaml:"jwt_secret"`
	Identities     []string        `yaml:"identities"`
	DisplayName    string          `yaml:"display_name"`
	AvatarURL      string          `yaml:"avatar_url"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	SendTimeout    time.Duration   `yaml:"send_timeout"`
	AutoReconnect  bool            `yaml:"auto_reconnect"`
	Reconnect      ReconnectConfig `yaml:"reconnect"`
	DB             DBConfig        `yaml:"db"`
	MetricsAddr    string          `yaml:"metrics_addr"`
	LogLevel       string          `yaml:"log_level"`
	LogFormat      string          `yaml:"log_format"`
}

func Default() *Config {
	return &Config{
		ServerURL:      "ws://localhost:8080/ws",
		RequestTimeout: 8 * time.Second,
		SendTimeout:    30 * time.Second,
		AutoReconnect:  true,
		Reconnect: ReconnectConfig{
			Initial:     time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 10,
		},
		DB: DBConfig{
			Port: "5432",
			User: "chatsync",
			Name: "chatsync",
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load builds the configuration from defaults, then the optional YAML file at
// path, then the environment (a .env file in the working directory is read
// first if present).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ServerURL = getEnv("SERVER_URL", c.ServerURL)
	c.AccessToken = getEnv("ACCESS_TOKEN", c.AccessToken)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	if ids := getEnv("IDENTITIES", ""); ids != "" {
		c.Identities = splitList(ids)
	}
	c.DisplayName = getEnv("DISPLAY_NAME", c.DisplayName)
	c.AvatarURL = getEnv("AVATAR_URL", c.AvatarURL)
	c.DB.Host = getEnv("DB_HOST", c.DB.Host)
	c.DB.Port = getEnv("DB_PORT", c.DB.Port)
	c.DB.User = getEnv("DB_USER", c.DB.User)
	c.DB.Password = getEnv("DB_PASSWORD", c.DB.Password)
	c.DB.Name = getEnv("DB_NAME", c.DB.Name)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	var err error
	if c.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.SendTimeout, err = getEnvDuration("SEND_TIMEOUT", c.SendTimeout); err != nil {
		return err
	}
	if c.Reconnect.Initial, err = getEnvDuration("RECONNECT_INITIAL", c.Reconnect.Initial); err != nil {
		return err
	}
	if c.Reconnect.Max, err = getEnvDuration("RECONNECT_MAX", c.Reconnect.Max); err != nil {
		return err
	}
	if v := getEnv("RECONNECT_MAX_ATTEMPTS", ""); v != "" {
		if c.Reconnect.MaxAttempts, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("RECONNECT_MAX_ATTEMPTS: %w", err)
		}
	}
	if v := getEnv("AUTO_RECONNECT", ""); v != "" {
		if c.AutoReconnect, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("AUTO_RECONNECT: %w", err)
		}
	}
	return nil
}

// Validate checks the settings needed to run the engine.
func (c *Config) Validate() error {
	errs := make(validator.ValidationErrors)

	if c.ServerURL == "" {
		errs.Add("server_url", "Server URL is required")
	} else if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs.Add("server_url", "Server URL must be a ws:// or wss:// URL")
	}

	if len(c.Identities) == 0 {
		errs.Add("identities", "At least one identity is required")
	}
	for _, raw := range c.Identities {
		if err := identity.Validate(domain.ParseParticipantID(raw)); err != nil {
			errs.Add("identities", fmt.Sprintf("Invalid identity %q", raw))
			break
		}
	}

	if c.RequestTimeout < 5*time.Second || c.RequestTimeout > 10*time.Second {
		errs.Add("request_timeout", "Request timeout must be between 5s and 10s")
	}
	if c.SendTimeout <= 0 {
		errs.Add("send_timeout", "Send timeout must be positive")
	}
	if c.Reconnect.Initial <= 0 || c.Reconnect.Max < c.Reconnect.Initial {
		errs.Add("reconnect", "Reconnect delays must be positive and max must not be below initial")
	}
	if c.Reconnect.MaxAttempts < 0 {
		errs.Add("reconnect", "Reconnect attempts cannot be negative")
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		errs.Add("log_format", "Log format must be console or json")
	}

	for field, msg := range validator.ValidateDisplayName(c.DisplayName) {
		errs.Add(field, msg)
	}

	return errs.Err()
}

// ParticipantIDs returns the configured identities, primary first.
func (c *Config) ParticipantIDs() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(c.Identities))
	for _, raw := range c.Identities {
		out = append(out, domain.ParseParticipantID(raw))
	}
	return out
}

// Identity returns the local user described by the configuration.
func (c *Config) Identity() domain.Identity {
	id := domain.Identity{
		ParticipantIDs: c.ParticipantIDs(),
		DisplayName:    c.DisplayName,
	}
	if c.AvatarURL != "" {
		avatar := c.AvatarURL
		id.AvatarURL = &avatar
	}
	return id
}

func getEnv(key, fallback string) string {
	val, exists := os.LookupEnv(key)

	if exists {
		return val
	}

	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := getEnv(key, "")
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
