package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultPath is the config file read when no --config flag is given.
const DefaultPath = "chatd.toml"

var instanceRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Config is the daemon configuration read from chatd.toml.
type Config struct {
	Instance    string          `toml:"instance"`
	DataDir     string          `toml:"data_dir"`
	HTTPAddr    string          `toml:"http_addr"`
	AdminSocket string          `toml:"admin_socket"`
	Auth        AuthConfig      `toml:"auth"`
	Agent       AgentConfig     `toml:"agent"`
	Redis       RedisConfig     `toml:"redis"`
	RateLimit   RateLimitConfig `toml:"ratelimit"`
	Kafka       KafkaConfig     `toml:"kafka"`
	OTel        OTelConfig      `toml:"otel"`
	WS          WSConfig        `toml:"ws"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
}

// AgentConfig configures the auto-responder. Endpoint is the base URL of an
// OpenAI-compatible API, such as https://api.openai.com/v1. An empty
// Endpoint keeps the agent identity but every reply degrades to the
// apology text.
type AgentConfig struct {
	UserID        string   `toml:"user_id"`
	Profile       string   `toml:"profile"`
	Endpoint      string   `toml:"endpoint"`
	APIKey        string   `toml:"api_key"`
	Model         string   `toml:"model"`
	Timeout       Duration `toml:"timeout"`
	HistoryWindow int      `toml:"history_window"`
}

type RedisConfig struct {
	Addr string `toml:"addr"`
}

type RateLimitConfig struct {
	PerMinute int `toml:"per_minute"`
}

type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

type OTelConfig struct {
	Endpoint string `toml:"endpoint"`
}

type WSConfig struct {
	SendBuffer int `toml:"send_buffer"`
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Instance: "main",
		DataDir:  filepath.Join(home, ".chatd"),
		HTTPAddr: ":8080",
		Auth: AuthConfig{
			JWTSecret: "dev-secret",
			TokenTTL:  Duration{24 * time.Hour},
		},
		Agent: AgentConfig{
			UserID:        "agent",
			Model:         "gpt-4o-mini",
			Timeout:       Duration{15 * time.Second},
			HistoryWindow: 10,
		},
		RateLimit: RateLimitConfig{PerMinute: 120},
		Kafka:     KafkaConfig{Topic: "chat.messages"},
		WS:        WSConfig{SendBuffer: 256},
	}
}

// Load reads config from path over the defaults, then applies .env and
// CHATD_* environment overrides. A missing file is an error unless path is
// DefaultPath.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !(errors.Is(err, os.ErrNotExist) && path == DefaultPath) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"CHATD_INSTANCE":      &c.Instance,
		"CHATD_DATA_DIR":      &c.DataDir,
		"CHATD_HTTP_ADDR":     &c.HTTPAddr,
		"CHATD_ADMIN_SOCKET":  &c.AdminSocket,
		"CHATD_JWT_SECRET":    &c.Auth.JWTSecret,
		"CHATD_AGENT_API_KEY": &c.Agent.APIKey,
		"CHATD_AGENT_URL":     &c.Agent.Endpoint,
		"CHATD_REDIS_ADDR":    &c.Redis.Addr,
		"CHATD_OTEL_ENDPOINT": &c.OTel.Endpoint,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("CHATD_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := os.LookupEnv("CHATD_RATELIMIT_PER_MINUTE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATD_RATELIMIT_PER_MINUTE: %w", err)
		}
		c.RateLimit.PerMinute = n
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if err := ValidateInstance(c.Instance); err != nil {
		return err
	}
	if c.DataDir == "" {
		return errors.New("data_dir must be set")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set")
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Agent.UserID == "" {
		return errors.New("agent.user_id must be set")
	}
	if c.Agent.Timeout.Duration <= 0 {
		return errors.New("agent.timeout must be positive")
	}
	if c.Agent.HistoryWindow <= 0 {
		return errors.New("agent.history_window must be positive")
	}
	if c.WS.SendBuffer <= 0 {
		return errors.New("ws.send_buffer must be positive")
	}
	return nil
}

// ValidateInstance checks that name is usable as an instance name.
func ValidateInstance(name string) error {
	if !instanceRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
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
