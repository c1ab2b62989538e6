// Package config assembles runtime settings from a YAML file, a .env file
// and QOE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	providerfactory "github.com/PipeOpsHQ/qoe-assistant/providers/factory"
	sessionfactory "github.com/PipeOpsHQ/qoe-assistant/session/factory"
)

// Duration reads "30s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Dataset  DatasetConfig  `yaml:"dataset"`
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	State    StateConfig    `yaml:"state"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type DatasetConfig struct {
	Path      string `yaml:"path"`
	Delimiter string `yaml:"delimiter"`
}

type ProviderConfig struct {
	Name              string   `yaml:"name"`
	Model             string   `yaml:"model"`
	APIKey            string   `yaml:"apiKey"`
	BaseURL           string   `yaml:"baseURL"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond"`
	Burst             int      `yaml:"burst"`
}

type AgentConfig struct {
	MaxIterations     int      `yaml:"maxIterations"`
	DegenerateRetries int      `yaml:"degenerateRetries"`
	ProviderAttempts  int      `yaml:"providerAttempts"`
	BaseBackoff       Duration `yaml:"baseBackoff"`
	MaxBackoff        Duration `yaml:"maxBackoff"`
	ToolTimeout       Duration `yaml:"toolTimeout"`
	ParallelTools     bool     `yaml:"parallelTools"`
	MaxOutputTokens   int      `yaml:"maxOutputTokens"`
	Tools             []string `yaml:"tools"`
	Prompt            string   `yaml:"prompt"`
	PromptDir         string   `yaml:"promptDir"`
}

type StateConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlitePath"`
	Redis      RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
	Prefix   string   `yaml:"prefix"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		Dataset: DatasetConfig{Path: "dataset.csv", Delimiter: ","},
		Provider: ProviderConfig{
			Name:    providerfactory.ProviderOpenAI,
			Timeout: Duration(providerfactory.DefaultTimeout),
			Burst:   1,
		},
		Agent: AgentConfig{
			MaxIterations:     10,
			DegenerateRetries: 3,
			ProviderAttempts:  2,
			BaseBackoff:       Duration(200 * time.Millisecond),
			MaxBackoff:        Duration(2 * time.Second),
			ToolTimeout:       Duration(30 * time.Second),
			Tools:             []string{"@default"},
			PromptDir:         "./.qoe-assistant/prompts",
		},
		State: StateConfig{
			Backend:    sessionfactory.BackendSQLite,
			SQLitePath: sessionfactory.DefaultSQLitePath,
			Redis:      RedisConfig{Addr: sessionfactory.DefaultRedisAddr, TTL: Duration(72 * time.Hour), Prefix: "qoe"},
		},
		Server: ServerConfig{Addr: "127.0.0.1:7070"},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), loads .env files (missing ones are skipped)
// and applies environment overrides.
func Load(path string, dotenvFiles ...string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := LoadDotEnv(dotenvFiles...); err != nil {
		return Config{}, err
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the process environment without
// overriding variables that are already set.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) ApplyEnv() {
	c.Dataset.Path = StringEnv("QOE_DATASET", c.Dataset.Path)
	c.Dataset.Delimiter = StringEnv("QOE_DATASET_DELIMITER", c.Dataset.Delimiter)

	c.Provider.Name = strings.ToLower(StringEnv("QOE_PROVIDER", c.Provider.Name))
	c.Provider.Model = StringEnv("QOE_MODEL", c.Provider.Model)
	switch c.Provider.Name {
	case providerfactory.ProviderGemini:
		c.Provider.APIKey = StringEnv("GEMINI_API_KEY", c.Provider.APIKey)
		c.Provider.Model = StringEnv("GEMINI_MODEL", c.Provider.Model)
	default:
		c.Provider.APIKey = StringEnv("OPENAI_API_KEY", c.Provider.APIKey)
		c.Provider.Model = StringEnv("OPENAI_MODEL", c.Provider.Model)
		c.Provider.BaseURL = StringEnv("OPENAI_BASE_URL", c.Provider.BaseURL)
	}
	c.Provider.Timeout = Duration(ParseDurationEnv("QOE_PROVIDER_TIMEOUT", c.Provider.Timeout.Std()))
	c.Provider.RequestsPerSecond = ParseFloatEnv("QOE_PROVIDER_RPS", c.Provider.RequestsPerSecond)
	c.Provider.Burst = ParseIntEnv("QOE_PROVIDER_BURST", c.Provider.Burst)

	c.Agent.MaxIterations = ParseIntEnv("QOE_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Agent.DegenerateRetries = ParseIntEnv("QOE_DEGENERATE_RETRIES", c.Agent.DegenerateRetries)
	c.Agent.ProviderAttempts = ParseIntEnv("QOE_PROVIDER_ATTEMPTS", c.Agent.ProviderAttempts)
	c.Agent.ToolTimeout = Duration(ParseDurationEnv("QOE_TOOL_TIMEOUT", c.Agent.ToolTimeout.Std()))
	c.Agent.ParallelTools = ParseBoolEnv("QOE_PARALLEL_TOOLS", c.Agent.ParallelTools)
	if tools := SplitCSV(os.Getenv("QOE_TOOLS")); len(tools) > 0 {
		c.Agent.Tools = tools
	}
	c.Agent.Prompt = StringEnv("QOE_PROMPT", c.Agent.Prompt)
	c.Agent.PromptDir = StringEnv("QOE_PROMPT_DIR", c.Agent.PromptDir)

	c.State.Backend = strings.ToLower(StringEnv("QOE_STATE_BACKEND", c.State.Backend))
	c.State.SQLitePath = StringEnv("QOE_SQLITE_PATH", c.State.SQLitePath)
	c.State.Redis.Addr = StringEnv("QOE_REDIS_ADDR", c.State.Redis.Addr)
	c.State.Redis.Password = StringEnv("QOE_REDIS_PASSWORD", c.State.Redis.Password)
	c.State.Redis.DB = ParseIntEnv("QOE_REDIS_DB", c.State.Redis.DB)
	c.State.Redis.TTL = Duration(ParseDurationEnv("QOE_REDIS_TTL", c.State.Redis.TTL.Std()))
	c.State.Redis.Prefix = StringEnv("QOE_REDIS_PREFIX", c.State.Redis.Prefix)

	c.Server.Addr = StringEnv("QOE_SERVER_ADDR", c.Server.Addr)
	c.Log.Level = StringEnv("QOE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = strings.ToLower(StringEnv("QOE_LOG_FORMAT", c.Log.Format))
	c.Tracing.Enabled = ParseBoolEnv("QOE_TRACING", c.Tracing.Enabled)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Provider.Name {
	case providerfactory.ProviderOpenAI, providerfactory.ProviderGemini:
	default:
		errs = append(errs, fmt.Errorf("provider.name must be openai or gemini, got %q", c.Provider.Name))
	}
	switch c.State.Backend {
	case sessionfactory.BackendMemory, sessionfactory.BackendSQLite, sessionfactory.BackendRedis, sessionfactory.BackendHybrid:
	default:
		errs = append(errs, fmt.Errorf("state.backend must be memory, sqlite, redis or hybrid, got %q", c.State.Backend))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, errors.New("agent.maxIterations must be positive"))
	}
	if c.Agent.DegenerateRetries < 0 {
		errs = append(errs, errors.New("agent.degenerateRetries must not be negative"))
	}
	if utf8.RuneCountInString(c.Dataset.Delimiter) != 1 {
		errs = append(errs, fmt.Errorf("dataset.delimiter must be a single character, got %q", c.Dataset.Delimiter))
	}
	return errors.Join(errs...)
}

// DelimiterRune returns the configured CSV delimiter.
func (c Config) DelimiterRune() rune {
	r, _ := utf8.DecodeRuneInString(c.Dataset.Delimiter)
	return r
}

func (c Config) ProviderConfig() providerfactory.Config {
	return providerfactory.Config{
		Provider:          c.Provider.Name,
		Model:             c.Provider.Model,
		APIKey:            c.Provider.APIKey,
		BaseURL:           c.Provider.BaseURL,
		Timeout:           c.Provider.Timeout.Std(),
		RequestsPerSecond: c.Provider.RequestsPerSecond,
		Burst:             c.Provider.Burst,
	}
}

func (c Config) StateConfig() sessionfactory.Config {
	return sessionfactory.Config{
		Backend:    c.State.Backend,
		SQLitePath: c.State.SQLitePath,
		Redis: sessionfactory.RedisConfig{
			Addr:     c.State.Redis.Addr,
			Password: c.State.Redis.Password,
			DB:       c.State.Redis.DB,
			TTL:      c.State.Redis.TTL.Std(),
			Prefix:   c.State.Redis.Prefix,
		},
	}
}
