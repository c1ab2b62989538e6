// Package factory builds the configured model provider.
package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PipeOpsHQ/qoe-assistant/llm"
	geminiprov "github.com/PipeOpsHQ/qoe-assistant/providers/gemini"
	openaiprov "github.com/PipeOpsHQ/qoe-assistant/providers/openai"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	DefaultTimeout = 60 * time.Second
)

type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	// RequestsPerSecond paces calls to the provider; zero disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// FromConfig builds a provider, wrapped in a rate limiter when pacing is
// configured.
func FromConfig(ctx context.Context, cfg Config) (llm.Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var (
		p   llm.Provider
		err error
	)
	switch name := strings.ToLower(strings.TrimSpace(cfg.Provider)); name {
	case "", ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when provider=openai")
		}
		opts := []openaiprov.Option{openaiprov.WithTimeout(timeout)}
		if cfg.Model != "" {
			opts = append(opts, openaiprov.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.BaseURL))
		}
		p, err = newOpenAI(cfg.APIKey, opts...)

	case ProviderGemini:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when provider=gemini")
		}
		opts := []geminiprov.Option{geminiprov.WithTimeout(timeout)}
		if cfg.Model != "" {
			opts = append(opts, geminiprov.WithModel(cfg.Model))
		}
		p, err = newGemini(ctx, cfg.APIKey, opts...)

	default:
		return nil, fmt.Errorf("unsupported provider %q (use openai or gemini)", name)
	}
	if err != nil {
		return nil, err
	}
	return llm.NewRateLimited(p, cfg.RequestsPerSecond, cfg.Burst), nil
}

// newOpenAI and newGemini return the interface so a nil client never
// becomes a non-nil provider.
func newOpenAI(key string, opts ...openaiprov.Option) (llm.Provider, error) {
	c, err := openaiprov.New(key, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newGemini(ctx context.Context, key string, opts ...geminiprov.Option) (llm.Provider, error) {
	c, err := geminiprov.New(ctx, key, opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConfigFromEnv reads QOE_PROVIDER and the provider's usual key variables.
func ConfigFromEnv() Config {
	cfg := Config{
		Provider:          strings.ToLower(getenv("QOE_PROVIDER", ProviderOpenAI)),
		Timeout:           getenvDuration("QOE_PROVIDER_TIMEOUT", DefaultTimeout),
		RequestsPerSecond: getenvFloat("QOE_PROVIDER_RPS", 0),
		Burst:             getenvInt("QOE_PROVIDER_BURST", 1),
	}
	switch cfg.Provider {
	case ProviderGemini:
		cfg.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		cfg.Model = getenv("GEMINI_MODEL", "")
	default:
		cfg.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		cfg.Model = getenv("OPENAI_MODEL", "")
		cfg.BaseURL = getenv("OPENAI_BASE_URL", "")
	}
	return cfg
}

func FromEnv(ctx context.Context) (llm.Provider, error) {
	return FromConfig(ctx, ConfigFromEnv())
}

func getenv(key, fallback string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	return val
}

func getenvInt(key string, fallback int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil {
		return fallback
	}
	return n
}

func getenvFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil {
		return fallback
	}
	return d
}
