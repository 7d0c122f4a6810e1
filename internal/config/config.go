package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr     string
	LogLevel string

	// Gateway API keys (comma-separated). Empty means open/dev mode.
	APIKeys []string

	// Server-default provider keys. Used when a request carries no BYOK
	// header and the user has no stored key for the provider.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GroqAPIKey      string
	GoogleAPIKey    string
	DeepSeekAPIKey  string

	// Optional name of an AWS Secrets Manager secret holding the default
	// provider keys as JSON; overrides the per-provider env vars.
	ProviderKeysSecret string
	AWSRegion          string

	RedisURL    string
	DatabaseURL string

	OTLPEndpoint string

	IntentDetectorURL string

	JWTSecret      string
	JWTExpiry      time.Duration
	EncryptionKey  string
	RateLimitRPM   int
	SNSTopicARN    string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	// Missing .env is fine; env vars still apply.
	_ = godotenv.Load()

	cfg := &Config{
		Addr:               getEnv("ADDR", ":8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		APIKeys:            splitCSV(getEnv("TOKENROUTER_API_KEYS", "")),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:    getEnv("ANTHROPIC_API_KEY", ""),
		GroqAPIKey:         getEnv("GROQ_API_KEY", ""),
		GoogleAPIKey:       getEnv("GOOGLE_API_KEY", ""),
		DeepSeekAPIKey:     getEnv("DEEPSEEK_API_KEY", ""),
		ProviderKeysSecret: getEnv("PROVIDER_KEYS_SECRET", ""),
		AWSRegion:          getEnv("AWS_REGION", ""),
		RedisURL:           getEnv("REDIS_URL", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		OTLPEndpoint:       getEnv("OTLP_ENDPOINT", ""),
		IntentDetectorURL:  getEnv("INTENT_DETECTOR_URL", ""),
		JWTSecret:          getEnv("TOKENROUTER_JWT_SECRET", "change-me-in-production"),
		JWTExpiry:          getDurationEnv("TOKENROUTER_JWT_EXPIRY", 24*time.Hour),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		RateLimitRPM:       getIntEnv("RATE_LIMIT_RPM", 60),
		SNSTopicARN:        getEnv("SNS_TOPIC_ARN", ""),
		RequestTimeout:     getDurationEnv("REQUEST_TIMEOUT", 30*time.Second),
		StreamTimeout:      getDurationEnv("STREAM_TIMEOUT", 120*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// DefaultProviderKeys maps provider names to server-default credentials.
// Providers without a key remain registered and are BYOK-only.
func (c *Config) DefaultProviderKeys() map[string]string {
	keys := make(map[string]string)
	for provider, key := range map[string]string{
		"openai":    c.OpenAIAPIKey,
		"anthropic": c.AnthropicAPIKey,
		"groq":      c.GroqAPIKey,
		"google":    c.GoogleAPIKey,
		"deepseek":  c.DeepSeekAPIKey,
	} {
		if key != "" {
			keys[provider] = key
		}
	}
	return keys
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
