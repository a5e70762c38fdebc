package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/logging"
)

// Defaults for the environment-driven settings.
const (
	DefaultBindAddr    = "0.0.0.0:9999"
	DefaultIdleTimeout = 600 * time.Second
	DefaultRTOBase     = time.Second
	DefaultRTOMax      = 8 * time.Second
	DefaultMaxAttempts = 5
	DefaultKeyDir      = "./storage/keys"
	DefaultMetricsAddr = "0.0.0.0:8080"
	DefaultWorkers     = 4
	DefaultAIWorkers   = 2
)

// AI backend selectors.
const (
	AIBackendNone   = "none"
	AIBackendOpenAI = "openai"
	AIBackendOllama = "ollama"
)

// Config holds everything the server needs to run.
type Config struct {
	// BindAddr is the UDP listen address. Default: DefaultBindAddr.
	BindAddr string

	// IdleTimeout evicts silent sessions. Default: DefaultIdleTimeout.
	IdleTimeout time.Duration

	// RTOBase, RTOMax and MaxAttempts shape the retransmission schedule.
	RTOBase     time.Duration
	RTOMax      time.Duration
	MaxAttempts int

	// KeyDir holds the server keypair PEM files. Default: DefaultKeyDir.
	KeyDir string

	// DBURL is the Postgres connection string. Empty selects the
	// in-memory store.
	DBURL string

	// AIBackend selects the reply generator: none, openai or ollama.
	AIBackend string

	// OpenAI settings, used when AIBackend is openai.
	OpenAIAPIKey string
	OpenAIModel  string

	// Ollama settings, used when AIBackend is ollama.
	OllamaURL   string
	OllamaModel string

	// MetricsAddr exposes /metrics. Empty disables the endpoint.
	MetricsAddr string

	// Workers sizes the handler pool. Default: DefaultWorkers.
	Workers int

	// AIWorkers sizes the AI pool. Default: DefaultAIWorkers.
	AIWorkers int

	// LoggerFactory is used for logging. Default: a new default factory.
	LoggerFactory logging.LoggerFactory
}

// ConfigFromEnv builds a Config from the environment, loading an optional
// .env file first.
func ConfigFromEnv() (*Config, error) {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	c := &Config{
		BindAddr:     os.Getenv("BIND_ADDR"),
		KeyDir:       os.Getenv("KEY_DIR"),
		DBURL:        os.Getenv("DB_URL"),
		AIBackend:    os.Getenv("AI_BACKEND"),
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("OPENAI_MODEL"),
		OllamaURL:    os.Getenv("OLLAMA_URL"),
		OllamaModel:  os.Getenv("OLLAMA_MODEL"),
		MetricsAddr:  envOr("METRICS_ADDR", DefaultMetricsAddr),
	}

	var err error
	if c.IdleTimeout, err = envSeconds("IDLE_TIMEOUT_SEC"); err != nil {
		return nil, err
	}
	if c.RTOBase, err = envMillis("RTO_BASE_MS"); err != nil {
		return nil, err
	}
	if c.RTOMax, err = envMillis("RTO_MAX_MS"); err != nil {
		return nil, err
	}
	if c.MaxAttempts, err = envInt("MAX_ATTEMPTS"); err != nil {
		return nil, err
	}
	if c.Workers, err = envInt("WORKERS"); err != nil {
		return nil, err
	}
	if c.AIWorkers, err = envInt("AI_WORKERS"); err != nil {
		return nil, err
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddr == "" {
		c.BindAddr = DefaultBindAddr
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.RTOBase <= 0 {
		c.RTOBase = DefaultRTOBase
	}
	if c.RTOMax <= 0 {
		c.RTOMax = DefaultRTOMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.KeyDir == "" {
		c.KeyDir = DefaultKeyDir
	}
	if c.AIBackend == "" {
		c.AIBackend = AIBackendNone
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.AIWorkers <= 0 {
		c.AIWorkers = DefaultAIWorkers
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Validate rejects settings no deployment can mean.
func (c *Config) Validate() error {
	switch c.AIBackend {
	case AIBackendNone, AIBackendOpenAI, AIBackendOllama:
	default:
		return fmt.Errorf("server: unknown AI_BACKEND %q", c.AIBackend)
	}
	if c.AIBackend == AIBackendOpenAI && c.OpenAIAPIKey == "" {
		return errors.New("server: AI_BACKEND=openai requires OPENAI_API_KEY")
	}
	if c.RTOMax < c.RTOBase {
		return errors.New("server: RTO_MAX_MS must be >= RTO_BASE_MS")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("server: parsing %s: %w", key, err)
	}
	return n, nil
}

func envSeconds(key string) (time.Duration, error) {
	n, err := envInt(key)
	return time.Duration(n) * time.Second, err
}

func envMillis(key string) (time.Duration, error) {
	n, err := envInt(key)
	return time.Duration(n) * time.Millisecond, err
}
