package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig is the subset of connection parameters the top-level
// Config exposes: only the raw DATABASE_URL DSN, which Validate requires.
// The entrypoint builds pkg/database.Config from pkg/database's own env
// loader, not from this DSN.
type DatabaseConfig struct {
	DSN string
}

// LLMConfig configures the C3 oracle adapter's transport.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	Model          string
}

// DiagnosisConfig holds the C2/C4 sufficiency thresholds.
type DiagnosisConfig struct {
	MinMeals               int
	MinSymptomOccurrences  int
	ClusteringWindowHours  int
}

// CostConfig prices LLM calls per §4.8. Rates are cents per 1,000 tokens
// and are applied as-is; the accountant's shopspring/decimal result is
// stored directly as estimated_cost_cents.
type CostConfig struct {
	SonnetInputCostPer1K  float64
	SonnetOutputCostPer1K float64
}

// HTTPConfig configures C10's server.
type HTTPConfig struct {
	Addr string
}

// Config is the top-level, typed configuration surface for the diagnosis
// pipeline binary — the scoped-down analogue of the teacher's elaborate
// agent/chain/MCP YAML registries (§4.11): this pipeline has no pluggable
// multi-agent system, so it needs a handful of env-driven structs instead
// of a registry loader.
type Config struct {
	Database  DatabaseConfig
	LLM       LLMConfig
	Diagnosis DiagnosisConfig
	Cost      CostConfig
	Queue     *QueueConfig
	HTTP      HTTPConfig
	LogLevel  string
}

// Load reads configuration from the environment (with .env support for
// local development, exactly as the teacher's entrypoint does), applying
// typed defaults wherever a key is unset.
func Load() (*Config, error) {
	_ = godotenv.Load()

	llmTimeout, err := parseSecondsEnv("LLM_TIMEOUT", 180)
	if err != nil {
		return nil, NewLoadError("LLM_TIMEOUT", err)
	}
	llmConnectTimeout, err := parseSecondsEnv("LLM_CONNECT_TIMEOUT", 10)
	if err != nil {
		return nil, NewLoadError("LLM_CONNECT_TIMEOUT", err)
	}
	minMeals, err := parseIntEnv("DIAGNOSIS_MIN_MEALS", 3)
	if err != nil {
		return nil, NewLoadError("DIAGNOSIS_MIN_MEALS", err)
	}
	minSymptoms, err := parseIntEnv("DIAGNOSIS_MIN_SYMPTOM_OCCURRENCES", 3)
	if err != nil {
		return nil, NewLoadError("DIAGNOSIS_MIN_SYMPTOM_OCCURRENCES", err)
	}
	inputCost, err := parseFloatEnv("SONNET_INPUT_COST_PER_1K", 0.3)
	if err != nil {
		return nil, NewLoadError("SONNET_INPUT_COST_PER_1K", err)
	}
	outputCost, err := parseFloatEnv("SONNET_OUTPUT_COST_PER_1K", 1.5)
	if err != nil {
		return nil, NewLoadError("SONNET_OUTPUT_COST_PER_1K", err)
	}

	queueCfg, err := loadQueueConfigFromEnv()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Database: DatabaseConfig{DSN: os.Getenv("DATABASE_URL")},
		LLM: LLMConfig{
			APIKey:         os.Getenv("LLM_API_KEY"),
			BaseURL:        getenvOr("LLM_BASE_URL", ""),
			Timeout:        llmTimeout,
			ConnectTimeout: llmConnectTimeout,
			Model:          getenvOr("LLM_MODEL", "claude-sonnet-4"),
		},
		Diagnosis: DiagnosisConfig{
			MinMeals:              minMeals,
			MinSymptomOccurrences: minSymptoms,
			ClusteringWindowHours: 4,
		},
		Cost: CostConfig{
			SonnetInputCostPer1K:  inputCost,
			SonnetOutputCostPer1K: outputCost,
		},
		Queue:    queueCfg,
		HTTP:     HTTPConfig{Addr: getenvOr("HTTP_ADDR", ":8080")},
		LogLevel: getenvOr("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the required fields are present.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewValidationError("database", "dsn", "", fmt.Errorf("%w: DATABASE_URL", ErrMissingRequiredField))
	}
	if c.LLM.APIKey == "" {
		return NewValidationError("llm", "api_key", "", fmt.Errorf("%w: LLM_API_KEY", ErrMissingRequiredField))
	}
	if c.Diagnosis.MinMeals < 1 {
		return NewValidationError("diagnosis", "min_meals", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if c.Diagnosis.MinSymptomOccurrences < 1 {
		return NewValidationError("diagnosis", "min_symptom_occurrences", "", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}

func loadQueueConfigFromEnv() (*QueueConfig, error) {
	workerCount, err := parseIntEnv("WORKER_COUNT", 5)
	if err != nil {
		return nil, NewLoadError("WORKER_COUNT", err)
	}
	pollInterval, err := parseSecondsEnv("POLL_INTERVAL", 1)
	if err != nil {
		return nil, NewLoadError("POLL_INTERVAL", err)
	}
	pollJitter, err := parseMillisEnv("POLL_INTERVAL_JITTER", 500)
	if err != nil {
		return nil, NewLoadError("POLL_INTERVAL_JITTER", err)
	}
	taskTimeout, err := parseSecondsEnv("TASK_TIMEOUT", 900)
	if err != nil {
		return nil, NewLoadError("TASK_TIMEOUT", err)
	}
	shutdownTimeout, err := parseSecondsEnv("GRACEFUL_SHUTDOWN_TIMEOUT", 900)
	if err != nil {
		return nil, NewLoadError("GRACEFUL_SHUTDOWN_TIMEOUT", err)
	}
	orphanInterval, err := parseSecondsEnv("ORPHAN_DETECTION_INTERVAL", 300)
	if err != nil {
		return nil, NewLoadError("ORPHAN_DETECTION_INTERVAL", err)
	}
	orphanThreshold, err := parseSecondsEnv("ORPHAN_THRESHOLD", 300)
	if err != nil {
		return nil, NewLoadError("ORPHAN_THRESHOLD", err)
	}

	cfg := DefaultQueueConfig()
	cfg.WorkerCount = workerCount
	cfg.PollInterval = pollInterval
	cfg.PollIntervalJitter = pollJitter
	cfg.SessionTimeout = taskTimeout
	cfg.GracefulShutdownTimeout = shutdownTimeout
	cfg.OrphanDetectionInterval = orphanInterval
	cfg.OrphanThreshold = orphanThreshold
	return cfg, nil
}

func getenvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func parseFloatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseSecondsEnv(key string, defSeconds int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parseMillisEnv(key string, defMillis int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(defMillis) * time.Millisecond, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
