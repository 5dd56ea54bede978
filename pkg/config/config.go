// Package config loads the engine configuration from the environment into a
// single immutable Settings value. Components receive a copy; there is no
// mutable global.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psc0des/sentinellayer/pkg/models"
)

// ErrConfig marks fatal configuration problems detected at startup.
var ErrConfig = errors.New("config error")

const weightTolerance = 1e-9

type Settings struct {
	// Storage mode: true routes audit/registry to file-backed stores under
	// DataDir; false expects Postgres (DATABASE_URL) and optional Redis.
	UseLocalMocks bool
	DataDir       string

	AutoApproveThreshold float64
	HumanReviewThreshold float64
	Weights              models.Weights

	EvaluatorTimeout         time.Duration
	MaxConcurrentEvaluations int

	// ServerURL is advertised in the agent card.
	ServerURL string
	Addr      string

	// Per-agent admission rate for surface A, requests per window.
	RateLimitPerMinute int

	// Optional Kafka event bus.
	KafkaBrokers       []string
	KafkaVerdictTopic  string
	KafkaIncidentTopic string
	KafkaGroupID       string

	// Optional LLM narration pass; never affects scores.
	NarrationEnabled bool
	NarrationBaseURL string
	NarrationAPIKey  string
	NarrationModel   string
}

// Load reads the environment and validates the result. Invalid weights or
// threshold ordering return an error wrapping ErrConfig.
func Load() (Settings, error) {
	s := Settings{
		UseLocalMocks:        envBool("USE_LOCAL_MOCKS", true),
		DataDir:              env("DATA_DIR", "data"),
		AutoApproveThreshold: envFloat("AUTO_APPROVE_THRESHOLD", 25),
		HumanReviewThreshold: envFloat("HUMAN_REVIEW_THRESHOLD", 60),
		Weights: models.Weights{
			Infrastructure: envFloat("WEIGHT_INFRA", 0.30),
			Policy:         envFloat("WEIGHT_POLICY", 0.25),
			Historical:     envFloat("WEIGHT_HISTORICAL", 0.25),
			Cost:           envFloat("WEIGHT_COST", 0.20),
		},
		EvaluatorTimeout:         time.Second * time.Duration(envInt("EVALUATOR_TIMEOUT_SECONDS", 10)),
		MaxConcurrentEvaluations: envInt("MAX_CONCURRENT_EVALUATIONS", 64),
		ServerURL:                env("SERVER_URL", "http://localhost:8000"),
		Addr:                     env("ADDR", ":8000"),
		RateLimitPerMinute:       envInt("RATE_LIMIT_PER_MINUTE", 240),
		KafkaBrokers:             splitList(env("KAFKA_BROKERS", "")),
		KafkaVerdictTopic:        env("KAFKA_VERDICT_TOPIC", "sentinel-verdicts"),
		KafkaIncidentTopic:       env("KAFKA_INCIDENT_TOPIC", ""),
		KafkaGroupID:             env("KAFKA_GROUP_ID", "sentinel"),
		NarrationEnabled:         envBool("NARRATION_ENABLED", false),
		NarrationBaseURL:         env("NARRATION_BASE_URL", ""),
		NarrationAPIKey:          env("NARRATION_API_KEY", ""),
		NarrationModel:           env("NARRATION_MODEL", "gpt-4o-mini"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate enforces the startup invariants.
func (s Settings) Validate() error {
	if math.Abs(s.Weights.Sum()-1.0) > weightTolerance {
		return fmt.Errorf("%w: SRI weights sum to %.12f, want 1.0", ErrConfig, s.Weights.Sum())
	}
	if s.AutoApproveThreshold < 0 {
		return fmt.Errorf("%w: auto_approve_threshold %.2f is negative", ErrConfig, s.AutoApproveThreshold)
	}
	if s.AutoApproveThreshold > s.HumanReviewThreshold {
		return fmt.Errorf("%w: auto_approve_threshold %.2f exceeds human_review_threshold %.2f",
			ErrConfig, s.AutoApproveThreshold, s.HumanReviewThreshold)
	}
	if s.HumanReviewThreshold > 100 {
		return fmt.Errorf("%w: human_review_threshold %.2f exceeds 100", ErrConfig, s.HumanReviewThreshold)
	}
	if s.EvaluatorTimeout <= 0 {
		return fmt.Errorf("%w: evaluator_timeout_seconds must be positive", ErrConfig)
	}
	if s.MaxConcurrentEvaluations <= 0 {
		return fmt.Errorf("%w: max_concurrent_evaluations must be positive", ErrConfig)
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return def
	}
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
