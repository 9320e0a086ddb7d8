// Package config loads and validates gateway configuration from environment
// variables. Missing variables use defaults; malformed values are collected
// and reported together so an operator sees every problem in one pass.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Admission credentials.
	APIKey    string // Shared key checked on X-API-Key.
	APISecret string // HMAC secret for X-Signature.

	// Request admission limits.
	MaxRequestBodyBytes int64
	TimestampSkew       time.Duration // Allowed |server - X-Timestamp| window.
	NonceTTL            time.Duration
	NonceMaxEntries     int
	RateLimitPerMinute  int

	// Data layout.
	LogRoot string // Root for trust log, keys, governance, memory, reports.

	// CORS settings.
	CORSAllowOrigins []string // Explicit allow-list; "*" entries are dropped.

	// FUJI gate.
	FujiPolicyPath string // YAML policy file; empty = built-in defaults.
	SafetyMode     string // "heuristic" forces the fallback safety head.
	MinEvidence    int

	// Self-healing budgets.
	SelfHealingEnabled  bool
	MaxHealingAttempts  int
	HealingMaxSteps     int
	HealingMaxSeconds   float64
	HealingMaxSameError int

	// Pipeline.
	RequestDeadline time.Duration

	// LLM client.
	LLMProvider   string
	LLMModel      string
	LLMBaseURL    string
	LLMAPIKey     string
	LLMTimeout    time.Duration
	LLMMaxRetries int

	// Web search.
	WebSearchURL string
	WebSearchKey string

	// Embedding / remote vector index.
	EmbeddingDimensions int
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel  string
	DebugMode bool // Echo raw bodies in 422 validation responses.
}

// Load reads configuration from environment variables.
// Returns an error listing every unparseable value.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		APIKey:           envStr("VERITAS_API_KEY", ""),
		APISecret:        envStr("VERITAS_API_SECRET", ""),
		LogRoot:          envFirst([]string{"VERITAS_LOG_ROOT", "VERITAS_DATA_DIR"}, "./veritas-data"),
		CORSAllowOrigins: splitOrigins(envStr("VERITAS_CORS_ALLOW_ORIGINS", "")),
		FujiPolicyPath:   envStr("VERITAS_FUJI_POLICY", ""),
		SafetyMode:       strings.ToLower(envStr("VERITAS_SAFETY_MODE", "")),
		LLMProvider:      envStr("LLM_PROVIDER", "openai"),
		LLMModel:         envStr("LLM_MODEL", "gpt-4.1-mini"),
		LLMBaseURL:       envStr("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:        envFirst([]string{"OPENAI_API_KEY", "LLM_API_KEY"}, ""),
		WebSearchURL:     envStr("VERITAS_WEBSEARCH_URL", ""),
		WebSearchKey:     envStr("VERITAS_WEBSEARCH_KEY", ""),
		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		QdrantCollection: envStr("QDRANT_COLLECTION", "veritas_memory"),
		OTELEndpoint:     envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:      envStr("OTEL_SERVICE_NAME", "veritas"),
		LogLevel:         envStr("VERITAS_LOG_LEVEL", "info"),
	}

	cfg.Port, errs = collectInt(errs, "VERITAS_PORT", 8080)
	cfg.EmbeddingDimensions, errs = collectInt(errs, "VERITAS_EMBEDDING_DIMENSIONS", 384)
	cfg.NonceMaxEntries, errs = collectInt(errs, "VERITAS_NONCE_MAX_ENTRIES", 100_000)
	cfg.RateLimitPerMinute, errs = collectInt(errs, "VERITAS_RATE_LIMIT_PER_MINUTE", 60)
	cfg.MinEvidence, errs = collectInt(errs, "VERITAS_MIN_EVIDENCE", 1)
	cfg.MaxHealingAttempts, errs = collectInt(errs, "VERITAS_MAX_HEALING_ATTEMPTS", 3)
	cfg.HealingMaxSteps, errs = collectInt(errs, "VERITAS_HEALING_MAX_STEPS", 6)
	cfg.HealingMaxSameError, errs = collectInt(errs, "VERITAS_HEALING_MAX_SAME_ERROR", 2)
	cfg.LLMMaxRetries, errs = collectInt(errs, "LLM_MAX_RETRIES", 3)

	var maxBody int
	maxBody, errs = collectInt(errs, "VERITAS_MAX_REQUEST_BODY_BYTES", 10*1024*1024)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	cfg.HealingMaxSeconds, errs = collectFloat(errs, "VERITAS_HEALING_MAX_SECONDS", 20.0)

	cfg.SelfHealingEnabled, errs = collectBool(errs, "VERITAS_SELF_HEALING_ENABLED", true)
	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)
	cfg.DebugMode, errs = collectBool(errs, "VERITAS_DEBUG_MODE", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "VERITAS_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "VERITAS_WRITE_TIMEOUT", 90*time.Second)
	cfg.TimestampSkew, errs = collectDuration(errs, "VERITAS_TIMESTAMP_SKEW", 300*time.Second)
	cfg.NonceTTL, errs = collectDuration(errs, "VERITAS_NONCE_TTL", 300*time.Second)
	cfg.RequestDeadline, errs = collectDuration(errs, "VERITAS_REQUEST_DEADLINE", 60*time.Second)
	cfg.LLMTimeout, errs = collectDuration(errs, "LLM_TIMEOUT", 60*time.Second)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that cannot be expressed as simple
// parse failures.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: VERITAS_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxRequestBodyBytes < 1 {
		return fmt.Errorf("config: VERITAS_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("config: VERITAS_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("config: VERITAS_EMBEDDING_DIMENSIONS must be positive")
	}
	return nil
}

// AuthConfigured reports whether admission credentials are present. The
// server refuses authenticated routes without them.
func (c Config) AuthConfigured() bool {
	return c.APIKey != "" && c.APISecret != ""
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envFirst(keys []string, def string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return v
		}
	}
	return def
}

// splitOrigins parses a comma-separated origin list. A wildcard entry is
// dropped: reflecting arbitrary origins on an authenticated API is unsafe.
func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		p := strings.TrimSpace(part)
		if p == "" || p == "*" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func collectInt(errs []error, key string, def int) (int, []error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: expected integer, got %q", key, v))
	}
	return n, errs
}

func collectFloat(errs []error, key string, def float64) (float64, []error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: expected number, got %q", key, v))
	}
	return f, errs
}

func collectBool(errs []error, key string, def bool) (bool, []error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, errs
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, errs
	case "0", "false", "no", "off":
		return false, errs
	default:
		return def, append(errs, fmt.Errorf("%s: expected boolean, got %q", key, v))
	}
}

func collectDuration(errs []error, key string, def time.Duration) (time.Duration, []error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, errs
	}
	// Accept bare seconds for compatibility with the original deployment.
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s: expected duration, got %q", key, v))
	}
	return d, errs
}
