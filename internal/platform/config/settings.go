package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"video-digest/internal/transcribe"
)

var (
	// ErrMissingProxySecret is returned when AUDIO_PROXY_SECRET is not set.
	// Relay tokens are never issued unsigned, so the service refuses to start.
	ErrMissingProxySecret = errors.New("AUDIO_PROXY_SECRET is not set")

	// ErrMissingPublicBaseURL is returned when url mode is selected without a
	// base address the recognition service can reach.
	ErrMissingPublicBaseURL = errors.New("PUBLIC_BASE_URL is required when TRANSCRIBE_MODE=url")
)

// Settings holds every runtime knob of the service.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	ProxySecret   string
	RelayTokenTTL time.Duration
	PublicBaseURL string

	DashScopeAPIKey  string
	DashScopeBaseURL string
	TranscribeMode   string
	PollInterval     time.Duration
	PollMaxAttempts  int

	LLMBaseURL string
	LLMModel   string

	RateLimitWindow time.Duration
	RateLimitMax    int

	RedisURL string
	CacheTTL time.Duration

	AllowedOrigins []string
}

// LoadSettings reads Settings from the environment and validates them.
func LoadSettings() (Settings, error) {
	s := Settings{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		ProxySecret:   GetEnv("AUDIO_PROXY_SECRET", ""),
		RelayTokenTTL: GetEnvDuration("RELAY_TOKEN_TTL", 15*time.Minute),
		PublicBaseURL: strings.TrimRight(GetEnv("PUBLIC_BASE_URL", ""), "/"),

		DashScopeAPIKey:  GetEnv("DASHSCOPE_API_KEY", ""),
		DashScopeBaseURL: GetEnv("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/api/v1"),
		TranscribeMode:   strings.ToLower(GetEnv("TRANSCRIBE_MODE", transcribe.ModeUpload)),
		PollInterval:     GetEnvDuration("POLL_INTERVAL", 3*time.Second),
		PollMaxAttempts:  GetEnvInt("POLL_MAX_ATTEMPTS", 90),

		LLMBaseURL: GetEnv("LLM_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		LLMModel:   GetEnv("LLM_MODEL", "qwen3-235b-a22b"),

		RateLimitWindow: GetEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		RateLimitMax:    GetEnvInt("RATE_LIMIT_MAX", 10),

		RedisURL: GetEnv("REDIS_URL", ""),
		CacheTTL: GetEnvDuration("CACHE_TTL", 24*time.Hour),

		AllowedOrigins: GetEnvList("ALLOWED_ORIGINS"),
	}
	return s, s.Validate()
}

// Validate reports the first misconfiguration found.
func (s Settings) Validate() error {
	if s.ProxySecret == "" {
		return ErrMissingProxySecret
	}
	switch s.TranscribeMode {
	case transcribe.ModeUpload:
	case transcribe.ModeURL:
		if s.PublicBaseURL == "" {
			return ErrMissingPublicBaseURL
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBE_MODE %q (want %q or %q)", s.TranscribeMode, transcribe.ModeUpload, transcribe.ModeURL)
	}
	if s.PollMaxAttempts < 1 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be at least 1, got %d", s.PollMaxAttempts)
	}
	if s.RateLimitMax < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX must be at least 1, got %d", s.RateLimitMax)
	}
	return nil
}
