package config

import (
	"time"

	"github.com/railguard/railguard/guard"
)

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		LLM:       DefaultLLMConfig(),
		Guard:     guard.DefaultConfig(),
		Cache:     DefaultCacheConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default HTTP server settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		Auth: AuthConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     100,
			Burst:   200,
		},
	}
}

// DefaultLLMConfig returns default provider settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:   "openai",
		Model:      "gpt-4o",
		Timeout:    2 * time.Minute,
		MaxRetries: 3,
	}
}

// DefaultCacheConfig returns the verdict cache defaults, disabled.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled: false,
		Redis:   guard.DefaultCacheConfig(),
	}
}

// DefaultLogConfig returns default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultMetricsConfig returns default Prometheus settings.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "railguard",
	}
}

// DefaultTelemetryConfig returns default tracing settings, disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "railguard",
		SampleRate:   1.0,
	}
}
