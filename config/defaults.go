// =============================================================================
// Default configuration values
// =============================================================================
package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Fragment:  DefaultFragmentConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // streaming responses must not hit a fixed write deadline
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 15 * time.Second,
		MetricsAddr:     ":9091",
	}
}

// DefaultFragmentConfig returns the default fragment composition settings.
func DefaultFragmentConfig() FragmentConfig {
	return FragmentConfig{
		DefaultTimeout:        3 * time.Second,
		MaxAssetLinks:         4,
		MaxUpstreamConns:      64,
		FallbackHTML:          "<!-- fragment unavailable -->",
		AllowedRequestHeaders: []string{"Accept-Language", "User-Agent"},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "fragserve",
		SampleRate:   0.1,
	}
}
