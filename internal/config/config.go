package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the gateway process.
type Config struct {
	App       AppConfig
	Gateway   GatewayConfig
	Retry     RetryConfig
	Session   SessionConfig
	Transport TransportConfig
	Retention RetentionConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// GatewayConfig identifies this device and locates the controller.
type GatewayConfig struct {
	// EndpointURL is the controller socket endpoint. Optional here because a
	// previously persisted endpoint in the store also satisfies it.
	EndpointURL string
	DeviceName  string
	AppVersion  string
	DBPath      string
}

// RetryConfig controls job retry and backoff behaviour.
type RetryConfig struct {
	MaxAttempts        int
	BaseBackoffSeconds int
	MaxBackoffSeconds  int
	JitterSeconds      int
	SweepSeconds       int
}

// SessionConfig controls the controller session reconnect behaviour.
type SessionConfig struct {
	ReconnectBaseSeconds int
	ReconnectMaxSeconds  int
	DialTimeoutSeconds   int
}

// TransportConfig tunes the local message transport.
type TransportConfig struct {
	SendConcurrency int
	MockScenario    string
	MockLatencyMs   int
}

// RetentionConfig bounds how long terminal jobs are kept.
type RetentionConfig struct {
	Days int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Gateway.EndpointURL = ldr.getString("GATEWAY_URL", "", false)
	cfg.Gateway.DeviceName = ldr.getString("DEVICE_NAME", defaultDeviceName(), false)
	cfg.Gateway.AppVersion = ldr.getString("APP_VERSION", "1.0.0", false)
	cfg.Gateway.DBPath = ldr.getString("DB_PATH", "gateway.db", false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Retry.BaseBackoffSeconds = ldr.getInt("BASE_BACKOFF_SECONDS", 5, false)
	cfg.Retry.MaxBackoffSeconds = ldr.getInt("MAX_BACKOFF_SECONDS", 300, false)
	cfg.Retry.JitterSeconds = ldr.getInt("BACKOFF_JITTER_SECONDS", 5, false)
	cfg.Retry.SweepSeconds = ldr.getInt("RETRY_SWEEP_SECONDS", 15, false)

	cfg.Session.ReconnectBaseSeconds = ldr.getInt("RECONNECT_BASE_SECONDS", 5, false)
	cfg.Session.ReconnectMaxSeconds = ldr.getInt("RECONNECT_MAX_SECONDS", 60, false)
	cfg.Session.DialTimeoutSeconds = ldr.getInt("DIAL_TIMEOUT_SECONDS", 10, false)

	cfg.Transport.SendConcurrency = ldr.getInt("SEND_CONCURRENCY", 4, false)
	cfg.Transport.MockScenario = ldr.getString("MOCK_SCENARIO", "success", false)
	cfg.Transport.MockLatencyMs = ldr.getInt("MOCK_LATENCY_MS", 25, false)

	cfg.Retention.Days = ldr.getInt("RETENTION_DAYS", 30, false)

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "gateway"
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		i, err := strconv.Atoi(val)
		if err != nil {
			l.addError(fmt.Sprintf("%s must be a valid integer", key))
			return def
		}
		return i
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
