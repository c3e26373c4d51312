// Package config reads accesswatch settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/accesswatch/internal/alerting"
	"github.com/triage-ai/accesswatch/internal/engine"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the process-wide configuration shared by every binary.
type Config struct {
	LogLevel string
	HTTPPort string
	GRPCPort string

	PostgresDSN   string
	ClickHouseDSN string
	RedisAddr     string
	RedisPassword string
	OTLPEndpoint  string

	AdminKeyHash string        // bcrypt hash of the bootstrap admin key
	AuthCacheTTL time.Duration // operator key cache

	DetectInterval time.Duration // 0 disables the in-process scheduler
	RunTimeout     time.Duration

	Detection engine.Config
	Alerting  alerting.Config
	SMTP      SMTPConfig
}

// SMTPConfig holds mail relay settings. An empty Addr selects the log sender.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
}

// Load reads the environment, falling back to defaults for anything unset
// or unparsable. Detection settings are validated; other fields are not.
func Load() (Config, error) {
	det := engine.DefaultConfig()
	det.WindowDays = envOrDefaultInt("ACCESSWATCH_WINDOW_DAYS", det.WindowDays)
	det.MinEvents = envOrDefaultInt("ACCESSWATCH_MIN_EVENTS", det.MinEvents)
	det.Contamination = envOrDefaultFloat("ACCESSWATCH_CONTAMINATION", det.Contamination)
	det.NEstimators = envOrDefaultInt("ACCESSWATCH_N_ESTIMATORS", det.NEstimators)
	det.MaxSamples = envOrDefaultInt("ACCESSWATCH_MAX_SAMPLES", det.MaxSamples)
	det.RandomSeed = uint64(envOrDefaultInt("ACCESSWATCH_RANDOM_SEED", int(det.RandomSeed)))
	det.MetricsSampleCap = envOrDefaultInt("ACCESSWATCH_METRICS_SAMPLE_CAP", det.MetricsSampleCap)
	det.ModelPath = os.Getenv("ACCESSWATCH_MODEL_PATH")
	det.StableCodes = envOrDefaultBool("ACCESSWATCH_STABLE_CODES", false)
	det.Workers = envOrDefaultInt("ACCESSWATCH_WORKERS", 0)
	if v := envList("ACCESSWATCH_FEATURES"); len(v) > 0 {
		det.Features = v
	}
	det.Severity.CriticalAbove = envOrDefaultFloat("ACCESSWATCH_SEVERITY_CRITICAL", det.Severity.CriticalAbove)
	det.Severity.HighAbove = envOrDefaultFloat("ACCESSWATCH_SEVERITY_HIGH", det.Severity.HighAbove)

	if err := det.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	alert := alerting.DefaultConfig()
	alert.Admins = envList("ACCESSWATCH_ALERT_ADMINS")
	alert.SecurityOfficer = os.Getenv("ACCESSWATCH_SECURITY_OFFICER_EMAIL")
	alert.Monitor = os.Getenv("ACCESSWATCH_MONITOR_EMAIL")
	alert.From = envOrDefault("ACCESSWATCH_ALERT_FROM", alert.From)
	alert.DashboardURL = envOrDefault("ACCESSWATCH_DASHBOARD_URL", alert.DashboardURL)
	alert.Window = time.Duration(envOrDefaultInt("ACCESSWATCH_ALERT_WINDOW_S", int(alert.Window/time.Second))) * time.Second

	return Config{
		LogLevel:       envOrDefault("ACCESSWATCH_LOG_LEVEL", "info"),
		HTTPPort:       envOrDefault("ACCESSWATCH_HTTP_PORT", "8080"),
		GRPCPort:       envOrDefault("ACCESSWATCH_GRPC_PORT", "50061"),
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		ClickHouseDSN:  os.Getenv("CLICKHOUSE_DSN"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminKeyHash:   os.Getenv("ACCESSWATCH_ADMIN_KEY_HASH"),
		AuthCacheTTL:   time.Duration(envOrDefaultInt("ACCESSWATCH_AUTH_CACHE_TTL_S", 30)) * time.Second,
		DetectInterval: time.Duration(envOrDefaultInt("ACCESSWATCH_DETECT_INTERVAL_S", 0)) * time.Second,
		RunTimeout:     time.Duration(envOrDefaultInt("ACCESSWATCH_RUN_TIMEOUT_S", 900)) * time.Second,
		Detection:      det,
		Alerting:       alert,
		SMTP: SMTPConfig{
			Addr:     os.Getenv("SMTP_ADDR"),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},
	}, nil
}

// BuildLogger returns a JSON production logger at the given level.
func BuildLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// MustBuildLogger is BuildLogger for main packages.
func MustBuildLogger(level string) *zap.Logger {
	logger, err := BuildLogger(level)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
