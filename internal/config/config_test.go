package config

import (
	"testing"
	"time"

	"github.com/triage-ai/accesswatch/internal/engine"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	d := cfg.Detection
	if d.WindowDays != 180 || d.MinEvents != 50 || d.NEstimators != 100 || d.RandomSeed != 42 {
		t.Errorf("unexpected detection defaults: %+v", d)
	}
	if d.Contamination != 0.05 {
		t.Errorf("contamination = %v, want 0.05", d.Contamination)
	}
	if len(d.Features) != len(engine.DefaultFeatures) {
		t.Errorf("features = %v", d.Features)
	}
	if cfg.HTTPPort != "8080" || cfg.LogLevel != "info" {
		t.Errorf("unexpected server defaults: port=%s level=%s", cfg.HTTPPort, cfg.LogLevel)
	}
	if cfg.AuthCacheTTL != 30*time.Second {
		t.Errorf("AuthCacheTTL = %v", cfg.AuthCacheTTL)
	}
	if cfg.DetectInterval != 0 {
		t.Errorf("scheduler should be off by default, got %v", cfg.DetectInterval)
	}
	if cfg.Alerting.Window != 5*time.Minute {
		t.Errorf("alert window = %v, want 5m", cfg.Alerting.Window)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ACCESSWATCH_WINDOW_DAYS", "30")
	t.Setenv("ACCESSWATCH_CONTAMINATION", "0.01")
	t.Setenv("ACCESSWATCH_N_ESTIMATORS", "250")
	t.Setenv("ACCESSWATCH_RANDOM_SEED", "7")
	t.Setenv("ACCESSWATCH_FEATURES", "hour_of_day, user_email")
	t.Setenv("ACCESSWATCH_STABLE_CODES", "true")
	t.Setenv("ACCESSWATCH_ALERT_ADMINS", "a@x.com, ,b@x.com")
	t.Setenv("ACCESSWATCH_DETECT_INTERVAL_S", "3600")
	t.Setenv("ACCESSWATCH_SEVERITY_HIGH", "0.65")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d := cfg.Detection
	if d.WindowDays != 30 || d.Contamination != 0.01 || d.NEstimators != 250 || d.RandomSeed != 7 {
		t.Errorf("overrides not applied: %+v", d)
	}
	if len(d.Features) != 2 || d.Features[0] != "hour_of_day" || d.Features[1] != "user_email" {
		t.Errorf("features = %v", d.Features)
	}
	if !d.StableCodes {
		t.Error("expected stable codes on")
	}
	if d.Severity.HighAbove != 0.65 {
		t.Errorf("HighAbove = %v", d.Severity.HighAbove)
	}
	if len(cfg.Alerting.Admins) != 2 {
		t.Errorf("admins = %v", cfg.Alerting.Admins)
	}
	if cfg.DetectInterval != time.Hour {
		t.Errorf("DetectInterval = %v", cfg.DetectInterval)
	}
}

func TestLoad_UnparsableFallsBack(t *testing.T) {
	t.Setenv("ACCESSWATCH_MIN_EVENTS", "lots")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Detection.MinEvents != 50 {
		t.Errorf("MinEvents = %d, want default 50", cfg.Detection.MinEvents)
	}
}

func TestLoad_RejectsInvalidDetection(t *testing.T) {
	tests := map[string]string{
		"ACCESSWATCH_CONTAMINATION": "0.9",
		"ACCESSWATCH_FEATURES":      "hour_of_day,geo",
		"ACCESSWATCH_WINDOW_DAYS":   "0",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestBuildLogger_Levels(t *testing.T) {
	for _, lvl := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger, err := BuildLogger(lvl)
		if err != nil {
			t.Fatalf("BuildLogger(%s): %v", lvl, err)
		}
		if lvl == "debug" && !logger.Core().Enabled(-1) {
			t.Error("debug logger should enable debug level")
		}
		if lvl == "bogus" && logger.Core().Enabled(-1) {
			t.Error("unknown level should fall back to info")
		}
	}
}
