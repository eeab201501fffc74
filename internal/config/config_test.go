package config

import "testing"

func TestDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MONITOR_PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("RATE_LIMIT_RPS", "")
	t.Setenv("RATE_LIMIT_BURST", "")
	t.Setenv("METRIC_KEEP", "")

	if DatabaseURL() != "" {
		t.Fatal("expected empty database URL by default")
	}
	if MonitorPort() != 0 {
		t.Fatal("monitor must be disabled by default")
	}
	if LogLevel() != "info" {
		t.Fatalf("expected info, got %q", LogLevel())
	}
	if RateLimitRPS() != 50 || RateLimitBurst() != 10 {
		t.Fatalf("unexpected rate limit defaults: %v, %d", RateLimitRPS(), RateLimitBurst())
	}
	if MetricKeep() != 10000 {
		t.Fatalf("expected metric keep 10000, got %d", MetricKeep())
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("MONITOR_PORT", "9091")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("METRIC_KEEP", "100")

	if MonitorPort() != 9091 {
		t.Fatalf("expected 9091, got %d", MonitorPort())
	}
	if LogLevel() != "debug" {
		t.Fatalf("expected debug, got %q", LogLevel())
	}
	if RateLimitRPS() != 5 {
		t.Fatalf("expected 5 rps, got %v", RateLimitRPS())
	}
	if MetricKeep() != 100 {
		t.Fatalf("expected 100, got %d", MetricKeep())
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("MONITOR_PORT", "not-a-port")
	t.Setenv("RATE_LIMIT_RPS", "-3")

	if MonitorPort() != 0 {
		t.Fatalf("expected 0 for invalid port, got %d", MonitorPort())
	}
	if RateLimitRPS() != 50 {
		t.Fatalf("expected default rps for negative value, got %v", RateLimitRPS())
	}
}
