package config

import (
	"encoding/json"
	"testing"
)

func TestParseCSV(t *testing.T) {
	got := parseCSV(" broker-1:9092, ,broker-2:9092 ")
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), got)
	}
	if got[0] != "broker-1:9092" || got[1] != "broker-2:9092" {
		t.Fatalf("unexpected entries: %v", got)
	}
	if out := parseCSV(" , ,"); len(out) != 0 {
		t.Fatalf("expected empty result for blank csv, got %v", out)
	}
}

func TestAsInt(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{json.Number("42"), 42, true},
		{"17", 17, true},
		{float64(9), 9, true},
		{"not-a-number", 0, false},
	}
	for _, c := range cases {
		got, ok := asInt(c.in)
		if ok != c.ok || got != c.want {
			t.Fatalf("asInt(%v) = (%d,%v), want (%d,%v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestAsBool(t *testing.T) {
	for _, raw := range []string{"true", "1", "YES"} {
		if b, ok := asBool(raw); !ok || !b {
			t.Fatalf("expected %q to parse as true", raw)
		}
	}
	for _, raw := range []string{"false", "0", "No"} {
		if b, ok := asBool(raw); !ok || b {
			t.Fatalf("expected %q to parse as false", raw)
		}
	}
	if _, ok := asBool("maybe"); ok {
		t.Fatalf("expected parse failure for ambiguous value")
	}
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("DISPATCH_DEFAULT_MAX_RETRIES", "5")
	t.Setenv("CONFIG_PATH", "")

	cfg, problems := Load("device-gateway", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.DispatchDefaultMaxRetry != 5 {
		t.Fatalf("expected max retries 5, got %d", cfg.DispatchDefaultMaxRetry)
	}
	if cfg.OutboxScanSec != 5 || cfg.DispatchScanSec != 15 {
		t.Fatalf("unexpected scan defaults: outbox=%d dispatch=%d", cfg.OutboxScanSec, cfg.DispatchScanSec)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("HTTP_PORT", "70000")
	t.Setenv("ASYNQ_CONCURRENCY", "-1")

	cfg, problems := Load("device-gateway", 8080)
	if len(problems) == 0 {
		t.Fatalf("expected problems for invalid values")
	}
	if cfg.HTTPPort != 8080 {
		t.Fatalf("expected port to fall back to default, got %d", cfg.HTTPPort)
	}
	if cfg.AsynqConcurrency != 10 {
		t.Fatalf("expected concurrency fallback, got %d", cfg.AsynqConcurrency)
	}
}
