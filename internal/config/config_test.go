package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flipwatch/internal/fee"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  environment: test\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.App.Name != "flipwatch" || cfg.App.Environment != "test" {
		t.Fatalf("unexpected app section: %+v", cfg.App)
	}
	if cfg.Pipeline.SubmitTimeout != 50*time.Millisecond {
		t.Fatalf("submit_timeout = %s", cfg.Pipeline.SubmitTimeout)
	}
	if cfg.Snapshot.Interval != time.Minute {
		t.Fatalf("snapshot.interval = %s", cfg.Snapshot.Interval)
	}
	if cfg.Sources.Listings.MinPriceCents != 50 || cfg.Sources.Listings.MaxPriceCents != 7500 {
		t.Fatalf("unexpected price bounds: %+v", cfg.Sources.Listings)
	}
	a := cfg.Sources.Reference.Analysis
	if a.Window != 7*24*time.Hour || a.Percentile != 60 || a.MaxRSD != 0.03 || a.Smoothing != 3 {
		t.Fatalf("unexpected analysis defaults: %+v", a)
	}
	if !cfg.Alerting.RequireStable || cfg.Alerting.MinSoldPerWeek != 50 {
		t.Fatalf("unexpected market rule defaults: %+v", cfg.Alerting)
	}

	s, err := cfg.Schedule()
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, err := s.AddFees(20)
	if err != nil || got != 23 {
		t.Fatalf("default schedule AddFees(20) = %d, %v; want 23", got, err)
	}
}

func TestLoadScheduleFromFile(t *testing.T) {
	path := writeConfig(t, `
fees:
  rounding: half_up
  min_total_fee: 1
  tiers:
    - name: platform
      rate: "0.05"
    - name: publisher
      numerator: 1
      denominator: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s, err := cfg.Schedule()
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if s.Rounding() != fee.RoundHalfUp {
		t.Fatalf("rounding = %s", s.Rounding())
	}
	net, err := s.SubtractFees(1000)
	if err != nil || net != 869 {
		t.Fatalf("SubtractFees(1000) = %d, %v; want 869", net, err)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("FLIPWATCH_PIPELINE_QUEUE_SIZE", "17")
	t.Setenv("FLIPWATCH_DECISION_MIN_MARGIN_PCT", "12.5")

	cfg, err := Load(writeConfig(t, "pipeline:\n  queue_size: 5\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.QueueSize != 17 {
		t.Fatalf("queue_size = %d, want 17", cfg.Pipeline.QueueSize)
	}
	_, pct := cfg.DecisionRule()
	if pct.String() != "12.5" {
		t.Fatalf("min_margin_pct = %s", pct)
	}
}

func TestLoadRejectsBadSchedule(t *testing.T) {
	cases := map[string]string{
		"rate over one": `
fees:
  tiers:
    - name: a
      rate: "0.6"
    - name: b
      rate: "0.5"
`,
		"zero denominator": `
fees:
  tiers:
    - name: a
      numerator: 1
      denominator: 0
`,
		"rate and fraction": `
fees:
  tiers:
    - name: a
      rate: "0.05"
      numerator: 5
      denominator: 100
`,
		"unknown rounding": `
fees:
  rounding: banker
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			if !errors.Is(err, fee.ErrInvalidSchedule) {
				t.Fatalf("expected ErrInvalidSchedule, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	base, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cases := map[string]func(c *Config){
		"price bounds": func(c *Config) { c.Sources.Listings.MinPriceCents = 9000 },
		"queue":        func(c *Config) { c.Pipeline.QueueSize = 0 },
		"telegram":     func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"export":       func(c *Config) { c.Export.MaxDataPoints = 0 },
		"alert pct":    func(c *Config) { c.Alerting.MinMarginPct = -1 },
		"sold/week":    func(c *Config) { c.Alerting.MinSoldPerWeek = -1 },
		"band":         func(c *Config) { c.Sources.Reference.Analysis.Band = 1 },
		"percentile":   func(c *Config) { c.Sources.Reference.Analysis.Percentile = 101 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	c := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if got := c.ResolveMaxPoints(0); got != 10 {
		t.Fatalf("got %d", got)
	}
	if got := c.ResolveMaxPoints(3); got != 3 {
		t.Fatalf("got %d", got)
	}
}
