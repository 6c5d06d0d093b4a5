package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"flipwatch/internal/fee"
	"flipwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Fees     FeesConfig     `mapstructure:"fees"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Decision DecisionConfig `mapstructure:"decision"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
	Status   StatusConfig   `mapstructure:"status"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// FeesConfig describes the marketplace fee schedule.
type FeesConfig struct {
	Rounding    string       `mapstructure:"rounding"`
	MinTotalFee int64        `mapstructure:"min_total_fee"`
	Tiers       []TierConfig `mapstructure:"tiers"`
}

// TierConfig is one fee component. Either Rate ("0.05") or an explicit
// Numerator/Denominator pair must be set.
type TierConfig struct {
	Name        string `mapstructure:"name"`
	Numerator   int64  `mapstructure:"numerator"`
	Denominator int64  `mapstructure:"denominator"`
	Rate        string `mapstructure:"rate"`
	MinFee      int64  `mapstructure:"min_fee"`
}

// CatalogConfig sizes the reference price catalog.
type CatalogConfig struct {
	Shards     int `mapstructure:"shards"`
	MaxEntries int `mapstructure:"max_entries"`
}

// PipelineConfig tunes the decision workers.
type PipelineConfig struct {
	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queue_size"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SinkBuffer    int           `mapstructure:"sink_buffer"`
}

// DecisionConfig holds the profitability thresholds.
type DecisionConfig struct {
	MinMarginCents int64   `mapstructure:"min_margin_cents"`
	MinMarginPct   float64 `mapstructure:"min_margin_pct"`
}

// SourcesConfig groups the upstream feeds.
type SourcesConfig struct {
	Listings  ListingsConfig  `mapstructure:"listings"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Reference ReferenceConfig `mapstructure:"reference"`
}

// ListingsConfig covers the polled listing endpoint.
type ListingsConfig struct {
	URL           string        `mapstructure:"url"`
	Interval      time.Duration `mapstructure:"interval"`
	MinPriceCents int64         `mapstructure:"min_price_cents"`
	MaxPriceCents int64         `mapstructure:"max_price_cents"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	APIKey        string        `mapstructure:"api_key"`
	Limit         int           `mapstructure:"limit"`
	DedupSize     int           `mapstructure:"dedup_size"`
}

// StreamConfig covers the websocket listing stream.
type StreamConfig struct {
	URL         string        `mapstructure:"url"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ReferenceConfig covers the reference price endpoint.
type ReferenceConfig struct {
	URL       string        `mapstructure:"url"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Batch     int           `mapstructure:"batch"`
	AppID     string        `mapstructure:"app_id"`
	UserAgent string        `mapstructure:"user_agent"`
	Items     []string      `mapstructure:"items"`

	// HistoryURL is the market listing page prefix carrying sale history.
	// When empty, history accumulates from overview polls.
	HistoryURL string         `mapstructure:"history_url"`
	Analysis   AnalysisConfig `mapstructure:"analysis"`
}

// AnalysisConfig tunes sale history analysis.
type AnalysisConfig struct {
	Window     time.Duration `mapstructure:"window"`
	Band       float64       `mapstructure:"band"`
	Smoothing  int           `mapstructure:"smoothing"`
	MaxRSD     float64       `mapstructure:"max_rsd"`
	Percentile float64       `mapstructure:"percentile"`
	MinPoints  int           `mapstructure:"min_points"`
}

// SnapshotConfig governs catalog persistence.
type SnapshotConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// StatsConfig governs latency reporting.
type StatsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Window   int           `mapstructure:"window"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MinMarginPct float64 `mapstructure:"min_margin_pct"`

	// RequireStable and MinSoldPerWeek hold alerts for volatile or thin
	// reference markets.
	RequireStable  bool           `mapstructure:"require_stable"`
	MinSoldPerWeek int64          `mapstructure:"min_sold_per_week"`
	Cooldown       time.Duration  `mapstructure:"cooldown"`
	Channels       []string       `mapstructure:"channels"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// StatusConfig enables the HTTP status endpoints. An empty Listen disables
// them.
type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLIPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flipwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("fees.rounding", string(fee.RoundFloor))
	v.SetDefault("fees.min_total_fee", 0)
	v.SetDefault("fees.tiers", []map[string]any{
		{"name": "steam", "numerator": 5, "denominator": 100, "min_fee": 1},
		{"name": "publisher", "numerator": 10, "denominator": 100, "min_fee": 1},
	})

	v.SetDefault("catalog.shards", 64)
	v.SetDefault("catalog.max_entries", 0)

	v.SetDefault("pipeline.workers", 0)
	v.SetDefault("pipeline.queue_size", 4096)
	v.SetDefault("pipeline.submit_timeout", "50ms")
	v.SetDefault("pipeline.stale_after", "10m")
	v.SetDefault("pipeline.sink_buffer", 1024)

	v.SetDefault("decision.min_margin_cents", 0)
	v.SetDefault("decision.min_margin_pct", 5.0)

	v.SetDefault("sources.listings.url", "https://csfloat.com/api/v1/listings")
	v.SetDefault("sources.listings.interval", "1s")
	v.SetDefault("sources.listings.min_price_cents", 50)
	v.SetDefault("sources.listings.max_price_cents", 7500)
	v.SetDefault("sources.listings.timeout", "10s")
	v.SetDefault("sources.listings.user_agent", "flipwatch/1.0")
	v.SetDefault("sources.listings.limit", 50)
	v.SetDefault("sources.listings.dedup_size", 100000)
	v.SetDefault("sources.stream.read_timeout", "60s")
	v.SetDefault("sources.reference.url", "https://steamcommunity.com/market/priceoverview/")
	v.SetDefault("sources.reference.interval", "5m")
	v.SetDefault("sources.reference.timeout", "30s")
	v.SetDefault("sources.reference.batch", 20)
	v.SetDefault("sources.reference.app_id", "730")
	v.SetDefault("sources.reference.history_url", "")
	v.SetDefault("sources.reference.analysis.window", "168h")
	v.SetDefault("sources.reference.analysis.band", 0.10)
	v.SetDefault("sources.reference.analysis.smoothing", 3)
	v.SetDefault("sources.reference.analysis.max_rsd", 0.03)
	v.SetDefault("sources.reference.analysis.percentile", 60.0)
	v.SetDefault("sources.reference.analysis.min_points", 5)

	v.SetDefault("snapshot.interval", "60s")
	v.SetDefault("snapshot.advisory_lock_key", int64(0x666c6970))

	v.SetDefault("stats.interval", "60s")
	v.SetDefault("stats.window", 1000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_margin_pct", 30.0)
	v.SetDefault("alerting.require_stable", true)
	v.SetDefault("alerting.min_sold_per_week", 50)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
	v.SetDefault("status.listen", "")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. The fee
// schedule is fully built so a malformed schedule fails at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	if c.Catalog.Shards < 0 || c.Catalog.MaxEntries < 0 {
		return fmt.Errorf("catalog.shards and catalog.max_entries cannot be negative")
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be greater than zero")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers cannot be negative")
	}
	if c.Pipeline.StaleAfter < 0 {
		return fmt.Errorf("pipeline.stale_after cannot be negative")
	}
	if c.Decision.MinMarginPct < 0 || c.Decision.MinMarginCents < 0 {
		return fmt.Errorf("decision thresholds cannot be negative")
	}
	l := c.Sources.Listings
	if l.MaxPriceCents > 0 && l.MinPriceCents > l.MaxPriceCents {
		return fmt.Errorf("sources.listings.min_price_cents exceeds max_price_cents")
	}
	if l.URL != "" && l.Interval <= 0 {
		return fmt.Errorf("sources.listings.interval must be greater than zero")
	}
	if c.Sources.Reference.URL != "" && c.Sources.Reference.Interval <= 0 {
		return fmt.Errorf("sources.reference.interval must be greater than zero")
	}
	a := c.Sources.Reference.Analysis
	if a.Window < 0 || a.Smoothing < 0 || a.MinPoints < 0 || a.MaxRSD < 0 {
		return fmt.Errorf("sources.reference.analysis values cannot be negative")
	}
	if a.Band < 0 || a.Band >= 1 {
		return fmt.Errorf("sources.reference.analysis.band must be in [0, 1)")
	}
	if a.Percentile < 0 || a.Percentile > 100 {
		return fmt.Errorf("sources.reference.analysis.percentile must be in [0, 100]")
	}
	if c.Snapshot.Interval < 0 || c.Stats.Interval < 0 {
		return fmt.Errorf("snapshot.interval and stats.interval cannot be negative")
	}
	if c.Alerting.MinMarginPct < 0 {
		return fmt.Errorf("alerting.min_margin_pct cannot be negative")
	}
	if c.Alerting.MinSoldPerWeek < 0 {
		return fmt.Errorf("alerting.min_sold_per_week cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// Schedule builds the fee schedule described by the fees section.
func (c *Config) Schedule() (*fee.Schedule, error) {
	tiers := make([]fee.Tier, 0, len(c.Fees.Tiers))
	for i, tc := range c.Fees.Tiers {
		num, den := tc.Numerator, tc.Denominator
		if tc.Rate != "" {
			if num != 0 || den != 0 {
				return nil, fmt.Errorf("fees.tiers[%d]: set either rate or numerator/denominator: %w", i, fee.ErrInvalidSchedule)
			}
			var err error
			num, den, err = fee.RateFromDecimal(tc.Rate)
			if err != nil {
				return nil, fmt.Errorf("fees.tiers[%d]: %w", i, err)
			}
		}
		name := tc.Name
		if name == "" {
			name = fmt.Sprintf("tier%d", i)
		}
		tiers = append(tiers, fee.Tier{
			Name:        name,
			Numerator:   num,
			Denominator: den,
			MinFee:      fee.Amount(tc.MinFee),
		})
	}
	s, err := fee.NewSchedule(tiers, fee.Rounding(c.Fees.Rounding), fee.Amount(c.Fees.MinTotalFee))
	if err != nil {
		return nil, fmt.Errorf("fees: %w", err)
	}
	return s, nil
}

// DecisionRule converts the thresholds to decimal form.
func (c *Config) DecisionRule() (fee.Amount, decimal.Decimal) {
	return fee.Amount(c.Decision.MinMarginCents), decimal.NewFromFloat(c.Decision.MinMarginPct)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
