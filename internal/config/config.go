package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"petwatch/internal/alert"
	"petwatch/internal/auth"
	"petwatch/internal/pipeline"
	"petwatch/internal/pipeline/strategies"
	"petwatch/internal/s3"
	"petwatch/internal/source"
	"petwatch/internal/stats"
	"petwatch/internal/tracker"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PETWATCH_"

// Config is the full process configuration
type Config struct {
	HTTP        HTTPConfig           `yaml:"http" envPrefix:"HTTP_"`
	Source      source.Config        `yaml:"source" envPrefix:"SOURCE_"`
	Detector    DetectorConfig       `yaml:"detector" envPrefix:"DETECTOR_"`
	Scheduler   SchedulerConfig      `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Tracker     TrackerConfig        `yaml:"tracker"`
	Layout      LayoutConfig         `yaml:"layout"`
	Stats       StatsConfig          `yaml:"stats" envPrefix:"STATS_"`
	Coordinator CoordinatorConfig    `yaml:"coordinator"`
	Alerts      alert.Config         `yaml:"alerts"`
	Telegram    alert.TelegramConfig `yaml:"telegram"`
	Kafka       alert.KafkaConfig    `yaml:"kafka"`
	S3          s3.Config            `yaml:"s3"`
	Store       StoreConfig          `yaml:"store" envPrefix:"STORE_"`
	Auth        auth.Config          `yaml:"auth" envPrefix:"AUTH_"`
	Preview     PreviewConfig        `yaml:"preview"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DetectorConfig configures the detection backends. Order lists backend
// names in failover preference.
type DetectorConfig struct {
	Order        []string      `yaml:"order" env:"ORDER" envSeparator:","`
	HTTPEndpoint string        `yaml:"http_endpoint" env:"HTTP_ENDPOINT"`
	GRPCEndpoint string        `yaml:"grpc_endpoint" env:"GRPC_ENDPOINT"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// SchedulerConfig configures detection scheduling
type SchedulerConfig struct {
	Mode           string                                             `yaml:"mode" env:"MODE"`
	Modes          map[pipeline.PerformanceMode]*pipeline.ModeOverride `yaml:"modes"`
	Strategy       strategies.Kind                                    `yaml:"strategy" env:"STRATEGY"`
	Interval       time.Duration                                      `yaml:"interval"`
	RetryBudget    int                                                `yaml:"retry_budget"`
	BackoffInitial time.Duration                                      `yaml:"backoff_initial"`
	BackoffMax     time.Duration                                      `yaml:"backoff_max"`
	ScaleQuality   int                                                `yaml:"scale_quality"` // JPEG quality of downscaled frames
}

// TrackerConfig configures track association and interaction debounce
type TrackerConfig struct {
	MatchDistance      float64       `yaml:"match_distance"`
	SilenceTimeout     time.Duration `yaml:"silence_timeout"`
	ViolationCooldown  time.Duration `yaml:"violation_cooldown"`
	BowlEnterFrames    int           `yaml:"bowl_enter_frames"`
	BowlExitFrames     int           `yaml:"bowl_exit_frames"`
	SizeAdjustedRadius bool          `yaml:"size_adjusted_radius"`
}

// LayoutConfig holds the static scene description
type LayoutConfig struct {
	Zones []pipeline.Zone `yaml:"zones"`
	Bowls []pipeline.Bowl `yaml:"bowls"`
}

// StatsConfig configures aggregation
type StatsConfig struct {
	TimelineCapacity int    `yaml:"timeline_capacity"`
	HourlyRetention  int    `yaml:"hourly_retention"`
	DailyRetention   int    `yaml:"daily_retention"`
	HeatmapCols      int    `yaml:"heatmap_cols"`
	HeatmapRows      int    `yaml:"heatmap_rows"`
	Timezone         string `yaml:"timezone" env:"TIMEZONE"`
}

// CoordinatorConfig configures queueing and publication
type CoordinatorConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	QueueWait        time.Duration `yaml:"queue_wait"`
	PublishInterval  time.Duration `yaml:"publish_interval"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	MaxPendingEvents int           `yaml:"max_pending_events"`
}

// StoreConfig configures the SQLite journal
type StoreConfig struct {
	Path      string        `yaml:"path" env:"PATH"`
	Retention time.Duration `yaml:"retention"` // 0 keeps events forever
}

// PreviewConfig configures the annotated preview stream
type PreviewConfig struct {
	Quality int `yaml:"quality"`
}

// Default returns a configuration that runs against a local camera
func Default() *Config {
	sched := pipeline.DefaultSchedulerConfig()
	trk := tracker.DefaultConfig()
	agg := stats.DefaultConfig()
	coord := pipeline.DefaultCoordinatorConfig()

	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Source: source.Config{
			Kind:   source.KindFFmpeg,
			Device: "/dev/video0",
			FPS:    5,
		},
		Detector: DetectorConfig{
			Order:        []string{"http"},
			HTTPEndpoint: "http://localhost:8000",
			Timeout:      5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Mode:           string(sched.Mode),
			Strategy:       strategies.KindFrameSkip,
			RetryBudget:    sched.RetryBudget,
			BackoffInitial: sched.BackoffInitial,
			BackoffMax:     sched.BackoffMax,
			ScaleQuality:   85,
		},
		Tracker: TrackerConfig{
			MatchDistance:      trk.MatchDistance,
			SilenceTimeout:     trk.SilenceTimeout,
			ViolationCooldown:  trk.ViolationCooldown,
			BowlEnterFrames:    trk.BowlEnterFrames,
			BowlExitFrames:     trk.BowlExitFrames,
			SizeAdjustedRadius: trk.SizeAdjustedRadius,
		},
		Stats: StatsConfig{
			TimelineCapacity: agg.TimelineCapacity,
			HourlyRetention:  agg.HourlyRetention,
			DailyRetention:   agg.DailyRetention,
			HeatmapCols:      agg.HeatmapCols,
			HeatmapRows:      agg.HeatmapRows,
			Timezone:         "UTC",
		},
		Coordinator: CoordinatorConfig{
			QueueCapacity:    coord.QueueCapacity,
			QueueWait:        coord.QueueWait,
			PublishInterval:  coord.PublishInterval,
			PublishTimeout:   coord.PublishTimeout,
			FlushTimeout:     coord.FlushTimeout,
			MaxPendingEvents: coord.MaxPendingEvents,
		},
		Alerts: alert.DefaultConfig(),
		Kafka:  alert.KafkaConfig{Topic: "petwatch.alerts"},
		S3:     s3.Config{Region: "us-east-1", Prefix: "petwatch"},
		Store:  StoreConfig{Path: "petwatch.db"},
		Auth:   auth.Config{Username: "admin", JWTExpiry: 24 * time.Hour},
		Preview: PreviewConfig{
			Quality: 80,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file (if path is
// set), then .env, then PETWATCH_ environment variables. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[Config] Ignoring .env: %v", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration at the boundary, before anything runs
func (c *Config) Validate() error {
	if _, err := tracker.NewLayout(c.Layout.Zones, c.Layout.Bowls); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}

	if _, err := pipeline.ParsePerformanceMode(c.Scheduler.Mode); err != nil {
		return err
	}
	for mode := range c.Scheduler.Modes {
		if _, err := pipeline.ParsePerformanceMode(string(mode)); err != nil {
			return fmt.Errorf("invalid mode override: %w", err)
		}
	}
	if _, err := strategies.NewStrategyFactory().Create(c.StrategyConfig()); err != nil {
		return err
	}

	if q := c.Coordinator.QueueCapacity; q < 2 || q > 4 {
		return fmt.Errorf("queue_capacity must be between 2 and 4, got %d", q)
	}
	if c.Source.FPS < 0 {
		return fmt.Errorf("source fps must not be negative")
	}
	if len(c.Detector.Order) == 0 {
		return fmt.Errorf("detector order must name at least one backend")
	}
	for _, name := range c.Detector.Order {
		switch name {
		case "http":
			if c.Detector.HTTPEndpoint == "" {
				return fmt.Errorf("detector http selected without http_endpoint")
			}
		case "grpc":
			if c.Detector.GRPCEndpoint == "" {
				return fmt.Errorf("detector grpc selected without grpc_endpoint")
			}
		default:
			return fmt.Errorf("unknown detector backend: %s", name)
		}
	}

	if _, err := time.LoadLocation(c.Stats.Timezone); err != nil {
		return fmt.Errorf("invalid stats timezone: %w", err)
	}

	if err := c.Alerts.Validate(); err != nil {
		return err
	}
	if err := c.Telegram.Validate(); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled without brokers")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3 enabled without bucket")
	}
	if c.Source.Kind == source.KindS3 && !c.S3.Enabled {
		return fmt.Errorf("s3 source requires s3 to be enabled")
	}
	return c.Auth.Validate()
}

// PerformanceMode returns the parsed scheduler mode
func (c *Config) PerformanceMode() pipeline.PerformanceMode {
	mode, _ := pipeline.ParsePerformanceMode(c.Scheduler.Mode)
	return mode
}

// SchedulerConfig converts to the scheduler's config, merging mode overrides
func (c *Config) SchedulerConfig() pipeline.SchedulerConfig {
	return pipeline.SchedulerConfig{
		Mode:           c.PerformanceMode(),
		Modes:          pipeline.BuildModeTable(c.Scheduler.Modes),
		RetryBudget:    c.Scheduler.RetryBudget,
		BackoffInitial: c.Scheduler.BackoffInitial,
		BackoffMax:     c.Scheduler.BackoffMax,
	}
}

// StrategyConfig returns the detection strategy selection
func (c *Config) StrategyConfig() strategies.Config {
	return strategies.Config{Kind: c.Scheduler.Strategy, Interval: c.Scheduler.Interval}
}

// TrackerConfig converts to the tracker's config
func (c *Config) TrackerConfig() tracker.Config {
	t := c.Tracker
	return tracker.Config{
		MatchDistance:      t.MatchDistance,
		SilenceTimeout:     t.SilenceTimeout,
		ViolationCooldown:  t.ViolationCooldown,
		BowlEnterFrames:    t.BowlEnterFrames,
		BowlExitFrames:     t.BowlExitFrames,
		SizeAdjustedRadius: t.SizeAdjustedRadius,
	}
}

// StatsConfig converts to the aggregator's config
func (c *Config) StatsConfig() (stats.Config, error) {
	loc, err := time.LoadLocation(c.Stats.Timezone)
	if err != nil {
		return stats.Config{}, fmt.Errorf("failed to load timezone: %w", err)
	}
	s := c.Stats
	return stats.Config{
		TimelineCapacity: s.TimelineCapacity,
		HourlyRetention:  s.HourlyRetention,
		DailyRetention:   s.DailyRetention,
		HeatmapCols:      s.HeatmapCols,
		HeatmapRows:      s.HeatmapRows,
		Location:         loc,
		Zones:            c.Layout.Zones,
		Bowls:            c.Layout.Bowls,
	}, nil
}

// CoordinatorConfig converts to the coordinator's config
func (c *Config) CoordinatorConfig() pipeline.CoordinatorConfig {
	k := c.Coordinator
	return pipeline.CoordinatorConfig{
		QueueCapacity:    k.QueueCapacity,
		QueueWait:        k.QueueWait,
		PublishInterval:  k.PublishInterval,
		PublishTimeout:   k.PublishTimeout,
		FlushTimeout:     k.FlushTimeout,
		MaxPendingEvents: k.MaxPendingEvents,
	}
}
