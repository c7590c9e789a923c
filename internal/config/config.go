// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	chromectx "github.com/JakeFAU/buybox-queue/internal/browser/chromedp"
	"github.com/JakeFAU/buybox-queue/internal/browser/httpctx"
	"github.com/JakeFAU/buybox-queue/internal/engine"
	"github.com/JakeFAU/buybox-queue/internal/extractor"
	"github.com/JakeFAU/buybox-queue/internal/storage/postgres"
)

// EnvPrefix namespaces environment overrides, e.g. BUYBOXQ_SERVER_PORT.
const EnvPrefix = "BUYBOXQ"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    engine.Config   `mapstructure:"engine"`
	Contexts  ContextsConfig  `mapstructure:"contexts"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
	State     StateConfig     `mapstructure:"state"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Lock      LockConfig      `mapstructure:"lock"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Context manager kinds.
const (
	ContextsChromedp = "chromedp"
	ContextsHTTP     = "http"
)

// ContextsConfig selects and tunes the execution-context manager.
type ContextsConfig struct {
	Kind     string           `mapstructure:"kind"`
	Chromedp chromectx.Config `mapstructure:"chromedp"`
	HTTP     httpctx.Config   `mapstructure:"http"`
}

// ExtractorConfig holds page selectors, the render check, and signalling.
type ExtractorConfig struct {
	Selectors extractor.Config       `mapstructure:"selectors"`
	Render    RenderConfig           `mapstructure:"render"`
	Signal    extractor.RunnerConfig `mapstructure:"signal"`
}

// RenderConfig configures the JavaScript shell detector.
type RenderConfig struct {
	MinBytes  int      `mapstructure:"min_bytes"`
	Selectors []string `mapstructure:"selectors"`
	Keywords  []string `mapstructure:"keywords"`
}

// State backends.
const (
	StateMemory   = "memory"
	StateBadger   = "badger"
	StateSQLite   = "sqlite"
	StatePostgres = "postgres"
)

// StateConfig selects the durable state store.
type StateConfig struct {
	Backend    string          `mapstructure:"backend"`
	DataDir    string          `mapstructure:"data_dir"`
	MaxResults int             `mapstructure:"max_results"`
	Postgres   postgres.Config `mapstructure:"postgres"`
}

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// ArchiveConfig controls result export at the end of a run.
type ArchiveConfig struct {
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ProjectID    string `mapstructure:"project_id"`
	TopicName    string `mapstructure:"topic_name"`
	TerminalOnly bool   `mapstructure:"terminal_only"`
}

// ProgressConfig tunes the progress hub and its observers.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	WebSocket      bool          `mapstructure:"websocket"`
	Prometheus     bool          `mapstructure:"prometheus"`
}

// ScheduleConfig starts a fixed target list on a cron expression.
type ScheduleConfig struct {
	Cron        string   `mapstructure:"cron"`
	Targets     []string `mapstructure:"targets"`
	Concurrency int      `mapstructure:"concurrency"`
}

// LockConfig guards the data directory against a second instance.
type LockConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	eng := engine.DefaultConfig()
	sel := extractor.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)

	v.SetDefault("engine.concurrency", eng.Concurrency)
	v.SetDefault("engine.base_delay", eng.BaseDelay)
	v.SetDefault("engine.jitter_max", eng.JitterMax)
	v.SetDefault("engine.slot_penalty", eng.SlotPenalty)
	v.SetDefault("engine.stagger_step", eng.StaggerStep)
	v.SetDefault("engine.wait_window", eng.WaitWindow)
	v.SetDefault("engine.settle_delay", eng.SettleDelay)
	v.SetDefault("engine.grace_delay", eng.GraceDelay)
	v.SetDefault("engine.observe_interval", eng.ObserveInterval)
	v.SetDefault("engine.keepalive_interval", eng.KeepaliveInterval)
	v.SetDefault("engine.failure_threshold", eng.FailureThreshold)
	v.SetDefault("engine.store_timeout", eng.StoreTimeout)

	v.SetDefault("contexts.kind", ContextsChromedp)
	v.SetDefault("contexts.chromedp.headless", true)
	v.SetDefault("contexts.chromedp.navigation_timeout", 45*time.Second)
	v.SetDefault("contexts.chromedp.render_wait", 1500*time.Millisecond)
	v.SetDefault("contexts.chromedp.open_pacing.per_second", 1)
	v.SetDefault("contexts.chromedp.open_pacing.burst", 1)
	v.SetDefault("contexts.http.user_agent", "buyboxq/0.1")
	v.SetDefault("contexts.http.timeout", 15*time.Second)
	v.SetDefault("contexts.http.respect_robots", true)
	v.SetDefault("contexts.http.navigate_pacing.per_second", 0.5)
	v.SetDefault("contexts.http.navigate_pacing.burst", 1)

	v.SetDefault("extractor.selectors.price_selector", sel.PriceSelector)
	v.SetDefault("extractor.selectors.candidate_selectors", sel.CandidateSelectors)
	v.SetDefault("extractor.selectors.min_price", sel.MinPrice)
	v.SetDefault("extractor.render.min_bytes", 2048)
	v.SetDefault("extractor.render.selectors", []string{"h1"})
	v.SetDefault("extractor.render.keywords", []string{"enable javascript", "please turn on javascript"})
	v.SetDefault("extractor.signal.signal_attempts", 3)
	v.SetDefault("extractor.signal.signal_backoff", 1500*time.Millisecond)

	v.SetDefault("state.backend", StateBadger)
	v.SetDefault("state.data_dir", "./data")
	v.SetDefault("state.max_results", 500)

	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "runs")

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.terminal_only", true)

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.websocket", true)
	v.SetDefault("progress.prometheus", true)

	v.SetDefault("schedule.concurrency", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch c.Contexts.Kind {
	case ContextsChromedp, ContextsHTTP:
	default:
		return fmt.Errorf("contexts.kind must be %q or %q, got %q", ContextsChromedp, ContextsHTTP, c.Contexts.Kind)
	}
	switch c.State.Backend {
	case StateMemory:
	case StateBadger, StateSQLite:
		if strings.TrimSpace(c.State.DataDir) == "" {
			return fmt.Errorf("state.data_dir is required for the %s backend", c.State.Backend)
		}
	case StatePostgres:
		if c.State.Postgres.DSN == "" {
			return fmt.Errorf("state.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown state.backend %q", c.State.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("unknown archive.backend %q", c.Archive.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Schedule.Cron != "" && len(c.Schedule.Targets) == 0 {
		return fmt.Errorf("schedule.targets must be set when schedule.cron is set")
	}
	return nil
}

// LockPath returns the instance lock file, defaulting to one inside the
// data directory.
func (c Config) LockPath() string {
	if c.Lock.Path != "" {
		return c.Lock.Path
	}
	dir := c.State.DataDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "buyboxq.lock")
}
