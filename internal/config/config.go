// Package config loads and validates shopcap configuration via Viper.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"shopcap/internal/capture"
)

// Config captures all configuration knobs loaded via Viper. It is resolved
// once at startup and passed into each component's constructor.
type Config struct {
	Target   TargetConfig         `mapstructure:"target"`
	Profiles []capture.Profile    `mapstructure:"profiles"`
	Limiter  LimiterConfig        `mapstructure:"limiter"`
	Circuit  CircuitConfig        `mapstructure:"circuit"`
	Recycler RecyclerConfig       `mapstructure:"recycler"`
	Dispatch DispatchConfig       `mapstructure:"dispatch"`
	Queue    QueueConfig          `mapstructure:"queue"`
	Filters  capture.FilterConfig `mapstructure:"filters"`
	Browser  BrowserConfig        `mapstructure:"browser"`
	Server   ServerConfig         `mapstructure:"server"`
	StateDir string               `mapstructure:"state_dir"`
	Logging  LoggingConfig        `mapstructure:"logging"`
}

// TargetConfig names the site the capture run is pointed at.
type TargetConfig struct {
	Domain string `mapstructure:"domain"`
}

// LimiterConfig sets rate-limiter defaults applied when a profile omits
// its own values.
type LimiterConfig struct {
	DefaultRPS     float64       `mapstructure:"default_rps"`
	DefaultBurst   int           `mapstructure:"default_burst"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// CircuitConfig governs the block-detection breaker.
type CircuitConfig struct {
	// SoftMode records degradation and keeps dispatching; exploratory
	// runs only.
	SoftMode bool `mapstructure:"soft_mode"`
}

// RecyclerConfig bounds the post-recycle cooldown window.
type RecyclerConfig struct {
	CooldownMin time.Duration `mapstructure:"cooldown_min"`
	CooldownMax time.Duration `mapstructure:"cooldown_max"`
}

// DispatchConfig governs batch execution behavior.
type DispatchConfig struct {
	StaggerInterval time.Duration `mapstructure:"stagger_interval"`
	PerTaskTimeout  time.Duration `mapstructure:"per_task_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Provider    string `mapstructure:"provider"` // file | postgres
	DSN         string `mapstructure:"dsn"`
	Table       string `mapstructure:"table"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// BrowserConfig configures the chromedp transport.
type BrowserConfig struct {
	ExecPath      string        `mapstructure:"exec_path"`
	Headless      bool          `mapstructure:"headless"`
	CaptureWindow time.Duration `mapstructure:"capture_window"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
}

// ServerConfig controls the metrics/status HTTP surface.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SHOPCAP")
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

	cfg.applyProfileDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.domain", "shopee.com.br")
	v.SetDefault("state_dir", "data")
	v.SetDefault("limiter.default_rps", 1.0)
	v.SetDefault("limiter.default_burst", 1)
	v.SetDefault("limiter.acquire_timeout", "30s")
	v.SetDefault("circuit.soft_mode", false)
	v.SetDefault("recycler.cooldown_min", "2s")
	v.SetDefault("recycler.cooldown_max", "5s")
	v.SetDefault("dispatch.stagger_interval", "1s")
	v.SetDefault("dispatch.per_task_timeout", "20s")
	v.SetDefault("dispatch.max_retries", 2)
	v.SetDefault("dispatch.backoff_base", "250ms")
	v.SetDefault("dispatch.backoff_max", "5s")
	v.SetDefault("queue.provider", "file")
	v.SetDefault("queue.table", "tasks")
	v.SetDefault("queue.max_attempts", 2)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.capture_window", "8s")
	v.SetDefault("browser.nav_timeout", "25s")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("filters.endpoints", []string{`/api/v4/pdp/get_pc`, `/api/v4/search/search_items`})
	v.SetDefault("filters.captcha", []string{`/verify/captcha`, `anti_bot`})
	v.SetDefault("filters.login", []string{`/buyer/login`})
}

// applyProfileDefaults fills per-profile zeros from the global defaults so
// components never see unset knobs.
func (c *Config) applyProfileDefaults() {
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.RPSLimit <= 0 {
			p.RPSLimit = c.Limiter.DefaultRPS
		}
		if p.Burst <= 0 {
			p.Burst = c.Limiter.DefaultBurst
		}
		if p.PagesPerSession <= 0 {
			p.PagesPerSession = 25
		}
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = 1
		}
		if p.InactivityTimeout <= 0 {
			p.InactivityTimeout = 60 * time.Second
		}
	}
}

var proxySchemeRE = regexp.MustCompile(`^(https?|socks4a?|socks5h?)://`)

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must be set")
	}
	if c.Limiter.AcquireTimeout <= 0 {
		return fmt.Errorf("limiter.acquire_timeout must be > 0")
	}
	if c.Recycler.CooldownMin < 0 || c.Recycler.CooldownMax < c.Recycler.CooldownMin {
		return fmt.Errorf("recycler cooldown window [%s, %s] is invalid", c.Recycler.CooldownMin, c.Recycler.CooldownMax)
	}
	if c.Dispatch.PerTaskTimeout <= 0 {
		return fmt.Errorf("dispatch.per_task_timeout must be > 0")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must be >= 0")
	}
	switch c.Queue.Provider {
	case "file":
	case "postgres":
		if c.Queue.DSN == "" {
			return fmt.Errorf("queue.dsn is required when queue.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown queue provider %q", c.Queue.Provider)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	seen := make(map[string]struct{}, len(c.Profiles))
	for _, p := range c.Profiles {
		if p.Name == "" {
			return fmt.Errorf("profile name must be set")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.ProxyURL != "" && !proxySchemeRE.MatchString(p.ProxyURL) {
			return fmt.Errorf("profile %q: proxy_url %q has no recognized scheme", p.Name, p.ProxyURL)
		}
	}
	return nil
}

// Profile returns the named profile.
func (c Config) Profile(name string) (capture.Profile, error) {
	for _, p := range c.Profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return capture.Profile{}, fmt.Errorf("unknown profile %q", name)
}
