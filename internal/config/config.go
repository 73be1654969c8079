package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"stockdeck/internal/chart"

	"github.com/pelletier/go-toml/v2"
)

// Config 全量运行配置,按 TOML 分节。
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Store    StoreConfig    `toml:"store"`
	Presets  PresetsConfig  `toml:"presets"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type PipelineConfig struct {
	DefaultIndicators []string `toml:"default_indicators"`
	DebounceMS        int      `toml:"debounce_ms"`
	RefreshCron       string   `toml:"refresh_cron"`
	FlushCron         string   `toml:"flush_cron"`
	DefaultAsset      string   `toml:"default_asset"`
	DefaultPeriod     string   `toml:"default_period"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // memory | sqlite
	Path   string `toml:"path"`
}

type PresetsConfig struct {
	Path string `toml:"path"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Load reads config from a TOML file, then applies environment variable
// overrides. 文件缺失不算错,全部走默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("STOCKDECK_CONFIG")
	}
	if path == "" {
		path = "config.toml"
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 环境变量覆盖文件值,容器部署时不用改文件。
	if v := os.Getenv("STOCKDECK_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("STOCKDECK_UPSTREAM_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("STOCKDECK_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("STOCKDECK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8089"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "http://localhost:9000/api"
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 15
	}
	if len(c.Pipeline.DefaultIndicators) == 0 {
		c.Pipeline.DefaultIndicators = []string{"sma_50", "sma_200"}
	}
	if c.Pipeline.DebounceMS <= 0 {
		c.Pipeline.DebounceMS = 325
	}
	if c.Pipeline.RefreshCron == "" {
		c.Pipeline.RefreshCron = "0 * * * * *"
	}
	if c.Pipeline.FlushCron == "" {
		c.Pipeline.FlushCron = "0 */5 * * * *"
	}
	if c.Pipeline.DefaultPeriod == "" {
		c.Pipeline.DefaultPeriod = "6mo"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "stockdeck.db"
	}
	if c.Presets.Path == "" {
		c.Presets.Path = "presets.yaml"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks that all fields hold usable values.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url 不能为空")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.driver 只支持 memory 或 sqlite, 拿到 '%s'", c.Store.Driver)
	}
	if err := chart.ValidateNames(c.Pipeline.DefaultIndicators); err != nil {
		return fmt.Errorf("pipeline.default_indicators: %w", err)
	}
	return nil
}

// UpstreamTimeout 上游 HTTP 超时。
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// Debounce 事件开关防抖窗口。
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Pipeline.DebounceMS) * time.Millisecond
}
