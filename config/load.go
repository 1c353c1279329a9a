package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"order-ledger/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string                `yaml:"env"`
	Log       logger.Config         `yaml:"log"`
	Metrics   MetricsConfig         `yaml:"metrics"`
	Registry  RegistryConfig        `yaml:"registry"`
	Reconcile ReconcileConfig       `yaml:"reconcile"`
	Feed      FeedConfig            `yaml:"feed"`
	Pairs     map[string]PairConfig `yaml:"pairs"`
}

type MetricsConfig struct {
	Addr      string `yaml:"addr"`      // 为空时不启动运维 HTTP
	Namespace string `yaml:"namespace"`
}

// RegistryConfig 登记簿保留与健康检查参数
type RegistryConfig struct {
	Retention         time.Duration `yaml:"retention"`         // 终态订单保留时长
	CleanupInterval   time.Duration `yaml:"cleanupInterval"`   // 维护循环周期
	StalePendingAfter time.Duration `yaml:"stalePendingAfter"` // PENDING_SUBMIT 超过该时长视为异常
	AsyncEvents       bool          `yaml:"asyncEvents"`       // 事件回调在独立 goroutine 执行
	EventQueueSize    int           `yaml:"eventQueueSize"`
	FillHistory       int           `yaml:"fillHistory"` // 成交历史最大条数
	FillWindow        time.Duration `yaml:"fillWindow"`  // 成交历史与 trade id 去重窗口
}

type ReconcileConfig struct {
	ResyncInterval time.Duration `yaml:"resyncInterval"`
}

// FeedConfig 推送流地址。为空时只依赖外部调用方喂消息。
type FeedConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReconnectDelay   time.Duration `yaml:"reconnectDelay"`
}

// PairConfig 保存交易对的精度/名义限制（来自交易所 exchangeInfo）以及风控上限。
// 数值字段按十进制文本精确解析，YAML 中写 0.1 或 "0.1" 均可。
type PairConfig struct {
	TickSize      decimal.Decimal `yaml:"tickSize"`
	StepSize      decimal.Decimal `yaml:"stepSize"`
	MinVolume     decimal.Decimal `yaml:"minVolume"`
	MaxVolume     decimal.Decimal `yaml:"maxVolume"`
	MinNotional   decimal.Decimal `yaml:"minNotional"`
	MaxNotional   decimal.Decimal `yaml:"maxNotional"`   // 单笔名义上限，0 表示不限
	MaxOpenOrders int             `yaml:"maxOpenOrders"` // 未结束订单数上限，0 表示不限
}

// Default 返回各字段的默认值，Load 在其基础上覆盖 YAML。
func Default() AppConfig {
	return AppConfig{
		Env:     "dev",
		Log:     logger.DefaultConfig(),
		Metrics: MetricsConfig{Addr: ":9100", Namespace: "ledger"},
		Registry: RegistryConfig{
			Retention:         time.Hour,
			CleanupInterval:   time.Minute,
			StalePendingAfter: 30 * time.Second,
			EventQueueSize:    1024,
			FillHistory:       10000,
			FillWindow:        time.Hour,
		},
		Reconcile: ReconcileConfig{ResyncInterval: 30 * time.Second},
		Feed: FeedConfig{
			HandshakeTimeout: 10 * time.Second,
			ReconnectDelay:   2 * time.Second,
		},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, ErrInvalid("config file is empty")
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config, then a .env file next to it (if any), then LEDGER_* env vars.
// Variables already present in the environment win over .env entries.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", envFile, err)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("LEDGER_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LEDGER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("LEDGER_FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("LEDGER_RESYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_RESYNC_INTERVAL: %w", err)
		}
		cfg.Reconcile.ResyncInterval = d
	}
	if v := os.Getenv("LEDGER_ASYNC_EVENTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_ASYNC_EVENTS: %w", err)
		}
		cfg.Registry.AsyncEvents = b
	}
	return nil
}
