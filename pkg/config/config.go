package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 连接器配置
// 核心只消费这些数值，不拥有它们的语义（轮询间隔、not-found 阈值等）
type Config struct {
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Ops       OpsConfig       `yaml:"ops"`
	Logging   LoggingConfig   `yaml:"logging"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

// ExchangeConfig 交易所会话配置
type ExchangeConfig struct {
	Name         string   `yaml:"name"`
	RestURL      string   `yaml:"restUrl"`
	WsURL        string   `yaml:"wsUrl"`
	TradingPairs []string `yaml:"tradingPairs"`
}

// ReconcileConfig 对账循环配置
type ReconcileConfig struct {
	ShortIntervalSeconds  int `yaml:"shortIntervalSeconds"`  // 有活跃订单时的轮询间隔
	LongIntervalSeconds   int `yaml:"longIntervalSeconds"`   // 无条件全量轮询间隔
	RequestTimeoutSeconds int `yaml:"requestTimeoutSeconds"` // 单请求超时（独立取消，不影响兄弟请求）
}

// TrackerConfig 订单追踪配置
type TrackerConfig struct {
	NotFoundThreshold     int `yaml:"notFoundThreshold"`     // 连续 not-found 多少次判定订单丢失
	CachedOrderTTLSeconds int `yaml:"cachedOrderTtlSeconds"` // 终结订单在缓存里保留多久
	CachedOrderMaxSize    int `yaml:"cachedOrderMaxSize"`
}

// SnapshotConfig 在途订单快照配置
type SnapshotConfig struct {
	Dir             string `yaml:"dir"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
}

// RecorderConfig 成交流水记录配置
type RecorderConfig struct {
	DBPath string `yaml:"dbPath"`
}

// OpsConfig 运维端口配置
type OpsConfig struct {
	ListenAddr  string `yaml:"listenAddr"`  // gin 状态 API（只读）
	MetricsAddr string `yaml:"metricsAddr"` // expvar + pprof
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"outputFile"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// SecretsConfig 凭证库配置
type SecretsConfig struct {
	Path string `yaml:"path"`
}

// LoadFromFile 从 yaml 文件加载配置并填充默认值
func LoadFromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Reconcile.ShortIntervalSeconds <= 0 {
		c.Reconcile.ShortIntervalSeconds = 5
	}
	if c.Reconcile.LongIntervalSeconds <= 0 {
		c.Reconcile.LongIntervalSeconds = 30
	}
	if c.Reconcile.RequestTimeoutSeconds <= 0 {
		c.Reconcile.RequestTimeoutSeconds = 10
	}
	if c.Tracker.NotFoundThreshold <= 0 {
		c.Tracker.NotFoundThreshold = 3
	}
	if c.Tracker.CachedOrderTTLSeconds <= 0 {
		c.Tracker.CachedOrderTTLSeconds = 1800
	}
	if c.Tracker.CachedOrderMaxSize <= 0 {
		c.Tracker.CachedOrderMaxSize = 1000
	}
	if c.Snapshot.Dir == "" {
		c.Snapshot.Dir = "data/snapshots"
	}
	if c.Snapshot.IntervalSeconds <= 0 {
		c.Snapshot.IntervalSeconds = 30
	}
	if c.Recorder.DBPath == "" {
		c.Recorder.DBPath = "data/fills.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Exchange.Name) == "" {
		return fmt.Errorf("exchange.name 不能为空")
	}
	if len(c.Exchange.TradingPairs) == 0 {
		return fmt.Errorf("exchange.tradingPairs 不能为空")
	}
	if c.Reconcile.ShortIntervalSeconds > c.Reconcile.LongIntervalSeconds {
		return fmt.Errorf("reconcile.shortIntervalSeconds 不能大于 longIntervalSeconds")
	}
	return nil
}

// ShortInterval 短周期轮询间隔
func (c *ReconcileConfig) ShortInterval() time.Duration {
	return time.Duration(c.ShortIntervalSeconds) * time.Second
}

// LongInterval 长周期轮询间隔
func (c *ReconcileConfig) LongInterval() time.Duration {
	return time.Duration(c.LongIntervalSeconds) * time.Second
}

// RequestTimeout 单请求超时
func (c *ReconcileConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
