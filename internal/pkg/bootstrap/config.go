// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
	"trafficflow/internal/pkg/logger"
)

// Config 是服务的完整配置, 对应 configs/order-service.yaml
type Config struct {
	App          AppConfig          `yaml:"app"`
	Infra        InfraConfig        `yaml:"infra"`
	Order        OrderConfig        `yaml:"order"`
	Fraud        FraudConfig        `yaml:"fraud"`
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
}

type AppConfig struct {
	Name string        `yaml:"name"`
	Port int           `yaml:"port"`
	Log  logger.Config `yaml:"log"`
}

type InfraConfig struct {
	Jaeger struct {
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"jaeger"`
	Kafka struct {
		Brokers            string `yaml:"brokers"`
		OrderCreatedTopic  string `yaml:"order_created_topic"`
		StatusChangedTopic string `yaml:"status_changed_topic"`
		InterventionTopic  string `yaml:"intervention_topic"`
		NotificationTopic  string `yaml:"notification_topic"`
		DLTTopic           string `yaml:"dlt_topic"`
		ConsumerGroup      string `yaml:"consumer_group"`
	} `yaml:"kafka"`
	Redis struct {
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	MySQL struct {
		DSN         string `yaml:"dsn"`
		AutoMigrate bool   `yaml:"auto_migrate"`
	} `yaml:"mysql"`
	Nacos struct {
		Enabled   bool   `yaml:"enabled"`
		Addrs     string `yaml:"addrs"`
		Namespace string `yaml:"namespace"`
		Group     string `yaml:"group"`
		DataID    string `yaml:"data_id"`
	} `yaml:"nacos"`
}

// OrderConfig 编排器与重试相关的参数
type OrderConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	BaselineTimeout   time.Duration `yaml:"baseline_timeout"`
	ClipTimeout       time.Duration `yaml:"clip_timeout"`
	ProvisionTimeout  time.Duration `yaml:"provision_timeout"`
	RefundTimeout     time.Duration `yaml:"refund_timeout"`
	Recovery          struct {
		Enabled    bool          `yaml:"enabled"`
		Interval   time.Duration `yaml:"interval"`
		StaleAfter time.Duration `yaml:"stale_after"`
		BatchSize  int           `yaml:"batch_size"`
	} `yaml:"recovery"`
	DefaultCoefficient struct {
		WithClip    float64 `yaml:"with_clip"`
		WithoutClip float64 `yaml:"without_clip"`
	} `yaml:"default_coefficient"`
	// Coefficients 启动时写入的服务系数, 已存在的会被覆盖
	Coefficients []CoefficientSeed `yaml:"coefficients"`
}

type CoefficientSeed struct {
	ServiceID   int64   `yaml:"service_id"`
	WithClip    float64 `yaml:"with_clip"`
	WithoutClip float64 `yaml:"without_clip"`
}

// FraudConfig 欺诈检测规则参数
type FraudConfig struct {
	Enabled                bool          `yaml:"enabled"`
	RateLimit              int64         `yaml:"rate_limit"`
	RateWindow             time.Duration `yaml:"rate_window"`
	DuplicateWindow        time.Duration `yaml:"duplicate_window"`
	SuspiciousWindow       time.Duration `yaml:"suspicious_window"`
	SuspiciousMaxOrders    int64         `yaml:"suspicious_max_orders"`
	MinSample              int64         `yaml:"min_sample"`
	MaxSameQuantityPercent float64       `yaml:"max_same_quantity_percent"`
	HighValueThreshold     float64       `yaml:"high_value_threshold"`
	TrustExpression        string        `yaml:"trust_expression"`
}

type CapabilitiesConfig struct {
	BaselineURL string `yaml:"baseline_url"`
	ClipURL     string `yaml:"clip_url"`
	CampaignURL string `yaml:"campaign_url"`
	RefundURL   string `yaml:"refund_url"`
	UserURL     string `yaml:"user_url"`
}

// DefaultConfig 所有字段的默认值
func DefaultConfig() Config {
	var c Config
	c.App.Name = "order-service"
	c.App.Port = 8081
	c.App.Log.Level = "info"

	c.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	c.Infra.Jaeger.SampleRatio = 1
	c.Infra.Kafka.Brokers = "localhost:9092"
	c.Infra.Kafka.OrderCreatedTopic = "order-created"
	c.Infra.Kafka.StatusChangedTopic = "order-status-changed"
	c.Infra.Kafka.InterventionTopic = "order-manual-intervention"
	c.Infra.Kafka.NotificationTopic = "notifications"
	c.Infra.Kafka.DLTTopic = "order-created-dlt"
	c.Infra.Kafka.ConsumerGroup = "order-orchestrator"
	c.Infra.Redis.Addrs = "localhost:6379"
	c.Infra.MySQL.DSN = "root:root@tcp(localhost:3306)/traffic?charset=utf8mb4&parseTime=True&loc=UTC"
	c.Infra.Nacos.Addrs = "localhost:8848"
	c.Infra.Nacos.Group = "DEFAULT_GROUP"
	c.Infra.Nacos.DataID = "order-service.yaml"

	c.Order.Workers = 10
	c.Order.QueueSize = 1024
	c.Order.MaxAttempts = 3
	c.Order.RetryDelay = 5 * time.Second
	c.Order.MaxRetries = 3
	c.Order.ProcessingTimeout = 10 * time.Minute
	c.Order.BaselineTimeout = 30 * time.Second
	c.Order.ClipTimeout = 5 * time.Minute
	c.Order.ProvisionTimeout = 30 * time.Second
	c.Order.RefundTimeout = 15 * time.Second
	c.Order.Recovery.Enabled = true
	c.Order.Recovery.Interval = time.Minute
	c.Order.Recovery.StaleAfter = 15 * time.Minute
	c.Order.Recovery.BatchSize = 100
	c.Order.DefaultCoefficient.WithClip = 3.0
	c.Order.DefaultCoefficient.WithoutClip = 4.0

	c.Fraud.Enabled = true
	c.Fraud.RateLimit = 5
	c.Fraud.RateWindow = time.Minute
	c.Fraud.DuplicateWindow = 10 * time.Minute
	c.Fraud.SuspiciousWindow = time.Hour
	c.Fraud.SuspiciousMaxOrders = 20
	c.Fraud.MinSample = 10
	c.Fraud.MaxSameQuantityPercent = 60
	c.Fraud.HighValueThreshold = 100
	c.Fraud.TrustExpression = `user.id > 1000 || (user.account_age_days >= 1 && user.successful_orders >= 1)`

	c.Capabilities.BaselineURL = "http://localhost:9101"
	c.Capabilities.ClipURL = "http://localhost:9102"
	c.Capabilities.CampaignURL = "http://localhost:9103"
	c.Capabilities.RefundURL = "http://localhost:9104"
	c.Capabilities.UserURL = "http://localhost:9105"
	return c
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	switch {
	case c.Order.Workers < 1:
		return fmt.Errorf("order.workers must be >= 1, got %d", c.Order.Workers)
	case c.Order.MaxAttempts < 1:
		return fmt.Errorf("order.max_attempts must be >= 1, got %d", c.Order.MaxAttempts)
	case c.Order.MaxRetries < 0:
		return fmt.Errorf("order.max_retries must be >= 0, got %d", c.Order.MaxRetries)
	case c.Order.DefaultCoefficient.WithClip <= 0 || c.Order.DefaultCoefficient.WithoutClip <= 0:
		return fmt.Errorf("order.default_coefficient must be positive")
	case c.Fraud.RateLimit < 1:
		return fmt.Errorf("fraud.rate_limit must be >= 1")
	case c.Fraud.MaxSameQuantityPercent <= 0 || c.Fraud.MaxSameQuantityPercent > 100:
		return fmt.Errorf("fraud.max_same_quantity_percent must be in (0, 100]")
	}
	return nil
}

var (
	current   atomic.Pointer[Config]
	listeners struct {
		sync.Mutex
		fns []func(*Config)
	}
)

// GetCurrentConfig 返回当前生效的配置, 未加载时返回默认配置
func GetCurrentConfig() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	def := DefaultConfig()
	return &def
}

// OnReload 注册配置变更回调
func OnReload(fn func(*Config)) {
	listeners.Lock()
	listeners.fns = append(listeners.fns, fn)
	listeners.Unlock()
}

func setCurrent(c *Config) {
	current.Store(c)
	listeners.Lock()
	fns := append([]func(*Config){}, listeners.fns...)
	listeners.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// LoadConfig 读取 YAML 文件 (可为空) 并应用环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init 加载配置并设为当前配置
func Init(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	setCurrent(cfg)
	return cfg, nil
}

// mergeRemote 把配置中心的内容覆盖到当前配置上, 环境变量仍然优先
func mergeRemote(base *Config, content string) (*Config, error) {
	next := *base
	if err := yaml.Unmarshal([]byte(content), &next); err != nil {
		return nil, fmt.Errorf("failed to parse remote config: %w", err)
	}
	applyEnv(&next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return &next, nil
}

func applyEnv(c *Config) {
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Infra.Kafka.Brokers)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.Addrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	if v, ok := os.LookupEnv("NACOS_ENABLED"); ok {
		c.Infra.Nacos.Enabled = strings.EqualFold(v, "true")
	}
	c.App.Log.Level = getEnv("LOG_LEVEL", c.App.Log.Level)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
