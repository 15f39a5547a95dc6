// internal/pkg/config/config.go
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是整个服务的配置根结构。
// 来源优先级: 环境变量 > YAML 文件 > 默认值。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	ServiceName string `yaml:"service_name"`
	HTTPPort    int    `yaml:"http_port"`
	PrettyLog   bool   `yaml:"pretty_log"`

	// Saga / 预占相关
	ReserveMaxAttempts int           `yaml:"reserve_max_attempts"` // CAS 冲突的最大重试次数
	ReserveBackoff     time.Duration `yaml:"reserve_backoff"`      // 首次重试的退避时长，之后线性递增
	HoldTTL            time.Duration `yaml:"hold_ttl"`             // 预占超时时间（超时后被后台清扫释放）
	SweepInterval      time.Duration `yaml:"sweep_interval"`       // 清扫器轮询间隔
	ProcessingTimeout  time.Duration `yaml:"processing_timeout"`   // 单个订单处理流程的超时

	// 热点商品走短持有的悲观锁（ZooKeeper），其余商品走乐观 CAS
	HotProducts []string `yaml:"hot_products"`

	// Webhook 签名密钥（HMAC-SHA256）
	WebhookSecret string `yaml:"webhook_secret"`

	// 退款/取消后是否回补库存，由一条 CEL 表达式决定。
	// 可用变量见 policy 包。空字符串表示永不回补。
	RefundRestockPolicy string `yaml:"refund_restock_policy"`
}

type InfraConfig struct {
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers          []string `yaml:"brokers"`
		OrderEventsTopic string   `yaml:"order_events_topic"`
		FulfillmentTopic string   `yaml:"fulfillment_topic"`
		ConsumerGroup    string   `yaml:"consumer_group"`
	} `yaml:"kafka"`
	Zookeeper struct {
		Servers []string `yaml:"servers"`
		Enabled bool     `yaml:"enabled"`
	} `yaml:"zookeeper"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
	Catalog struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"catalog"`
	Cart struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"cart"`
	PaymentProvider struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"payment_provider"`
}

// Default 返回带合理默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.App.ServiceName = "fulfillment-service"
	cfg.App.HTTPPort = 8080
	cfg.App.ReserveMaxAttempts = 5
	cfg.App.ReserveBackoff = 20 * time.Millisecond
	cfg.App.HoldTTL = 20 * time.Minute
	cfg.App.SweepInterval = time.Minute
	cfg.App.ProcessingTimeout = 15 * time.Second
	cfg.Infra.MySQL.DSN = "root:root@tcp(localhost:3306)/orderflow?parseTime=true"
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Infra.Kafka.OrderEventsTopic = "order-events"
	cfg.Infra.Kafka.FulfillmentTopic = "fulfillment-events"
	cfg.Infra.Kafka.ConsumerGroup = "fulfillment-service"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}

// Load 依次应用 YAML 文件（路径来自 CONFIG_FILE，可缺省）和环境变量覆盖。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config yaml")
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv 用环境变量覆盖部署相关的配置项。
// 只覆盖运维会改动的项，业务参数走 YAML。
func (c *Config) applyEnv() {
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		c.Infra.MySQL.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Infra.Redis.Addr = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ZK_SERVERS"); v != "" {
		c.Infra.Zookeeper.Servers = strings.Split(v, ",")
		c.Infra.Zookeeper.Enabled = true
	}
	if v := os.Getenv("JAEGER_ENDPOINT"); v != "" {
		c.Infra.Jaeger.Endpoint = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.App.WebhookSecret = v
	}
	if v := os.Getenv("CATALOG_BASE_URL"); v != "" {
		c.Infra.Catalog.BaseURL = v
	}
	if v := os.Getenv("CART_BASE_URL"); v != "" {
		c.Infra.Cart.BaseURL = v
	}
	if v := os.Getenv("PAYMENT_PROVIDER_URL"); v != "" {
		c.Infra.PaymentProvider.BaseURL = v
	}
}
