package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务全部配置
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Log           LogConfig           `mapstructure:"log"`
	Timeline      TimelineConfig      `mapstructure:"timeline"`
	Fanout        FanoutConfig        `mapstructure:"fanout"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Admin         AdminConfig         `mapstructure:"admin"`
	Sentry        SentryConfig        `mapstructure:"sentry"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// NodeID 状态 ID 的节点号，每个写入进程唯一，[0, 1023]
	NodeID int64 `mapstructure:"node_id"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres | sqlite
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"` // json | console
	Development bool   `mapstructure:"development"`
}

// TimelineConfig 时间线存储与分页参数
type TimelineConfig struct {
	MaxItems         int           `mapstructure:"max_items"`
	DefaultPageLimit int           `mapstructure:"default_page_limit"`
	MaxPageLimit     int           `mapstructure:"max_page_limit"`
	RegenerationTTL  time.Duration `mapstructure:"regeneration_ttl"`
}

// FanoutConfig 扇出引擎预算
type FanoutConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	InactiveAfter    time.Duration `mapstructure:"inactive_after"`
	MergeLimit       int           `mapstructure:"merge_limit"`
	MergeTimeBudget  time.Duration `mapstructure:"merge_time_budget"`
	MergeRate        float64       `mapstructure:"merge_rate"`
	FollowerCacheTTL time.Duration `mapstructure:"follower_cache_ttl"`
	FollowerBatch    int           `mapstructure:"follower_batch"`
}

type QueueConfig struct {
	Driver         string        `mapstructure:"driver"` // memory | outbox | nats
	Workers        int           `mapstructure:"workers"`
	Size           int           `mapstructure:"size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ClaimLimit     int           `mapstructure:"claim_limit"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	NATS           NATSConfig    `mapstructure:"nats"`
}

type NATSConfig struct {
	URL      string `mapstructure:"url"`
	Stream   string `mapstructure:"stream"`
	Subject  string `mapstructure:"subject"`
	Consumer string `mapstructure:"consumer"`
}

// NotificationsConfig 通知过滤阈值
type NotificationsConfig struct {
	NewAccountAge  time.Duration `mapstructure:"new_account_age"`
	FollowerMinAge time.Duration `mapstructure:"follower_min_age"`
	AncestorDepth  int           `mapstructure:"ancestor_depth"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type AdminConfig struct {
	TokenHash string `mapstructure:"token_hash"` // bcrypt
}

type SentryConfig struct {
	DSN         string  `mapstructure:"dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.node_id", 0)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=timeline port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("timeline.max_items", 400)
	v.SetDefault("timeline.default_page_limit", 20)
	v.SetDefault("timeline.max_page_limit", 40)
	v.SetDefault("timeline.regeneration_ttl", 24*time.Hour)

	v.SetDefault("fanout.concurrency", 8)
	v.SetDefault("fanout.inactive_after", 14*24*time.Hour)
	v.SetDefault("fanout.merge_limit", 400)
	v.SetDefault("fanout.merge_time_budget", 30*time.Second)
	v.SetDefault("fanout.merge_rate", 2000.0)
	v.SetDefault("fanout.follower_cache_ttl", 10*time.Minute)
	v.SetDefault("fanout.follower_batch", 1000)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.size", 10000)
	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("queue.initial_backoff", 500*time.Millisecond)
	v.SetDefault("queue.max_backoff", time.Minute)
	v.SetDefault("queue.poll_interval", 50*time.Millisecond)
	v.SetDefault("queue.claim_limit", 64)
	v.SetDefault("queue.job_timeout", 2*time.Minute)
	v.SetDefault("queue.nats.url", "nats://localhost:4222")
	v.SetDefault("queue.nats.stream", "timeline")
	v.SetDefault("queue.nats.subject", "timeline.events")
	v.SetDefault("queue.nats.consumer", "fanout")

	v.SetDefault("notifications.new_account_age", 30*24*time.Hour)
	v.SetDefault("notifications.follower_min_age", 3*24*time.Hour)
	v.SetDefault("notifications.ancestor_depth", 40)

	v.SetDefault("auth.jwt_issuer", "timeline-fanout")

	v.SetDefault("sentry.environment", "development")
	v.SetDefault("sentry.sample_rate", 1.0)

	v.SetDefault("tracing.service_name", "timeline-fanout")
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load 读取配置：FANOUT_CONFIG 指定的文件，或 ./config/config.yaml、./config.yaml；
// 环境变量 FANOUT_<SECTION>_<KEY> 覆盖文件值。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("FANOUT_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "outbox", "nats":
	default:
		return fmt.Errorf("config: unsupported queue driver %q", c.Queue.Driver)
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return fmt.Errorf("config: server.node_id %d out of range [0, 1023]", c.Server.NodeID)
	}
	if c.Timeline.MaxItems <= 0 {
		return errors.New("config: timeline.max_items must be positive")
	}
	if c.Timeline.DefaultPageLimit <= 0 || c.Timeline.MaxPageLimit < c.Timeline.DefaultPageLimit {
		return errors.New("config: timeline page limits out of range")
	}
	if c.Fanout.Concurrency <= 0 {
		return errors.New("config: fanout.concurrency must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("config: queue.max_attempts must be positive")
	}
	return nil
}
