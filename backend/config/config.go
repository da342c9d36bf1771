package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 进程标识，空时随机生成
		Node            string        `mapstructure:"node"`
		AllowedOrigins  []string      `mapstructure:"allowed_origins"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"running"`
	Redis struct {
		// 一个地址用单机客户端，多个地址用集群客户端；为空时不启用 Redis
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
		DB       int      `mapstructure:"db"`
	} `mapstructure:"redis"`
	Mysql struct {
		// 为空时不启用快照存储
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"max_open_conns"`
		MaxIdleConns    int           `mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
		AutoMigrate     bool          `mapstructure:"auto_migrate"`
	} `mapstructure:"mysql"`
	Kafka struct {
		// 为空时不启用变更审计
		Brokers     []string `mapstructure:"brokers"`
		Topic       string   `mapstructure:"topic"`
		QueueSize   int      `mapstructure:"queue_size"`
		Workers     int      `mapstructure:"workers"`
		MaxRetry    int      `mapstructure:"max_retry"`
		MaxInFlight int      `mapstructure:"max_in_flight"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 为空时关闭鉴权
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Room struct {
		// local：单进程；redis：经 Redis Pub/Sub 在多个进程间同步
		Transport       string        `mapstructure:"transport"`
		OnlineThreshold time.Duration `mapstructure:"online_threshold"`
		MirrorQueue     int           `mapstructure:"mirror_queue"`
		SendQueue       int           `mapstructure:"send_queue"`
		MaxSubmits      int           `mapstructure:"max_submits"`
	} `mapstructure:"room"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

var defaults = map[string]any{
	"running.port":             8080,
	"running.node":             "",
	"running.allowed_origins":  []string{},
	"running.shutdown_timeout": 10 * time.Second,
	"redis.addrs":              []string{},
	"redis.password":           "",
	"redis.db":                 0,
	"mysql.dsn":                "",
	"mysql.max_open_conns":     20,
	"mysql.max_idle_conns":     10,
	"mysql.conn_max_lifetime":  time.Hour,
	"mysql.auto_migrate":       true,
	"kafka.brokers":            []string{},
	"kafka.topic":              "roomsync.changes",
	"kafka.queue_size":         10_000,
	"kafka.workers":            4,
	"kafka.max_retry":          3,
	"kafka.max_in_flight":      100,
	"auth.jwt_secret":          "",
	"room.transport":           TransportLocal,
	"room.online_threshold":    5 * time.Minute,
	"room.mirror_queue":        256,
	"room.send_queue":          64,
	"room.max_submits":         100,
	"log.level":                "info",
	"log.format":               "json",
}

// Load 先读 .env，再读 roomsyncConfig.yaml，最后用 ROOMSYNC_ 前缀的环境变量覆盖。
// 配置文件不存在时只用默认值和环境变量。paths 为空时兼容从项目根目录或 backend 目录启动。
func Load(paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("roomsyncConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("running.port out of range: %d", c.Running.Port)
	}
	switch c.Room.Transport {
	case TransportLocal:
	case TransportRedis:
		if len(c.Redis.Addrs) == 0 {
			return errors.New("room.transport=redis requires redis.addrs")
		}
	default:
		return fmt.Errorf("unknown room.transport %q", c.Room.Transport)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}
