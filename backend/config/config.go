package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Log struct {
		Level  string `mapstructure:"level"`  // debug / info / warn / error
		Format string `mapstructure:"format"` // text / json
	} `mapstructure:"log"`
	Room struct {
		OpLogCapacity   int           `mapstructure:"op_log_capacity"`
		TransformWindow time.Duration `mapstructure:"transform_window"`
		// 只和最近 N 条操作比较，0 表示整个日志
		TransformDepth int           `mapstructure:"transform_depth"`
		EmptyGrace     time.Duration `mapstructure:"empty_grace"`
		IdleTTL        time.Duration `mapstructure:"idle_ttl"`
		SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"room"`
	WS struct {
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		SendQueue      int      `mapstructure:"send_queue"`
		ReadLimit      int64    `mapstructure:"read_limit"`
	} `mapstructure:"ws"`
	Agent struct {
		URL            string        `mapstructure:"url"`
		ReconnectMode  string        `mapstructure:"reconnect_mode"` // fixed / exponential
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
		MaxDelay       time.Duration `mapstructure:"max_delay"`
		MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
		Debounce       time.Duration `mapstructure:"debounce"`
	} `mapstructure:"agent"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Discovery struct {
		Enabled  bool   `mapstructure:"enabled"`
		Instance string `mapstructure:"instance"`
		Service  string `mapstructure:"service"`
		Domain   string `mapstructure:"domain"`
	} `mapstructure:"discovery"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 3001)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("room.op_log_capacity", 100)
	v.SetDefault("room.transform_window", time.Second)
	v.SetDefault("room.transform_depth", 10)
	v.SetDefault("room.empty_grace", 5*time.Minute)
	v.SetDefault("room.idle_ttl", time.Hour)
	v.SetDefault("room.sweep_interval", 10*time.Minute)

	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("ws.send_queue", 64)
	v.SetDefault("ws.read_limit", 1<<20)

	v.SetDefault("agent.url", "ws://localhost:3001/ws")
	v.SetDefault("agent.reconnect_mode", "fixed")
	v.SetDefault("agent.reconnect_delay", 3*time.Second)
	v.SetDefault("agent.max_delay", 30*time.Second)
	v.SetDefault("agent.max_elapsed", 5*time.Minute)
	v.SetDefault("agent.debounce", 200*time.Millisecond)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", 60*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "room-events")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)

	v.SetDefault("mysql.dsn", "")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance", "collab-broker")
	v.SetDefault("discovery.service", "_collabnotes._tcp")
	v.SetDefault("discovery.domain", "local.")
}

// Load 读取配置。path 为空时按 ./backend/config、./config、. 的顺序查找 collabConfig.yaml，
// 找不到文件时只用默认值 + COLLAB_ 环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
