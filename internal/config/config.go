package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// RealtimeConfig drives the change-notification pipeline: the Postgres
// NOTIFY channel, the websocket heartbeat, and the client reconnect policy.
type RealtimeConfig struct {
	Channel        string        `yaml:"channel"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	SendQueueSize  int           `yaml:"send_queue_size"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.Realtime.applyDefaults()
	return &cfg, nil
}

func (rc *RealtimeConfig) applyDefaults() {
	if rc.Channel == "" {
		rc.Channel = "opportunity_changes"
	}
	if rc.PingInterval == 0 {
		rc.PingInterval = 30 * time.Second
	}
	if rc.PongWait == 0 {
		rc.PongWait = 60 * time.Second
	}
	if rc.SendQueueSize == 0 {
		rc.SendQueueSize = 256
	}
	if rc.MaxReconnects == 0 {
		rc.MaxReconnects = 5
	}
	if rc.BackoffBase == 0 {
		rc.BackoffBase = time.Second
	}
	if rc.ConnectTimeout == 0 {
		rc.ConnectTimeout = 10 * time.Second
	}
}
