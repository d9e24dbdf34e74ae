package config

import (
	"os"
	"strconv"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// GeneratorConfig drives the recurring task generator scan loop.
type GeneratorConfig struct {
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	ScanWindowHours     int    `yaml:"scan_window_hours"`
	TaskAPIBaseURL      string `yaml:"task_api_base_url"`
}

// SchedulerConfig drives the reminder scheduler tick and snapshot loops.
type SchedulerConfig struct {
	TickSeconds            int    `yaml:"tick_seconds"`
	SnapshotIntervalSecond int    `yaml:"snapshot_interval_seconds"`
	SnapshotKey            string `yaml:"snapshot_key"`
}

// NotifierConfig drives the streaming fan-out service.
type NotifierConfig struct {
	MaxConnsPerUser   int `yaml:"max_conns_per_user"`
	HeartbeatSeconds  int `yaml:"heartbeat_seconds"`
	StaleAfterSeconds int `yaml:"stale_after_seconds"`
	MessagesPerSecond int `yaml:"messages_per_second"`
}

// AuditConfig drives the audit buffer and its retry policy.
type AuditConfig struct {
	BatchSize        int `yaml:"batch_size"`
	FlushIntervalMS  int `yaml:"flush_interval_ms"`
	RetryMax         int `yaml:"retry_max"`
	RetryBaseMS      int `yaml:"retry_base_ms"`
	RetryMaxDelaySec int `yaml:"retry_max_delay_seconds"`
}

func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}
