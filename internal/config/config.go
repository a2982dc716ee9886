package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/jongwoo108/yak-sok/common/config"
)

// Config Safety Line 服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	SafetyLine struct {
		// 非重症药物的升级阈值（分钟），重症为 0
		ThresholdMinutes int
		// 日期与时间段去重使用的本地时区
		Timezone string
		// 去重锁 TTL
		DedupTTL time.Duration
		// 去重键粒度: "slot"（用户/日期/时间段）或 "minute"（用户/日期/HH:MM）
		KeyGranularity string
		KeyPrefix      string
		// 调度失败重试
		ScheduleAttempts   int
		ScheduleRetryDelay time.Duration
		// 单次推送 / 调度调用的超时
		SendTimeout     time.Duration
		ScheduleTimeout time.Duration
	}

	Worker struct {
		PollInterval time.Duration
		BatchSize    int
		Lease        time.Duration
		Concurrency  int
	}

	Sweep struct {
		Enabled bool
		Hour    int
		Minute  int
	}

	Push struct {
		// "expo" | "mqtt" | "auto"（按地址前缀选择）
		Provider      string
		ExpoURL       string
		ExpoToken     string
		RatePerSecond float64
		Burst         int
	}

	Stream struct {
		Enabled       bool
		Name          string
		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64
	}

	HTTP struct {
		Enabled        bool
		Addr           string
		AllowedOrigins []string
	}

	Log struct {
		Level  string
		Format string
		Dir    string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "yaksok"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.ConnMaxLifetime = 30 * time.Minute
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "safetyline")
	cfg.MQTT.QoS = 1
	cfg.MQTT.TopicPrefix = "yaksok/push"
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.SafetyLine.ThresholdMinutes = getEnvInt("SAFETY_LINE_THRESHOLD_MINUTES", 30)
	cfg.SafetyLine.Timezone = getEnv("SAFETY_LINE_TIMEZONE", "Asia/Seoul")
	cfg.SafetyLine.DedupTTL = getEnvDuration("SAFETY_LINE_DEDUP_TTL", time.Hour)
	cfg.SafetyLine.KeyGranularity = getEnv("SAFETY_LINE_KEY_GRANULARITY", "slot")
	cfg.SafetyLine.KeyPrefix = getEnv("SAFETY_LINE_KEY_PREFIX", "safetyline:")
	cfg.SafetyLine.ScheduleAttempts = getEnvInt("SAFETY_LINE_SCHEDULE_ATTEMPTS", 3)
	cfg.SafetyLine.ScheduleRetryDelay = getEnvDuration("SAFETY_LINE_SCHEDULE_RETRY_DELAY", time.Minute)
	cfg.SafetyLine.SendTimeout = getEnvDuration("SAFETY_LINE_SEND_TIMEOUT", 10*time.Second)
	cfg.SafetyLine.ScheduleTimeout = getEnvDuration("SAFETY_LINE_SCHEDULE_TIMEOUT", 5*time.Second)

	cfg.Worker.PollInterval = getEnvDuration("WORKER_POLL_INTERVAL", time.Second)
	cfg.Worker.BatchSize = getEnvInt("WORKER_BATCH_SIZE", 50)
	cfg.Worker.Lease = getEnvDuration("WORKER_LEASE", 5*time.Minute)
	cfg.Worker.Concurrency = getEnvInt("WORKER_CONCURRENCY", 8)

	// 默认每天 00:05（本地时区）执行
	cfg.Sweep.Enabled = getEnv("SWEEP_ENABLED", "true") == "true"
	cfg.Sweep.Hour = getEnvInt("SWEEP_HOUR", 0)
	cfg.Sweep.Minute = getEnvInt("SWEEP_MINUTE", 5)

	cfg.Push.Provider = getEnv("PUSH_PROVIDER", "auto")
	cfg.Push.ExpoURL = getEnv("EXPO_PUSH_URL", "https://exp.host")
	cfg.Push.ExpoToken = getEnv("EXPO_ACCESS_TOKEN", "")
	cfg.Push.RatePerSecond = getEnvFloat("PUSH_RATE_PER_SECOND", 100)
	cfg.Push.Burst = getEnvInt("PUSH_BURST", 10)

	cfg.Stream.Enabled = getEnv("DOSE_STREAM_ENABLED", "true") == "true"
	cfg.Stream.Name = getEnv("DOSE_EVENT_STREAM", "safetyline:dose-events")
	cfg.Stream.ConsumerGroup = getEnv("DOSE_CONSUMER_GROUP", "safetyline-group")
	cfg.Stream.ConsumerName = getEnv("DOSE_CONSUMER_NAME", hostnameOr("safetyline-1"))
	cfg.Stream.BatchSize = int64(getEnvInt("DOSE_STREAM_BATCH_SIZE", 10))

	cfg.HTTP.Enabled = getEnv("HTTP_ENABLED", "true") == "true"
	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")
	cfg.HTTP.AllowedOrigins = splitList(getEnv("HTTP_ALLOWED_ORIGINS", "*"))

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.Dir = getEnv("LOG_DIR", "")

	return cfg, nil
}

// Location 解析配置的时区，无效时回退到 UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SafetyLine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostnameOr(def string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return def
}
