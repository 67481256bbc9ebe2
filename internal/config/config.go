package config

import (
	"os"
	"strconv"

	"owl-telemetry/common/config"
)

// Config 遥测规则引擎配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 引擎特定配置
	Engine struct {
		RefreshInterval    int    // 全量刷新间隔（秒），默认 15 秒
		ReloadPollInterval int    // reload 标记轮询间隔（秒），默认 5 秒
		ReloadKey          string // reload 标记的 Redis 键
		MessageBuffer      int    // 消息队列长度，默认 1024

		// 报警事件流（供通知渠道消费）
		EventStream       string
		EventStreamMaxLen int64

		// 外部通知网关（可选）
		WebhookURL string
	}

	HTTP struct {
		Addr string // 运维接口监听地址，为空则不启动
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 默认值
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "owl_iot"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 5
	cfg.Database.MaxIdle = 2
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "owl-telemetry"
	cfg.MQTT.QoS = 0
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Engine.RefreshInterval = getEnvInt("ENGINE_REFRESH_INTERVAL", 15)
	cfg.Engine.ReloadPollInterval = getEnvInt("ENGINE_RELOAD_POLL_INTERVAL", 5)
	cfg.Engine.ReloadKey = getEnv("ENGINE_RELOAD_KEY", "engine:reload-requested")
	cfg.Engine.MessageBuffer = getEnvInt("ENGINE_MESSAGE_BUFFER", 1024)
	cfg.Engine.EventStream = getEnv("ENGINE_EVENT_STREAM", "alarm:events:stream")
	cfg.Engine.EventStreamMaxLen = int64(getEnvInt("ENGINE_EVENT_STREAM_MAXLEN", 10000))
	cfg.Engine.WebhookURL = getEnv("NOTIFY_WEBHOOK_URL", "")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt 读取正整数，缺失或非法时使用默认值
func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return defaultValue
	}
	return v
}
