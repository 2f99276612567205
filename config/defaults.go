// =============================================================================
// 📦 MoFA FM 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Session:  DefaultSessionConfig(),
		Moonshot: DefaultMoonshotConfig(),
		MiniMax:  DefaultMiniMaxConfig(),
		Redis:    DefaultRedisConfig(),
		Database: DefaultDatabaseConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultSessionConfig 返回默认会话配置
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Mode:             "debate",
		Policy:           "sequential",
		Rounds:           3,
		SampleRate:       32000,
		TurnTimeout:      60 * time.Second,
		BufferCapacity:   30 * time.Second,
		PromptBudget:     6000,
		HighWaterPct:     80,
		LowWaterPct:      50,
		HeartbeatTimeout: 5 * time.Second,
	}
}

// DefaultMoonshotConfig 返回默认语言模型配置
func DefaultMoonshotConfig() MoonshotConfig {
	return MoonshotConfig{
		BaseURL: "https://api.moonshot.cn",
		Model:   "kimi-k2-0711-preview",
		Timeout: 120 * time.Second,
	}
}

// DefaultMiniMaxConfig 返回默认语音合成配置
func DefaultMiniMaxConfig() MiniMaxConfig {
	return MiniMaxConfig{
		URL:           "wss://api.minimax.io/ws/v1/t2a_v2",
		BatchDuration: 2 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		StreamPrefix: "mofafm:dialogue:",
		StreamMaxLen: 10000,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Path:            "mofafm.db",
		MaxOpenConns:    1,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
