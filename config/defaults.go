// =============================================================================
// 📦 AnalystFlow 默认配置
// =============================================================================
// 默认值可直接在单机上运行：内存缓存、内存运行存储、无认证
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Mongo:     DefaultMongoConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Stages:    DefaultStagesConfig(),
		Auth:      AuthConfig{},
		RateLimit: DefaultRateLimitConfig(),
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
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "analystflow:",
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "analystflow",
		Name:            "analystflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:       "analystflow",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "analystflow",
		SampleRate:   0.1,
	}
}

// DefaultWorkflowConfig 返回默认编排配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		StageTimeout:   120 * time.Second,
		CacheBackend:   "memory",
		CacheTTL:       24 * time.Hour,
		StoreBackend:   "memory",
		PersistTimeout: 5 * time.Second,
	}
}

// DefaultStagesConfig 返回默认阶段客户端配置，地址需由部署提供
func DefaultStagesConfig() StagesConfig {
	return StagesConfig{
		RequestTimeout:   110 * time.Second,
		RateLimitRPS:     20,
		RateLimitBurst:   40,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// DefaultRateLimitConfig 返回默认入站限流配置
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		RPS:     100,
		Burst:   200,
	}
}
