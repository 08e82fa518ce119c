package config

import "time"

// ServerConfig holds runtime configuration for the agent hub.
type ServerConfig struct {
	Environment           string
	Addr                  string
	LogLevel              string
	AgentName             string
	AgentCapabilities     []string
	MaxConnections        int
	MaxMessagesPerSession int
	MaxMessageLength      int
	IdleTimeout           time.Duration
	PingInterval          time.Duration
	RateLimitPerMinute    int
	RateLimitWindow       time.Duration
	RateLimitRedisAddr    string
	RateLimitRedisPass    string
	RateLimitRedisDB      int
	APIRateLimit          int
	OperatorToken         string
	AuthUserHeader        string
	EventHistorySize      int
	UsageHistorySize      int
	LatencyHistorySize    int
	LatencyRollingWindow  int
	ResourceSampling      bool
	ResourceSampleEvery   time.Duration
	Alerts                AlertConfig
}

// AlertConfig carries the alert thresholds and evaluation cadence.
type AlertConfig struct {
	EvaluateEvery     time.Duration
	HistorySize       int
	MaxActive         int
	MinRequests       int
	ErrorRateWarning  float64
	ErrorRateCritical float64
	LatencyWarningMS  float64
	LatencyCriticalMS float64
	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment:           GetString("APP_ENV", "development"),
		Addr:                  GetString("HTTP_ADDR", ":8080"),
		LogLevel:              GetString("LOG_LEVEL", "info"),
		AgentName:             GetString("AGENT_NAME", "assistant"),
		AgentCapabilities:     GetList("AGENT_CAPABILITIES", []string{"conversation", "real_time_chat"}),
		MaxConnections:        GetInt("MAX_CONNECTIONS", 100),
		MaxMessagesPerSession: GetInt("MAX_MESSAGES_PER_SESSION", 50),
		MaxMessageLength:      GetInt("MAX_MESSAGE_LENGTH", 2000),
		IdleTimeout:           GetSeconds("IDLE_TIMEOUT_SECONDS", 300),
		PingInterval:          GetSeconds("PING_INTERVAL_SECONDS", 25),
		RateLimitPerMinute:    GetInt("RATE_LIMIT_PER_MINUTE", 100),
		RateLimitWindow:       GetSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitRedisAddr:    GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:    GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:      GetInt("RATE_LIMIT_REDIS_DB", 0),
		APIRateLimit:          GetInt("API_RATE_LIMIT_PER_MINUTE", 120),
		OperatorToken:         GetString("OPS_TOKEN", ""),
		AuthUserHeader:        GetString("AUTH_USER_HEADER", ""),
		EventHistorySize:      GetInt("EVENT_HISTORY_SIZE", 1000),
		UsageHistorySize:      GetInt("USAGE_HISTORY_SIZE", 10000),
		LatencyHistorySize:    GetInt("LATENCY_HISTORY_SIZE", 1000),
		LatencyRollingWindow:  GetInt("LATENCY_ROLLING_WINDOW", 100),
		ResourceSampling:      GetBool("RESOURCE_SAMPLING_ENABLED", true),
		ResourceSampleEvery:   GetSeconds("RESOURCE_SAMPLE_SECONDS", 5),
		Alerts: AlertConfig{
			EvaluateEvery:     GetSeconds("ALERT_EVAL_SECONDS", 30),
			HistorySize:       GetInt("ALERT_HISTORY_SIZE", 1000),
			MaxActive:         GetInt("ALERT_MAX_ACTIVE", 100),
			MinRequests:       GetInt("ALERT_MIN_REQUESTS", 20),
			ErrorRateWarning:  GetFloat("ALERT_ERROR_RATE_WARNING", 5),
			ErrorRateCritical: GetFloat("ALERT_ERROR_RATE_CRITICAL", 20),
			LatencyWarningMS:  GetFloat("ALERT_LATENCY_WARNING_MS", 2000),
			LatencyCriticalMS: GetFloat("ALERT_LATENCY_CRITICAL_MS", 5000),
			CPUWarning:        GetFloat("ALERT_CPU_WARNING", 80),
			CPUCritical:       GetFloat("ALERT_CPU_CRITICAL", 95),
			MemoryWarning:     GetFloat("ALERT_MEMORY_WARNING", 85),
			MemoryCritical:    GetFloat("ALERT_MEMORY_CRITICAL", 95),
		},
	}
}
