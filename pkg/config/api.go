package config

import "time"

// APIConfig holds runtime configuration for the job API service.
type APIConfig struct {
	Environment          string
	Addr                 string
	LogLevel             string
	DatabaseURL          string
	JWTSecret            string
	SecretsKey           string
	OperatorPasswordHash string
	TokenTTL             time.Duration
	Dispatch             DispatchConfig
	EventsChannel        string
	SubmitRateLimit      int
	SubmitRateWindow     time.Duration
}

// DispatchConfig selects and configures the job notification transport.
type DispatchConfig struct {
	Backend        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	QueueKey       string
	PollInterval   time.Duration
	RedeliverAfter time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":4000"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://sitestack:sitestack@db:5432/sitestack?sslmode=disable"),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		SecretsKey:           GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		OperatorPasswordHash: GetString("OPERATOR_PASSWORD_HASH", ""),
		TokenTTL:             time.Duration(GetInt("TOKEN_TTL_MIN", 60)) * time.Minute,
		Dispatch:             loadDispatchConfig(),
		EventsChannel:        GetString("JOB_EVENTS_CHANNEL", "sitestack:job-events"),
		SubmitRateLimit:      GetInt("SUBMIT_RATE_LIMIT", 120),
		SubmitRateWindow:     time.Duration(GetInt("SUBMIT_RATE_WINDOW_SECONDS", 60)) * time.Second,
	}
}

func loadDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Backend:        GetString("DISPATCH_BACKEND", "redis"),
		RedisAddr:      GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword:  GetString("REDIS_PASSWORD", ""),
		RedisDB:        GetInt("REDIS_DB", 0),
		QueueKey:       GetString("DISPATCH_QUEUE_KEY", "sitestack:jobs"),
		PollInterval:   time.Duration(GetInt("DISPATCH_POLL_MS", 1000)) * time.Millisecond,
		RedeliverAfter: time.Duration(GetInt("DISPATCH_REDELIVER_SECONDS", 300)) * time.Second,
	}
}
