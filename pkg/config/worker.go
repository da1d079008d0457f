package config

import "time"

// WorkerConfig holds runtime configuration for the worker pool service.
type WorkerConfig struct {
	Environment     string
	MetricsAddr     string
	LogLevel        string
	DatabaseURL     string
	SecretsKey      string
	Concurrency     int
	Dispatch        DispatchConfig
	EventsChannel   string
	StaleAfter      time.Duration
	SweepInterval   time.Duration
	SweepEnabled    bool
	DockerHost      string
	PortRangeStart  int
	PortRangeEnd    int
	PortClass       string
	StackImages     map[string]string
	VolumeRoot      string
	ContainerPort   int
	ContainerPrefix string
	BackupAgentURL  string
	BackupTimeout   time.Duration
	DatabaseHost    string
	DatabasePort    int
	SiteDomain      string
	MemoryLimitMB   int
	CPULimit        float64
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:     GetString("APP_ENV", "development"),
		MetricsAddr:     GetString("WORKER_METRICS_ADDR", ":9102"),
		LogLevel:        GetString("LOG_LEVEL", "info"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://sitestack:sitestack@db:5432/sitestack?sslmode=disable"),
		SecretsKey:      GetString("SECRETS_ENCRYPTION_KEY", "supersecuresecret"),
		Concurrency:     GetInt("WORKER_CONCURRENCY", 4),
		Dispatch:        loadDispatchConfig(),
		EventsChannel:   GetString("JOB_EVENTS_CHANNEL", "sitestack:job-events"),
		StaleAfter:      time.Duration(GetInt("JOB_STALE_AFTER_MINUTES", 120)) * time.Minute,
		SweepInterval:   time.Duration(GetInt("JOB_SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		SweepEnabled:    GetBool("JOB_SWEEP_ENABLED", true),
		DockerHost:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		PortRangeStart:  GetInt("PORT_RANGE_START", 8100),
		PortRangeEnd:    GetInt("PORT_RANGE_END", 8999),
		PortClass:       GetString("PORT_RESOURCE_CLASS", "port"),
		StackImages:     loadStackImages(),
		VolumeRoot:      GetString("VOLUME_ROOT", "/srv/sitestack/environments"),
		ContainerPort:   GetInt("CONTAINER_HTTP_PORT", 80),
		ContainerPrefix: GetString("CONTAINER_PREFIX", "site"),
		BackupAgentURL:  GetString("BACKUP_AGENT_URL", "http://backup-agent:7000"),
		BackupTimeout:   time.Duration(GetInt("BACKUP_TIMEOUT_SECONDS", 1800)) * time.Second,
		DatabaseHost:    GetString("SITE_DB_HOST", "db"),
		DatabasePort:    GetInt("SITE_DB_PORT", 3306),
		SiteDomain:      GetString("SITE_DOMAIN", "sites.local"),
		MemoryLimitMB:   GetInt("SITE_MEMORY_LIMIT_MB", 1024),
		CPULimit:        float64(GetInt("SITE_CPU_MILLI", 1000)) / 1000,
	}
}

func loadStackImages() map[string]string {
	return map[string]string{
		"wordpress": GetString("WORDPRESS_IMAGE", "sitestack/wordpress:latest"),
		"magento":   GetString("MAGENTO_IMAGE", "sitestack/magento:latest"),
	}
}
