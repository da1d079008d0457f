package config

import "time"

// BootstrapRequired lists the variables an environment container cannot start without.
var BootstrapRequired = []string{
	"DB_HOST",
	"DB_NAME",
	"DB_USER",
	"DB_PASSWORD",
	"ADMIN_USER",
	"ADMIN_EMAIL",
	"ADMIN_PASSWORD",
	"SITE_URL",
}

// BootstrapConfig holds the inputs of the in-container bootstrap sequence.
type BootstrapConfig struct {
	Platform       string
	LogLevel       string
	DBDriver       string
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	AdminUser      string
	AdminEmail     string
	AdminPassword  string
	SiteURL        string
	SiteTitle      string
	VolumeRoot     string
	BaseAssetsDir  string
	LayoutFile     string
	WaitAttempts   int
	WaitInterval   time.Duration
	ServiceCommand string
	InstallCommand string
	DetectCommand  string
	AppDir         string
}

// LoadBootstrapConfig constructs a BootstrapConfig from environment variables.
func LoadBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		Platform:       GetString("PLATFORM", "wordpress"),
		LogLevel:       GetString("LOG_LEVEL", "info"),
		DBDriver:       GetString("DB_DRIVER", "mysql"),
		DBHost:         GetString("DB_HOST", ""),
		DBPort:         GetInt("DB_PORT", 3306),
		DBName:         GetString("DB_NAME", ""),
		DBUser:         GetString("DB_USER", ""),
		DBPassword:     GetString("DB_PASSWORD", ""),
		AdminUser:      GetString("ADMIN_USER", ""),
		AdminEmail:     GetString("ADMIN_EMAIL", ""),
		AdminPassword:  GetString("ADMIN_PASSWORD", ""),
		SiteURL:        GetString("SITE_URL", ""),
		SiteTitle:      GetString("SITE_TITLE", "My Site"),
		VolumeRoot:     GetString("VOLUME_ROOT", "/data"),
		BaseAssetsDir:  GetString("BASE_ASSETS_DIR", "/opt/base"),
		LayoutFile:     GetString("STACK_LAYOUT_FILE", ""),
		WaitAttempts:   GetInt("DEPENDENCY_WAIT_ATTEMPTS", 30),
		WaitInterval:   time.Duration(GetInt("DEPENDENCY_WAIT_SECONDS", 2)) * time.Second,
		ServiceCommand: GetString("SERVICE_COMMAND", ""),
		InstallCommand: GetString("INSTALL_COMMAND", ""),
		DetectCommand:  GetString("DETECT_COMMAND", ""),
		AppDir:         GetString("APP_DIR", "/var/www/html"),
	}
}
