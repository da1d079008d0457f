package domain

import "time"

// Platform is the application family an environment runs.
type Platform string

const (
	PlatformWordPress Platform = "wordpress"
	PlatformMagento   Platform = "magento"
)

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformWordPress || p == PlatformMagento
}

// EnvironmentStatus tracks the lifecycle of a customer environment.
type EnvironmentStatus string

const (
	EnvironmentProvisioning EnvironmentStatus = "provisioning"
	EnvironmentActive       EnvironmentStatus = "active"
	EnvironmentSuspended    EnvironmentStatus = "suspended"
	EnvironmentDestroyed    EnvironmentStatus = "destroyed"
)

// Environment is one customer's application instance.
type Environment struct {
	ID            string
	CustomerID    string
	Platform      Platform
	Status        EnvironmentStatus
	SiteURL       string
	ContainerName string
	VolumeRoot    string
	DBName        string
	DBUser        string
	DBPassword    []byte
	AdminUser     string
	AdminEmail    string
	AdminPassword []byte
	MemoryLimitMB int
	CPULimit      float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// VolumeLayout returns the named mount points of a platform, relative to the
// environment volume root. The layout is fixed when the environment is created.
func VolumeLayout(p Platform) map[string]string {
	switch p {
	case PlatformMagento:
		return map[string]string{
			"app":    "app",
			"media":  "pub/media",
			"static": "pub/static",
			"var":    "var",
			"config": "app/etc",
			"logs":   "var/log",
		}
	default:
		return map[string]string{
			"core":    "wordpress",
			"content": "wp-content",
			"plugins": "wp-content/plugins",
			"themes":  "wp-content/themes",
			"uploads": "wp-content/uploads",
			"config":  "config",
		}
	}
}
