package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/splax/sitestack/internal/domain"
	"github.com/splax/sitestack/pkg/config"
	"github.com/splax/sitestack/pkg/retry"
)

// Options overrides the process-level collaborators of a sequence.
type Options struct {
	Runner Runner
	Exec   func(argv []string) error
	// Probes replaces the database probe derived from the config.
	Probes []Probe
}

// Validate reports every required setting that is empty.
func Validate(cfg config.BootstrapConfig) error {
	required := map[string]string{
		"DB_HOST":        cfg.DBHost,
		"DB_NAME":        cfg.DBName,
		"DB_USER":        cfg.DBUser,
		"DB_PASSWORD":    cfg.DBPassword,
		"ADMIN_USER":     cfg.AdminUser,
		"ADMIN_EMAIL":    cfg.AdminEmail,
		"ADMIN_PASSWORD": cfg.AdminPassword,
		"SITE_URL":       cfg.SiteURL,
	}
	var missing []string
	for _, key := range config.BootstrapRequired {
		if strings.TrimSpace(required[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return &ExitError{Code: ExitConfig, Step: "config", Err: fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))}
	}
	if !domain.Platform(cfg.Platform).Valid() {
		return &ExitError{Code: ExitConfig, Step: "config", Err: fmt.Errorf("unsupported platform %q", cfg.Platform)}
	}
	if cfg.WaitAttempts < 1 {
		return &ExitError{Code: ExitConfig, Step: "config", Err: errors.New("DEPENDENCY_WAIT_ATTEMPTS must be positive")}
	}
	return nil
}

// Build validates cfg and assembles the full step sequence.
func Build(cfg config.BootstrapConfig, logger *slog.Logger, opts Options) (*Machine, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	platform := domain.Platform(cfg.Platform)
	layout, err := LoadLayout(cfg.LayoutFile, platform)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Step: "config", Err: err}
	}

	commands := DefaultCommands(platform)
	if cfg.DetectCommand != "" {
		commands.Detect = cfg.DetectCommand
	}
	if cfg.InstallCommand != "" {
		commands.Install = cfg.InstallCommand
	}
	if cfg.ServiceCommand != "" {
		commands.Service = cfg.ServiceCommand
	}
	vars := commandVars(cfg)
	detectArgv, err := parseCommand(commands.Detect, vars)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Step: "config", Err: err}
	}
	installArgv, err := parseCommand(commands.Install, vars)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Step: "config", Err: err}
	}
	serviceArgv, err := parseCommand(commands.Service, vars)
	if err != nil {
		return nil, &ExitError{Code: ExitConfig, Step: "config", Err: err}
	}

	runner := opts.Runner
	if runner == nil {
		runner = ExecRunner{Stdout: os.Stdout, Stderr: os.Stderr}
	}
	execFn := opts.Exec
	if execFn == nil {
		execFn = execProcess
	}
	probes := opts.Probes
	if probes == nil {
		probes = []Probe{databaseProbe(cfg.DBDriver, cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPassword)}
	}

	values := configValues{
		DBAddr:     cfg.DBHost + ":" + strconv.Itoa(cfg.DBPort),
		DBName:     cfg.DBName,
		DBUser:     cfg.DBUser,
		DBPassword: cfg.DBPassword,
		SiteURL:    cfg.SiteURL,
	}
	if layout.CoreDir != "" {
		values.CorePath, err = resolve(cfg.VolumeRoot, layout.Dirs[layout.CoreDir])
		if err != nil {
			return nil, &ExitError{Code: ExitConfig, Step: "config", Err: err}
		}
	}
	detect := func(ctx context.Context) (bool, error) {
		err := runner.Run(ctx, cfg.AppDir, detectArgv)
		var status *ExitStatusError
		switch {
		case err == nil:
			return true, nil
		case errors.As(err, &status):
			return false, nil
		default:
			return false, fmt.Errorf("detect install state: %w", err)
		}
	}

	return NewMachine(logger,
		WaitForDependencies(retry.Constant(cfg.WaitAttempts, cfg.WaitInterval), probes...),
		EnsureVolumeLayout(cfg.VolumeRoot, layout),
		SeedBaseAssets(cfg.VolumeRoot, cfg.BaseAssetsDir, layout),
		GenerateConfig(cfg.VolumeRoot, layout, func() ([]byte, error) {
			return renderConfig(platform, values)
		}),
		InstallOrDetect(detect, func(ctx context.Context) error {
			return runner.Run(ctx, cfg.AppDir, installArgv)
		}),
		StartService(func() error {
			return execFn(serviceArgv)
		}),
	), nil
}

func commandVars(cfg config.BootstrapConfig) map[string]string {
	return map[string]string{
		"DB_HOST":        cfg.DBHost,
		"DB_PORT":        strconv.Itoa(cfg.DBPort),
		"DB_NAME":        cfg.DBName,
		"DB_USER":        cfg.DBUser,
		"DB_PASSWORD":    cfg.DBPassword,
		"ADMIN_USER":     cfg.AdminUser,
		"ADMIN_EMAIL":    cfg.AdminEmail,
		"ADMIN_PASSWORD": cfg.AdminPassword,
		"SITE_URL":       cfg.SiteURL,
		"SITE_TITLE":     cfg.SiteTitle,
		"APP_DIR":        cfg.AppDir,
		"VOLUME_ROOT":    cfg.VolumeRoot,
	}
}
