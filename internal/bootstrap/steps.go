package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/splax/sitestack/pkg/retry"
)

// Step names in execution order.
const (
	StepWaitForDependencies = "wait-for-dependencies"
	StepEnsureVolumeLayout  = "ensure-volume-layout"
	StepSeedBaseAssets      = "seed-base-assets"
	StepGenerateConfig      = "generate-environment-config"
	StepInstallOrDetect     = "install-or-detect"
	StepStartService        = "start-service"
)

// Probe checks one external dependency.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// WaitForDependencies polls every probe until it succeeds or the policy
// runs out of attempts. It has no marker and runs on every start.
func WaitForDependencies(policy retry.Policy, probes ...Probe) Step {
	return Step{
		Name:     StepWaitForDependencies,
		ExitCode: ExitDependency,
		Run: func(ctx context.Context) error {
			for _, probe := range probes {
				err := retry.Do(ctx, policy, func(ctx context.Context) error {
					if err := probe.Check(ctx); err != nil {
						return retry.Retryable(err)
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("%s unavailable: %w", probe.Name(), err)
				}
			}
			return nil
		},
	}
}

// EnsureVolumeLayout creates every missing layout directory under root.
func EnsureVolumeLayout(root string, layout Layout) Step {
	return Step{
		Name:     StepEnsureVolumeLayout,
		ExitCode: ExitFilesystem,
		Done: func(context.Context) (bool, error) {
			for _, name := range layout.dirNames() {
				dir, err := resolve(root, layout.Dirs[name])
				if err != nil {
					return false, err
				}
				info, err := os.Stat(dir)
				if errors.Is(err, fs.ErrNotExist) {
					return false, nil
				}
				if err != nil {
					return false, err
				}
				if !info.IsDir() {
					return false, fmt.Errorf("%s is not a directory", dir)
				}
			}
			return true, nil
		},
		Run: func(context.Context) error {
			for _, name := range layout.dirNames() {
				dir, err := resolve(root, layout.Dirs[name])
				if err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create %s: %w", name, err)
				}
			}
			return nil
		},
	}
}

// SeedBaseAssets copies shared base content into layout directories that
// are missing or empty. Existing content is the marker and is never touched.
func SeedBaseAssets(root, baseDir string, layout Layout) Step {
	pending := func() ([]Seed, error) {
		var out []Seed
		for _, seed := range layout.Seeds {
			target, err := resolve(root, layout.Dirs[seed.Target])
			if err != nil {
				return nil, err
			}
			empty, err := isEmptyDir(target)
			if err != nil {
				return nil, err
			}
			if empty {
				out = append(out, seed)
			}
		}
		return out, nil
	}
	return Step{
		Name:     StepSeedBaseAssets,
		ExitCode: ExitFilesystem,
		Done: func(context.Context) (bool, error) {
			seeds, err := pending()
			return len(seeds) == 0, err
		},
		Run: func(context.Context) error {
			seeds, err := pending()
			if err != nil {
				return err
			}
			for _, seed := range seeds {
				src, err := resolve(baseDir, seed.Source)
				if err != nil {
					return err
				}
				if _, err := os.Stat(src); err != nil {
					return fmt.Errorf("base asset %s: %w", seed.Source, err)
				}
				target, err := resolve(root, layout.Dirs[seed.Target])
				if err != nil {
					return err
				}
				if err := copyTree(src, target); err != nil {
					return fmt.Errorf("seed %s: %w", seed.Target, err)
				}
			}
			return nil
		},
	}
}

// GenerateConfig writes the environment config file when it does not
// exist. An existing file is never rewritten.
func GenerateConfig(root string, layout Layout, render func() ([]byte, error)) Step {
	path := func() (string, error) {
		dir, err := resolve(root, layout.Dirs[layout.ConfigDir])
		if err != nil {
			return "", err
		}
		return resolve(dir, layout.ConfigFile)
	}
	return Step{
		Name:     StepGenerateConfig,
		ExitCode: ExitFilesystem,
		Done: func(context.Context) (bool, error) {
			p, err := path()
			if err != nil {
				return false, err
			}
			_, err = os.Stat(p)
			switch {
			case err == nil:
				return true, nil
			case errors.Is(err, fs.ErrNotExist):
				return false, nil
			default:
				return false, err
			}
		},
		Run: func(context.Context) error {
			p, err := path()
			if err != nil {
				return err
			}
			content, err := render()
			if err != nil {
				return err
			}
			return writeExclusive(p, content, 0o640)
		},
	}
}

// InstallOrDetect asks the application whether it is initialized and runs
// the installer when it is not. detect must report false after a partial install.
func InstallOrDetect(detect func(ctx context.Context) (bool, error), install func(ctx context.Context) error) Step {
	return Step{
		Name:     StepInstallOrDetect,
		ExitCode: ExitInstall,
		Done:     detect,
		Run: func(ctx context.Context) error {
			if err := install(ctx); err != nil {
				return err
			}
			installed, err := detect(ctx)
			if err != nil {
				return err
			}
			if !installed {
				return errors.New("installer finished but the application still reports not installed")
			}
			return nil
		},
	}
}

// StartService replaces the process with the serving command. exec only
// returns on failure.
func StartService(exec func() error) Step {
	return Step{
		Name:     StepStartService,
		ExitCode: ExitService,
		Run: func(context.Context) error {
			return exec()
		},
	}
}

// writeExclusive creates path with content, failing if it already exists.
// The content is staged in a temporary file so a crash never leaves a
// truncated config behind.
func writeExclusive(path string, content []byte, mode fs.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, mode); err != nil {
		return err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}
