package bootstrap

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/splax/sitestack/internal/domain"
)

// Seed copies Source, relative to the base assets directory, into the
// layout directory named Target.
type Seed struct {
	Source string `toml:"source"`
	Target string `toml:"target"`
}

// Layout is the on-volume shape of an environment.
type Layout struct {
	// Dirs maps mount point names to paths relative to the volume root.
	Dirs  map[string]string `toml:"dirs"`
	Seeds []Seed            `toml:"seed"`

	// ConfigDir names the layout directory holding the generated config.
	ConfigDir  string `toml:"config_dir"`
	ConfigFile string `toml:"config_file"`
	// CoreDir names the layout directory holding the application core, when
	// the config file lives outside it.
	CoreDir string `toml:"core_dir"`
}

// DefaultLayout returns the built-in layout of platform.
func DefaultLayout(platform domain.Platform) Layout {
	switch platform {
	case domain.PlatformMagento:
		return Layout{
			Dirs: domain.VolumeLayout(platform),
			Seeds: []Seed{
				{Source: "app", Target: "app"},
				{Source: "pub/static", Target: "static"},
			},
			ConfigDir:  "config",
			ConfigFile: "env.php",
		}
	default:
		return Layout{
			Dirs: domain.VolumeLayout(domain.PlatformWordPress),
			Seeds: []Seed{
				{Source: "wordpress", Target: "core"},
				{Source: "wp-content/themes", Target: "themes"},
				{Source: "wp-content/plugins", Target: "plugins"},
			},
			ConfigDir:  "config",
			ConfigFile: "wp-config.php",
			CoreDir:    "core",
		}
	}
}

// LoadLayout returns the platform default overlaid with the TOML file at
// path, when path is set. Dirs merge by name; seeds replace the default list.
func LoadLayout(path string, platform domain.Platform) (Layout, error) {
	layout := DefaultLayout(platform)
	if path == "" {
		return layout, nil
	}
	var override Layout
	meta, err := toml.DecodeFile(path, &override)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Layout{}, fmt.Errorf("layout %s: unknown keys %v", path, undecoded)
	}
	for name, rel := range override.Dirs {
		layout.Dirs[name] = rel
	}
	if meta.IsDefined("seed") {
		layout.Seeds = override.Seeds
	}
	if override.ConfigDir != "" {
		layout.ConfigDir = override.ConfigDir
	}
	if override.ConfigFile != "" {
		layout.ConfigFile = override.ConfigFile
	}
	if meta.IsDefined("core_dir") {
		layout.CoreDir = override.CoreDir
	}
	return layout, layout.validate()
}

func (l Layout) validate() error {
	if _, ok := l.Dirs[l.ConfigDir]; !ok {
		return fmt.Errorf("layout: config_dir %q is not a declared directory", l.ConfigDir)
	}
	if _, ok := l.Dirs[l.CoreDir]; l.CoreDir != "" && !ok {
		return fmt.Errorf("layout: core_dir %q is not a declared directory", l.CoreDir)
	}
	for _, seed := range l.Seeds {
		if _, ok := l.Dirs[seed.Target]; !ok {
			return fmt.Errorf("layout: seed target %q is not a declared directory", seed.Target)
		}
	}
	return nil
}

// dirNames returns the directory names in a stable order.
func (l Layout) dirNames() []string {
	names := make([]string, 0, len(l.Dirs))
	for name := range l.Dirs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
