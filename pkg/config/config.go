// Package config defines the run configuration, its defaults, YAML loading
// and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gamevaultlabs.io/gv-backup/pkg/archive"
	"gamevaultlabs.io/gv-backup/pkg/plog"
)

// Mode selects how a run materializes its backup.
type Mode string

const (
	// ModeZip packs all sources into a single compressed archive.
	ModeZip Mode = "zip"
	// ModeMirror replicates the source trees into a destination directory.
	ModeMirror Mode = "mirror"
)

const (
	// DefaultProduct names the backup sets when no product is configured.
	DefaultProduct = "GVBackup"

	// DefaultModTimeWindow tolerates filesystem timestamp rounding when
	// comparing modification times in incremental mode.
	DefaultModTimeWindow = time.Second

	// DefaultMaxSources caps the number of configured sources per run.
	DefaultMaxSources = 3
)

// RunConfig describes a single backup run. The zero value is not usable;
// start from Default and overlay file and flag values.
type RunConfig struct {
	// Sources are the directories to back up, in order. Missing entries are
	// skipped with a warning at run time.
	Sources []string `yaml:"sources"`

	// MaxSources caps how many sources a run accepts. Zero or negative falls
	// back to DefaultMaxSources.
	MaxSources int `yaml:"max_sources"`

	// Destination is the directory that receives archives or mirror trees.
	Destination string `yaml:"destination"`

	Mode Mode `yaml:"mode"`

	// Incremental skips unchanged files in mirror mode. Zip runs always copy
	// everything; a zip run with incremental set is normalized with a warning.
	Incremental bool `yaml:"incremental"`

	// Product is the prefix of generated backup names.
	Product string `yaml:"product"`

	// ArchiveFormat selects the container for zip-mode runs: zip, tar.gz or
	// tar.zst. Empty means zip.
	ArchiveFormat string `yaml:"archive_format"`

	// ModTimeWindow is the mtime comparison tolerance for incremental runs.
	ModTimeWindow time.Duration `yaml:"mod_time_window"`

	// StrictCollisions records colliding multi-root entry names as per-file
	// failures instead of silently overwriting.
	StrictCollisions bool `yaml:"strict_collisions"`

	// PreserveRootNames keeps same-named source roots apart by prefixing
	// their entries with a parent__leaf tag.
	PreserveRootNames bool `yaml:"preserve_root_names"`

	// MirrorDirName pins the mirror directory to a fixed name so that
	// incremental runs keep hitting the same destination tree. Empty means a
	// fresh timestamped name per run.
	MirrorDirName string `yaml:"mirror_dir_name"`

	// MinFreeBytes aborts a run before any file work when the destination
	// volume has less free space. Zero disables the check.
	MinFreeBytes int64 `yaml:"min_free_bytes"`

	DryRun bool `yaml:"dry_run"`
}

// Default returns the baseline configuration.
func Default() RunConfig {
	return RunConfig{
		Mode:          ModeMirror,
		Incremental:   true,
		Product:       DefaultProduct,
		ModTimeWindow: DefaultModTimeWindow,
		MaxSources:    DefaultMaxSources,
	}
}

// Load reads a YAML config file and overlays it on the defaults. A missing
// file is not an error; the defaults are returned unchanged.
func Load(path string) (RunConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			plog.Debug("Config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes contradictory settings.
// It must be called before handing the config to a run.
func (c *RunConfig) Validate() error {
	switch c.Mode {
	case ModeZip, ModeMirror:
	case "":
		return errors.New("mode is required (zip or mirror)")
	default:
		return fmt.Errorf("unknown mode %q (want zip or mirror)", c.Mode)
	}

	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if c.MaxSources < 1 {
		c.MaxSources = DefaultMaxSources
	}
	if len(c.Sources) > c.MaxSources {
		return fmt.Errorf("too many sources: %d configured, max_sources is %d", len(c.Sources), c.MaxSources)
	}
	if c.Destination == "" {
		return errors.New("destination is required")
	}
	if c.Product == "" {
		c.Product = DefaultProduct
	}
	if c.ModTimeWindow < 0 {
		return fmt.Errorf("mod_time_window must not be negative, got %s", c.ModTimeWindow)
	}

	if _, err := archive.ParseFormat(c.ArchiveFormat); err != nil {
		return fmt.Errorf("invalid archive_format: %w", err)
	}

	// Archive runs always rewrite the whole container, so incremental has no
	// meaning there. Incremental defaults to on for mirror runs, so a zip run
	// usually arrives here without the user ever asking for it; the CLI warns
	// separately when the flag was set explicitly.
	if c.Mode == ModeZip && c.Incremental {
		plog.Debug("Incremental has no effect in zip mode, disabling it")
		c.Incremental = false
	}
	return nil
}

// Format returns the parsed archive format. Call Validate first.
func (c *RunConfig) Format() archive.Format {
	f, err := archive.ParseFormat(c.ArchiveFormat)
	if err != nil {
		return archive.Zip
	}
	return f
}
