// Package config loads exmapctl configuration from layered JSONC files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

// Driver names.
const (
	DriverKernel = "kernel"
	DriverSim    = "sim"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Driver               string `json:"driver,omitempty"`
	Device               string `json:"device,omitempty"`
	Threads              int    `json:"threads,omitempty"`
	PagesPerThread       int    `json:"pages_per_thread,omitempty"`
	BufferPagesPerThread int    `json:"buffer_pages_per_thread,omitempty"`
	BackingFile          string `json:"backing_file,omitempty"`
	RetrySpins           int    `json:"retry_spins,omitempty"`
	RetryMaxInterval     string `json:"retry_max_interval,omitempty"`
	LogLevel             string `json:"log_level,omitempty"`
	MetricsFile          string `json:"metrics_file,omitempty"`

	// Resolved (computed, not serialized)
	EffectiveCwd   string `json:"-"` // Absolute working directory (from -C flag or os.Getwd)
	BackingFileAbs string `json:"-"` // Absolute backing file path, empty if none
	MetricsFileAbs string `json:"-"` // Absolute metrics file path, empty if none

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration: four workers over 4 MiB of
// region and 512 buffer pages each, on the kernel driver.
func Default() Config {
	return Config{
		Driver:               DriverKernel,
		Device:               exmap.DevicePath,
		Threads:              4,
		PagesPerThread:       1024,
		BufferPagesPerThread: 512,
		RetrySpins:           vmcache.DefaultSpins,
		RetryMaxInterval:     "1ms",
		LogLevel:             "info",
	}
}

// FileName is the project config file name.
const FileName = ".exmap.json"

// maxPageSize bounds the page size RegionSize may be called with.
const maxPageSize = 64 << 10

// GlobalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/exmap/config.json if set, otherwise
// ~/.config/exmap/config.json. Returns empty string if neither is known.
func GlobalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "exmap", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "exmap", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // CLI flag values; zero fields are not applied
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/exmap/config.json)
// 3. Project config file (.exmap.json, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. CLI overrides.
//
// All paths in the returned Config are resolved to absolute paths.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := GlobalPath(input.Env); path != "" {
		globalCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, globalCfg)
		}
	}

	projectCfg, projectPath, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = merge(cfg, projectCfg)
	cfg = merge(cfg, input.Overrides)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.BackingFileAbs = absIn(workDir, cfg.BackingFile)
	cfg.MetricsFileAbs = absIn(workDir, cfg.MetricsFile)

	return cfg, nil
}

func absIn(workDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}

func loadProject(workDir, configPath string) (Config, string, error) {
	path := filepath.Join(workDir, FileName)
	mustExist := false

	if configPath != "" {
		path = absIn(workDir, configPath)
		mustExist = true

		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, configPath)
		}
	}

	cfg, loaded, err := loadFile(path, mustExist)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	return cfg, path, nil
}

// loadFile loads one config file. A missing optional file is not an error.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrFileRead, path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes a JSONC document. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	var cfg Config

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Driver != "" {
		base.Driver = overlay.Driver
	}

	if overlay.Device != "" {
		base.Device = overlay.Device
	}

	if overlay.Threads != 0 {
		base.Threads = overlay.Threads
	}

	if overlay.PagesPerThread != 0 {
		base.PagesPerThread = overlay.PagesPerThread
	}

	if overlay.BufferPagesPerThread != 0 {
		base.BufferPagesPerThread = overlay.BufferPagesPerThread
	}

	if overlay.BackingFile != "" {
		base.BackingFile = overlay.BackingFile
	}

	if overlay.RetrySpins != 0 {
		base.RetrySpins = overlay.RetrySpins
	}

	if overlay.RetryMaxInterval != "" {
		base.RetryMaxInterval = overlay.RetryMaxInterval
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.MetricsFile != "" {
		base.MetricsFile = overlay.MetricsFile
	}

	return base
}

// Validate checks a merged configuration.
func Validate(cfg Config) error {
	switch cfg.Driver {
	case DriverKernel, DriverSim:
	default:
		return fmt.Errorf("%w: driver %q (want %q or %q)", ErrInvalid, cfg.Driver, DriverKernel, DriverSim)
	}

	if cfg.Threads < 1 || cfg.Threads > 1<<16 {
		return fmt.Errorf("%w: threads %d out of [1, 65536]", ErrInvalid, cfg.Threads)
	}

	if cfg.PagesPerThread < 1 {
		return fmt.Errorf("%w: pages_per_thread %d < 1", ErrInvalid, cfg.PagesPerThread)
	}

	if cfg.PagesPerThread > math.MaxInt/maxPageSize/cfg.Threads {
		return fmt.Errorf("%w: threads*pages_per_thread %d*%d overflows the region size",
			ErrInvalid, cfg.Threads, cfg.PagesPerThread)
	}

	if cfg.BufferPagesPerThread < 1 {
		return fmt.Errorf("%w: buffer_pages_per_thread %d < 1", ErrInvalid, cfg.BufferPagesPerThread)
	}

	if cfg.RetrySpins < 0 {
		return fmt.Errorf("%w: retry_spins %d < 0", ErrInvalid, cfg.RetrySpins)
	}

	if _, err := cfg.MaxInterval(); err != nil {
		return err
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrInvalid, err)
	}

	return nil
}

// MaxInterval returns the parsed retry_max_interval.
func (c Config) MaxInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.RetryMaxInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: retry_max_interval %q is not a positive duration", ErrInvalid, c.RetryMaxInterval)
	}

	return d, nil
}

// RetryPolicy returns the page table retry policy: RetrySpins yields, then
// exponential backoff capped at retry_max_interval with no overall limit.
// Call only on a validated config.
func (c Config) RetryPolicy() vmcache.RetryPolicy {
	maxInterval, _ := c.MaxInterval()
	initial := min(5*time.Microsecond, maxInterval)

	return vmcache.RetryPolicy{
		Spins: c.RetrySpins,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.MaxInterval = maxInterval
			b.MaxElapsedTime = 0
			b.Reset()

			return b
		},
	}
}

// RegionSize returns the region size in bytes for pageSize. Validate
// guarantees the product fits for page sizes up to 64 KiB.
func (c Config) RegionSize(pageSize int) int {
	return c.Threads * c.PagesPerThread * pageSize
}

// BufferPages returns the total physical page budget.
func (c Config) BufferPages() uint64 {
	return uint64(c.Threads) * uint64(c.BufferPagesPerThread)
}

// Marshal renders the serialized fields as indented JSON.
func (c Config) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return append(data, '\n'), nil
}

// WriteFile writes c to path atomically. An existing file is only replaced
// if force is set.
func WriteFile(path string, c Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrFileExists, path)
		}
	}

	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if err := atomic.WriteFile(path, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
