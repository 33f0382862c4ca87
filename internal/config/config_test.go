package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/exmap/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func Test_Load_Returns_Defaults_Without_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, Env: map[string]string{}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	want.EffectiveCwd = dir

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func Test_Load_Applies_Layers_In_Precedence_Order(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")
	work := filepath.Join(dir, "work")

	writeFile(t, filepath.Join(xdg, "exmap", "config.json"), `{
		// global
		"threads": 2,
		"driver": "sim",
		"log_level": "debug",
	}`)
	writeFile(t, filepath.Join(work, config.FileName), `{
		"threads": 3,
		"pages_per_thread": 256,
		"backing_file": "data/backing.img", // relative to work dir
	}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: work,
		Overrides:       config.Config{PagesPerThread: 128},
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Driver != config.DriverSim || cfg.LogLevel != "debug" {
		t.Fatalf("global layer not applied: %+v", cfg)
	}

	if cfg.Threads != 3 {
		t.Fatalf("Threads = %d, want project value 3", cfg.Threads)
	}

	if cfg.PagesPerThread != 128 {
		t.Fatalf("PagesPerThread = %d, want CLI value 128", cfg.PagesPerThread)
	}

	if want := filepath.Join(work, "data", "backing.img"); cfg.BackingFileAbs != want {
		t.Fatalf("BackingFileAbs = %q, want %q", cfg.BackingFileAbs, want)
	}

	want := config.Sources{
		Global:  filepath.Join(xdg, "exmap", "config.json"),
		Project: filepath.Join(work, config.FileName),
	}
	if cfg.Sources != want {
		t.Fatalf("Sources = %+v, want %+v", cfg.Sources, want)
	}
}

func Test_Load_Explicit_Config_Must_Exist_And_Replaces_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{"threads": 3}`)
	writeFile(t, filepath.Join(dir, "alt.json"), `{"threads": 7}`)

	_, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "missing.json"})
	if !errors.Is(err, config.ErrFileNotFound) {
		t.Fatalf("Load(missing): err = %v, want ErrFileNotFound", err)
	}

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "alt.json"})
	if err != nil {
		t.Fatalf("Load(alt): %v", err)
	}

	if cfg.Threads != 7 {
		t.Fatalf("Threads = %d, want 7", cfg.Threads)
	}
}

func Test_Load_Rejects_Invalid_Values(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Driver":        `{"driver": "fpga"}`,
		"Threads":       `{"threads": -1}`,
		"Pages":         `{"pages_per_thread": -5}`,
		"PagesOverflow": `{"threads": 4, "pages_per_thread": 9223372036854775807}`,
		"Buffer":        `{"buffer_pages_per_thread": -5}`,
		"Spins":         `{"retry_spins": -1}`,
		"Interval":      `{"retry_max_interval": "soon"}`,
		"LogLevel":      `{"log_level": "loud"}`,
		"UnknownKey":    `{"thread": 4}`,
		"NotJSON":       `{threads: 4`,
		"WrongType":     `{"threads": "four"}`,
		"ZeroInterval":  `{"retry_max_interval": "0s"}`,
		"TrailingComma": `{"threads": 4,}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, config.FileName), content)

			cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir})

			if name == "TrailingComma" {
				// JSONC allows trailing commas.
				if err != nil || cfg.Threads != 4 {
					t.Fatalf("Load = (%+v, %v), want threads 4", cfg, err)
				}

				return
			}

			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("Load: err = %v, want ErrInvalid", err)
			}
		})
	}
}

func Test_RetryPolicy_Uses_Configured_Spins_And_Cap(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.RetrySpins = 3
	cfg.RetryMaxInterval = "2ms"

	p := cfg.RetryPolicy()
	if p.Spins != 3 {
		t.Fatalf("Spins = %d, want 3", p.Spins)
	}

	b := p.NewBackOff()
	if d := b.NextBackOff(); d > 10*time.Microsecond {
		t.Fatalf("first NextBackOff = %v, want about 5µs", d)
	}

	for range 50 {
		if d := b.NextBackOff(); d > 4*time.Millisecond {
			t.Fatalf("NextBackOff = %v, want at most 2ms plus jitter", d)
		}
	}
}

func Test_Sizes_Scale_With_Threads(t *testing.T) {
	t.Parallel()

	cfg := config.Default()

	if got := cfg.RegionSize(4096); got != 4*4<<20 {
		t.Fatalf("RegionSize = %d, want 16 MiB", got)
	}

	if got := cfg.BufferPages(); got != 4*512 {
		t.Fatalf("BufferPages = %d, want 2048", got)
	}
}

func Test_WriteFile_Round_Trips_And_Refuses_Overwrite(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", config.FileName)

	cfg := config.Default()
	cfg.Threads = 9
	cfg.EffectiveCwd = "/not/serialized"

	if err := config.WriteFile(path, cfg, false); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := config.WriteFile(path, cfg, false); !errors.Is(err, config.ErrFileExists) {
		t.Fatalf("second WriteFile: err = %v, want ErrFileExists", err)
	}

	if err := config.WriteFile(path, cfg, true); err != nil {
		t.Fatalf("forced WriteFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	got, err := config.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(cfg, got, cmpopts.IgnoreFields(config.Config{}, "EffectiveCwd")); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}
