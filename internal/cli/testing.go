package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// CLI provides a clean interface for running CLI commands in tests.
// It manages a temp directory and environment variables.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI creates a new test CLI with a temp directory.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{
		t:   t,
		Dir: t.TempDir(),
		Env: map[string]string{},
	}
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "exmapctl" or "--cwd" - those are added automatically.
func (r *CLI) Run(args ...string) (string, string, int) {
	return r.RunWithInput("", args...)
}

// RunWithInput executes the CLI with stdin and returns stdout, stderr, and exit code.
func (r *CLI) RunWithInput(stdin string, args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"exmapctl", "--cwd", r.Dir}, args...)
	code := Run(strings.NewReader(stdin), &outBuf, &errBuf, fullArgs, r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Also fails if stdout is not empty. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("command %v failed but stdout should be empty\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteConfig writes the project config file.
func (r *CLI) WriteConfig(content string) {
	r.t.Helper()

	err := os.WriteFile(filepath.Join(r.Dir, ".exmap.json"), []byte(content), 0o600)
	if err != nil {
		r.t.Fatalf("failed to write config: %v", err)
	}
}

// WriteRegion writes a project config for the simulator with the given
// region layout.
func (r *CLI) WriteRegion(threads, pagesPerThread, bufferPagesPerThread int) {
	r.t.Helper()

	r.WriteConfig(fmt.Sprintf(`{"driver": "sim", "threads": %d, "pages_per_thread": %d, "buffer_pages_per_thread": %d}`,
		threads, pagesPerThread, bufferPagesPerThread))
}

// MustRunSim is MustRun with --sim, so the command never touches /dev/exmap.
func (r *CLI) MustRunSim(args ...string) string {
	r.t.Helper()

	return r.MustRun(append([]string{"--sim"}, args...)...)
}

// Shell feeds lines to "exmapctl --sim shell" and returns its stdout.
// The test fails if the shell exits non-zero.
func (r *CLI) Shell(lines ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.RunWithInput(strings.Join(lines, "\n"), "--sim", "shell")
	if code != 0 {
		r.t.Fatalf("shell failed with exit code %d\nstderr: %s", code, stderr)
	}

	return stdout
}

// ReadFile returns the content of a file relative to Dir.
func (r *CLI) ReadFile(name string) string {
	r.t.Helper()

	data, err := os.ReadFile(filepath.Join(r.Dir, name))
	if err != nil {
		r.t.Fatalf("read %s: %v", name, err)
	}

	return string(data)
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
