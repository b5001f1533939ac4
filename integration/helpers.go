//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// binaryPath builds the CLI once per test run and returns its path
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../sandbox-builder",
		filepath.Join(os.Getenv("GOPATH"), "bin", "sandbox-builder"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../sandbox-builder", "../cmd/sandbox-builder")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../sandbox-builder")
	return abs
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// writeConfig writes a config file pointing at a temporary database and
// returns its path. extra is appended verbatim.
func writeConfig(t *testing.T, dbPath, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	config := `[general]
database_path = "` + dbPath + `"
scratch_dir = "` + filepath.Join(t.TempDir(), "scratch") + `"

[github]
default_owner = "acme"

[logging]
level = "warn"
` + extra
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// run executes the CLI with the given config and returns combined output
func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), append([]string{"--config", configPath}, args...)...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
