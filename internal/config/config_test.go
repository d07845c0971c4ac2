package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

// isolate points the default config location at an empty directory and
// clears VAST_* variables for the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix+"_") {
			t.Setenv(name, "")
			_ = os.Unsetenv(name)
		}
	}
	return dir
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("url", "", "")
	fs.String("api-key", "", "")
	fs.String("log-level", "", "")
	fs.Duration("request-timeout", 0, "")
	return fs
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, `
url: https://example.test/api/v0
api_key: file-key
ssh_key_dir: /keys
timeout: 30s
log_level: debug
retry:
  attempts: 5
  delay: 250ms
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Default()
	want.URL = "https://example.test/api/v0"
	want.APIKey = "file-key"
	want.SSHKeyDir = "/keys"
	want.Timeout = 30 * time.Second
	want.LogLevel = "debug"
	want.Retry = RetryConfig{Attempts: 5, Delay: 250 * time.Millisecond}
	want.File = path
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_DefaultPathUsedWhenPresent(t *testing.T) {
	dir := isolate(t)
	if err := os.MkdirAll(filepath.Join(dir, "vastctl"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, filepath.Join(dir, "vastctl"), "log_level: error\n")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("log level: got %q", cfg.LogLevel)
	}
	if cfg.File == "" {
		t.Error("File should name the default config")
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "url: https://file.test\nlog_level: info\nretry:\n  attempts: 2\n")
	t.Setenv("VAST_URL", "https://env.test")
	t.Setenv("VAST_RETRY_ATTEMPTS", "7")
	t.Setenv("VAST_LOG_LEVEL", "warn")

	fs := testFlags()
	if err := fs.Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "https://env.test" {
		t.Errorf("env should beat file: url = %q", cfg.URL)
	}
	if cfg.Retry.Attempts != 7 {
		t.Errorf("nested env override: attempts = %d", cfg.Retry.Attempts)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("flag should beat env: log_level = %q", cfg.LogLevel)
	}
}

func TestLoad_APIKeyNotReadFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("VAST_API_KEY", "env-key")
	t.Setenv("VAST_API_KEY_FILE", "/tmp/vast-key")

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "" {
		t.Errorf("api key should be left to credentials, got %q", cfg.APIKey)
	}
	if cfg.APIKeyFile != "/tmp/vast-key" {
		t.Errorf("api key file: got %q", cfg.APIKeyFile)
	}
}

func TestLoad_UnsetFlagsDoNotOverride(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "timeout: 45s\n")
	fs := testFlags()
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeout != 45*time.Second {
		t.Errorf("timeout: got %s", cfg.Timeout)
	}
	if cfg.URL == "" {
		t.Error("empty flag default should not clear url")
	}
}

func TestLoad_EnvReference(t *testing.T) {
	dir := isolate(t)
	path := writeConfig(t, dir, "api_key: env(MY_MARKET_KEY)\n")
	t.Setenv("MY_MARKET_KEY", "resolved")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "resolved" {
		t.Errorf("api key: got %q", cfg.APIKey)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "bad attempts", body: "retry:\n  attempts: 0\n"},
		{name: "bad format", body: "log_format: xml\n"},
		{name: "bad yaml", body: "url: [unterminated\n"},
		{name: "unset reference", body: "api_key: env(UNSET_MARKET_KEY_XYZ)\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, dir, tc.body)
			if _, err := Load(path, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml"), nil); err == nil {
		t.Error("expected error for explicit missing file")
	}
}
