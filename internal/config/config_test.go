package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockKeychain is a test double for the keychain interface.
type mockKeychain struct {
	value string
	err   error
}

func (m mockKeychain) Get(service, account string) (string, error) {
	return m.value, m.err
}

var errNoSecret = errors.New("no secret")

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("XDG_DATA_HOME", "/xdg/data")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockKeychain{err: errNoSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Synapse.BaseURL != "https://repo-prod.prod.sagebase.org" {
		t.Errorf("Synapse.BaseURL = %q", cfg.Synapse.BaseURL)
	}
	if !strings.HasSuffix(cfg.Synapse.CacheDir, ".synapseCache") {
		t.Errorf("Synapse.CacheDir = %q, want ~/.synapseCache", cfg.Synapse.CacheDir)
	}
	if cfg.Synapse.PollInterval != time.Second {
		t.Errorf("Synapse.PollInterval = %v, want 1s", cfg.Synapse.PollInterval)
	}
	if cfg.Synapse.PartSize != 5242880 {
		t.Errorf("Synapse.PartSize = %d, want 5242880", cfg.Synapse.PartSize)
	}
	if cfg.Synapse.Timeout != time.Minute {
		t.Errorf("Synapse.Timeout = %v, want 1m0s", cfg.Synapse.Timeout)
	}
	if cfg.Audio.Command != "ffmpeg" || cfg.Audio.InputFlag != "-i" || cfg.Audio.OutputFlag != "-ac 2" || cfg.Audio.TargetSuffix != ".wav" {
		t.Errorf("Audio = %+v", cfg.Audio)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != filepath.Join("/xdg/data", "mhx") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
	if cfg.Synapse.AuthToken != "" {
		t.Errorf("Synapse.AuthToken = %q, want empty", cfg.Synapse.AuthToken)
	}
}

// TestFileValues verifies that all fields are correctly read from the JSON file.
func TestFileValues(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{
		"synapse.base_url": "http://127.0.0.1:4100",
		"synapse.cache_dir": "/tmp/cache",
		"synapse.poll_interval": "250ms",
		"synapse.part_size": 8388608,
		"synapse.timeout": "2m",
		"synapse.username": "arno",
		"audio.command": "/opt/ffmpeg/ffmpeg",
		"audio.output_flag": "-ac 1 -ar 16000",
		"server.port": 5000,
		"storage.data_dir": "/tmp/mhx-test",
		"log.level": "debug"
	}`)

	cfg, err := loadWith(b, mockKeychain{err: errNoSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Synapse.BaseURL != "http://127.0.0.1:4100" {
		t.Errorf("Synapse.BaseURL = %q", cfg.Synapse.BaseURL)
	}
	if cfg.Synapse.CacheDir != "/tmp/cache" {
		t.Errorf("Synapse.CacheDir = %q", cfg.Synapse.CacheDir)
	}
	if cfg.Synapse.PollInterval != 250*time.Millisecond {
		t.Errorf("Synapse.PollInterval = %v", cfg.Synapse.PollInterval)
	}
	if cfg.Synapse.PartSize != 8388608 {
		t.Errorf("Synapse.PartSize = %d", cfg.Synapse.PartSize)
	}
	if cfg.Synapse.Timeout != 2*time.Minute {
		t.Errorf("Synapse.Timeout = %v", cfg.Synapse.Timeout)
	}
	if cfg.Synapse.Username != "arno" {
		t.Errorf("Synapse.Username = %q", cfg.Synapse.Username)
	}
	if cfg.Audio.Command != "/opt/ffmpeg/ffmpeg" {
		t.Errorf("Audio.Command = %q", cfg.Audio.Command)
	}
	if cfg.Audio.OutputFlag != "-ac 1 -ar 16000" {
		t.Errorf("Audio.OutputFlag = %q", cfg.Audio.OutputFlag)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if cfg.Storage.DataDir != "/tmp/mhx-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := writeTempConfig(t, `{"server.port": 5000, "synapse.poll_interval": "2s"}`)

	t.Setenv("MHX_SERVER_PORT", "6000")
	t.Setenv("MHX_SYNAPSE_POLL_INTERVAL", "10ms")
	t.Setenv("MHX_SYNAPSE_AUTH_TOKEN", "env-token")

	cfg, err := loadWith(b, mockKeychain{value: "cached-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.Synapse.PollInterval != 10*time.Millisecond {
		t.Errorf("Synapse.PollInterval = %v, want 10ms", cfg.Synapse.PollInterval)
	}
	if cfg.Synapse.AuthToken != "env-token" {
		t.Errorf("Synapse.AuthToken = %q, want env-token", cfg.Synapse.AuthToken)
	}
}

// TestInvalidEnvKeepsDefault verifies that unparsable env values are ignored.
func TestInvalidEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("MHX_SERVER_PORT", "not-a-port")
	t.Setenv("MHX_SYNAPSE_TIMEOUT", "forever")

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockKeychain{err: errNoSecret})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Synapse.Timeout != time.Minute {
		t.Errorf("Synapse.Timeout = %v, want 1m0s", cfg.Synapse.Timeout)
	}
}

// TestInvalidFileValue verifies a type error in the file is reported.
func TestInvalidFileValue(t *testing.T) {
	clearEnv(t)
	_, err := loadWith(writeTempConfig(t, `{"server.port": "abc"}`), mockKeychain{})
	if err == nil {
		t.Fatal("expected error for invalid port, got nil")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error = %q, want it to name server.port", err)
	}
}

// TestSecretFallback verifies the cached login token is used when none is configured.
func TestSecretFallback(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(writeTempConfig(t, `{}`), mockKeychain{value: "cached-token"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Synapse.AuthToken != "cached-token" {
		t.Errorf("Synapse.AuthToken = %q, want cached-token", cfg.Synapse.AuthToken)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/.synapseCache"); got != filepath.Join(home, ".synapseCache") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("expandHome = %q", got)
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKey(b, "server.port", "4200"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "synapse.poll_interval", "500ms"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "synapse.poll_interval", "soon"); err == nil {
		t.Error("expected error for invalid duration")
	}
	if err := setKey(b, "server.port", "x"); err == nil {
		t.Error("expected error for invalid integer")
	}
	if err := setKey(b, "synapse.auth_token", "t"); err == nil {
		t.Error("expected error for secret key")
	}
	if err := setKey(b, "nope", "1"); err == nil {
		t.Error("expected error for unknown key")
	}

	reloaded := newFileBackend(b.path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4200 {
		t.Errorf("server.port = %d, %v, %v; want 4200", port, ok, err)
	}
	poll, ok, _ := reloaded.GetString("synapse.poll_interval")
	if !ok || poll != "500ms" {
		t.Errorf("synapse.poll_interval = %q, want 500ms", poll)
	}
}

func TestShowAll_HidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Synapse.AuthToken = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "synapse.auth_token" || k.Value == "hidden" {
			t.Errorf("secret shown: %+v", k)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree")
	}
}

func TestTokenCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mhx", "secrets.json")
	c := NewTokenCacheAt(path)

	if _, err := c.Token(); err == nil {
		t.Error("expected error before any token is saved")
	}
	if err := c.SaveToken("abc"); err != nil {
		t.Fatalf("SaveToken: %v", err)
	}
	got, err := c.Token()
	if err != nil || got != "abc" {
		t.Errorf("Token = %q, %v; want abc", got, err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := c.Token(); err == nil {
		t.Error("expected error after Clear")
	}
}
