package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	Synapse SynapseConfig
	Audio   AudioConfig
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
}

type SynapseConfig struct {
	BaseURL      string
	CacheDir     string
	PollInterval time.Duration
	PartSize     int
	Timeout      time.Duration
	Username     string
	AuthToken    string
}

type AudioConfig struct {
	Command      string
	InputFlag    string
	OutputFlag   string
	TargetSuffix string
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Synapse: SynapseConfig{
			BaseURL:      "https://repo-prod.prod.sagebase.org",
			CacheDir:     defaultCacheDir(),
			PollInterval: time.Second,
			PartSize:     5 * 1024 * 1024,
			Timeout:      60 * time.Second,
		},
		Audio: AudioConfig{
			Command:      "ffmpeg",
			InputFlag:    "-i",
			OutputFlag:   "-ac 2",
			TargetSuffix: ".wav",
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/mhx/config.json, then applies MHX_* environment
// overrides. When no access token is configured, the one cached by
// `mhx login` in the secrets file is used.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), secretStore{})
}

// keychain abstracts the secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Synapse.AuthToken == "" {
		if tok, err := kc.Get(secretService, tokenAccount); err == nil && tok != "" {
			cfg.Synapse.AuthToken = tok
		}
	}

	cfg.Synapse.CacheDir = expandHome(cfg.Synapse.CacheDir)
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	return cfg, nil
}

func defaultCacheDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".synapseCache")
	}
	return ".synapseCache"
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
