package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-faster/errors"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "synapse.base_url", typ: kString, env: "MHX_SYNAPSE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Synapse.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Synapse.BaseURL },
	},
	{
		key: "synapse.cache_dir", typ: kString, env: "MHX_SYNAPSE_CACHE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Synapse.CacheDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Synapse.CacheDir },
	},
	{
		key: "synapse.poll_interval", typ: kDuration, env: "MHX_SYNAPSE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Synapse.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Synapse.PollInterval },
	},
	{
		key: "synapse.part_size", typ: kInt, env: "MHX_SYNAPSE_PART_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Synapse.PartSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Synapse.PartSize },
	},
	{
		key: "synapse.timeout", typ: kDuration, env: "MHX_SYNAPSE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Synapse.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Synapse.Timeout },
	},
	{
		key: "synapse.username", typ: kString, env: "MHX_SYNAPSE_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.Synapse.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.Synapse.Username },
	},
	{
		key: "synapse.auth_token", typ: kString, env: "MHX_SYNAPSE_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Synapse.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Synapse.AuthToken },
	},
	{
		key: "audio.command", typ: kString, env: "MHX_AUDIO_COMMAND",
		apply:   func(cfg *Config, v any) { cfg.Audio.Command = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.Command },
	},
	{
		key: "audio.input_flag", typ: kString, env: "MHX_AUDIO_INPUT_FLAG",
		apply:   func(cfg *Config, v any) { cfg.Audio.InputFlag = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.InputFlag },
	},
	{
		key: "audio.output_flag", typ: kString, env: "MHX_AUDIO_OUTPUT_FLAG",
		apply:   func(cfg *Config, v any) { cfg.Audio.OutputFlag = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.OutputFlag },
	},
	{
		key: "audio.target_suffix", typ: kString, env: "MHX_AUDIO_TARGET_SUFFIX",
		apply:   func(cfg *Config, v any) { cfg.Audio.TargetSuffix = v.(string) },
		extract: func(cfg Config) any { return cfg.Audio.TargetSuffix },
	},
	{
		key: "server.port", typ: kInt, env: "MHX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MHX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "MHX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return errors.Wrapf(err, "reading %s", s.key)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return errors.Wrapf(err, "reading %s", s.key)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return errors.Wrapf(err, "reading %s", s.key)
			}
			if ok && v != "" {
				if d, err := time.ParseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					slog.Warn("could not parse duration from config, using default", "key", s.key, "value", v, "error", err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				slog.Warn("could not parse integer from env, using default", "env", s.env, "value", raw, "error", err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				slog.Warn("could not parse duration from env, using default", "env", s.env, "value", raw, "error", err)
			}
		}
	}
}
